// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeHello           MessageType = "hello"
	MessageTypeSubscribeDevice MessageType = "subscribe_device"
	MessageTypeJSONPatch       MessageType = "json_patch"
	MessageTypeResponse        MessageType = "response"
)

type DeviceType string

const (
	DeviceTypeHeater DeviceType = "heater"
)

// StatusOK is the status the backend reports for an accepted request.
const (
	StatusOK           = 200
	StatusBadRequest   = 400
	StatusUnauthorized = 401
)

// Request is one of Hello, SubscribeDevice or JSONPatch. The correlation id is
// not part of the request; the session engine assigns it at send time.
type Request interface {
	Type() MessageType
	isRequest()
}

type Hello struct {
	Version       string
	OS            string
	Source        string
	Compatibility int
	Token         string
}

func (Hello) Type() MessageType { return MessageTypeHello }
func (Hello) isRequest()        {}

type SubscribeDevice struct {
	Device string
}

func (SubscribeDevice) Type() MessageType { return MessageTypeSubscribeDevice }
func (SubscribeDevice) isRequest()        {}

type JSONPatch struct {
	Device string
	Patch  []PatchOperation
}

func (JSONPatch) Type() MessageType { return MessageTypeJSONPatch }
func (JSONPatch) isRequest()        {}

const OpReplace = "replace"

type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Replace builds a replace operation on /state/<field>.
func Replace(field string, value any) PatchOperation {
	return PatchOperation{Op: OpReplace, Path: "/state/" + field, Value: value}
}

type Response struct {
	MessageID int64 `json:"message_id"`
	Status    int   `json:"status"`
}

type IncomingKind int

const (
	KindUnrecognized IncomingKind = iota
	KindResponse
	KindState
	KindPatch
)

func (k IncomingKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindState:
		return "state"
	case KindPatch:
		return "patch"
	default:
		return "unrecognized"
	}
}

// Incoming is the decoded form of one inbound frame. Exactly one of Response,
// State or Patch is set, matching Kind.
type Incoming struct {
	Kind     IncomingKind
	Response *Response
	State    *StatePush
	Patch    *PatchPush
	Raw      json.RawMessage
}

// Device returns the device id carried by a push, or "".
func (m Incoming) Device() string {
	switch m.Kind {
	case KindState:
		return m.State.Device
	case KindPatch:
		return m.Patch.Device
	}
	return ""
}

type DeviceMetadata struct {
	Type    DeviceType `json:"type"`
	Device  string     `json:"device"`
	Online  bool       `json:"online"`
	Version string     `json:"version"`
	Model   string     `json:"model"`
	Name    string     `json:"name"`
}

type StatePush struct {
	DeviceMetadata
	State map[string]any `json:"state"`
}

type PatchPush struct {
	Device string           `json:"device"`
	Patch  []PatchOperation `json:"patch"`
}

// DeviceState is a copy of the last known state of one device.
type DeviceState struct {
	DeviceMetadata
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type ChangeSource string

const (
	ChangeSourceState ChangeSource = "state"
	ChangeSourcePatch ChangeSource = "patch"
)

type FieldChange struct {
	Device string       `json:"device"`
	Field  string       `json:"field"`
	Value  any          `json:"value"`
	Source ChangeSource `json:"source"`
	At     time.Time    `json:"at"`
}

// Device is one entry of the vendor device listing.
type Device struct {
	Identifier string          `json:"identifier"`
	Name       string          `json:"name"`
	Type       DeviceType      `json:"type"`
	Endpoint   json.RawMessage `json:"endpoint,omitempty"`
	Grants     json.RawMessage `json:"grants,omitempty"`
}
