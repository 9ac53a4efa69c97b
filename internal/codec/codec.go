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

// Package codec translates between session requests and the vendor's JSON
// wire format.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

type helloFrame struct {
	Type          core.MessageType `json:"type"`
	MessageID     int64            `json:"message_id"`
	Version       string           `json:"version"`
	OS            string           `json:"os"`
	Source        string           `json:"source"`
	Compatibility int              `json:"compatibility"`
	Token         string           `json:"token"`
}

type subscribeFrame struct {
	Type      core.MessageType `json:"type"`
	MessageID int64            `json:"message_id"`
	Device    string           `json:"device"`
}

type patchFrame struct {
	Type      core.MessageType      `json:"type"`
	MessageID int64                 `json:"message_id"`
	Device    string                `json:"device"`
	Patch     []core.PatchOperation `json:"patch"`
}

// Encode renders req with the given correlation id.
func Encode(id int64, req core.Request) ([]byte, error) {
	var frame any
	switch r := req.(type) {
	case core.Hello:
		frame = helloFrame{
			Type:          core.MessageTypeHello,
			MessageID:     id,
			Version:       r.Version,
			OS:            r.OS,
			Source:        r.Source,
			Compatibility: r.Compatibility,
			Token:         r.Token,
		}
	case core.SubscribeDevice:
		if r.Device == "" {
			return nil, fmt.Errorf("%w: subscribe_device without device", core.ErrInvalidRequest)
		}
		frame = subscribeFrame{Type: core.MessageTypeSubscribeDevice, MessageID: id, Device: r.Device}
	case core.JSONPatch:
		if r.Device == "" || len(r.Patch) == 0 {
			return nil, fmt.Errorf("%w: json_patch needs a device and at least one operation", core.ErrInvalidRequest)
		}
		frame = patchFrame{Type: core.MessageTypeJSONPatch, MessageID: id, Device: r.Device, Patch: r.Patch}
	default:
		return nil, fmt.Errorf("%w: unsupported request %T", core.ErrInvalidRequest, req)
	}
	return json.Marshal(frame)
}

// envelope holds every field any inbound shape may carry; presence is probed
// here and nowhere else.
type envelope struct {
	Type      string                `json:"type"`
	MessageID *int64                `json:"message_id"`
	Status    int                   `json:"status"`
	Device    string                `json:"device"`
	Online    bool                  `json:"online"`
	Version   string                `json:"version"`
	Model     string                `json:"model"`
	Name      string                `json:"name"`
	State     map[string]any        `json:"state"`
	Patch     []core.PatchOperation `json:"patch"`
}

// Decode classifies one inbound frame. Invalid JSON yields ErrMalformedFrame;
// well-formed frames of an unknown shape decode as KindUnrecognized.
func Decode(frame []byte) (core.Incoming, error) {
	raw := json.RawMessage(bytes.TrimSpace(frame))
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return core.Incoming{}, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
	}

	msg := core.Incoming{Kind: core.KindUnrecognized, Raw: raw}
	switch {
	case env.Type == string(core.MessageTypeResponse) && env.MessageID != nil:
		msg.Kind = core.KindResponse
		msg.Response = &core.Response{MessageID: *env.MessageID, Status: env.Status}
	case env.Type == string(core.MessageTypeJSONPatch) && env.Device != "" && env.Patch != nil:
		msg.Kind = core.KindPatch
		msg.Patch = &core.PatchPush{Device: env.Device, Patch: env.Patch}
	case env.Device != "" && env.State != nil:
		msg.Kind = core.KindState
		msg.State = &core.StatePush{
			DeviceMetadata: core.DeviceMetadata{
				Type:    core.DeviceType(env.Type),
				Device:  env.Device,
				Online:  env.Online,
				Version: env.Version,
				Model:   env.Model,
				Name:    env.Name,
			},
			State: env.State,
		}
	}
	return msg, nil
}
