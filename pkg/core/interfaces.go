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

import "context"

// Transport is one physical duplex connection. Receive returns an error once
// the connection is closed; Close is safe to call more than once.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// CredentialProvider exchanges account credentials for a short-lived bearer
// token. It is called on every handshake.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

type StateView interface {
	Devices() []string
	Snapshot(device string) (DeviceState, bool)
	Value(device, field string) (any, bool)
	Subscribe(buffer int) (<-chan FieldChange, func())
}

type HeatingCoolingState int

const (
	HeatingCoolingOff HeatingCoolingState = iota
	HeatingCoolingHeat
	HeatingCoolingCool
	HeatingCoolingAuto
)

var heatingCoolingNames = map[HeatingCoolingState]string{
	HeatingCoolingOff:  "off",
	HeatingCoolingHeat: "heat",
	HeatingCoolingCool: "cool",
	HeatingCoolingAuto: "auto",
}

func (s HeatingCoolingState) String() string {
	if name, ok := heatingCoolingNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseHeatingCoolingState(s string) (HeatingCoolingState, bool) {
	for state, name := range heatingCoolingNames {
		if name == s {
			return state, true
		}
	}
	return 0, false
}

type Controller interface {
	SetTargetHeatingCoolingState(ctx context.Context, state HeatingCoolingState) error
	SetTargetTemperature(ctx context.Context, celsius float64) error
}

type ControllerLookup interface {
	Controller(deviceID string) (Controller, bool)
}

// Entrypoint is a local surface exposing device state to other processes.
type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context, view StateView) error
	Stop(ctx context.Context) error
}

// Sink republishes accepted field changes to an external system.
type Sink interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, change FieldChange) error
	Disconnect(ctx context.Context) error
}

// HistoryReader returns recorded changes of one device field, newest first.
type HistoryReader interface {
	History(ctx context.Context, device, field string, limit int) ([]FieldChange, error)
}
