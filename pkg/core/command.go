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
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CharacteristicHeatingState      = "heating-state"
	CharacteristicTargetTemperature = "target-temperature"
)

var (
	ErrUnknownDevice         = errors.New("unknown device")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
)

// Command is a characteristic write requested by a local client.
type Command struct {
	Device         string          `json:"device"`
	Characteristic string          `json:"characteristic"`
	Value          json.RawMessage `json:"value"`
}

// Apply decodes the value for the characteristic and hands it to the
// device's controller.
func (c Command) Apply(ctx context.Context, controllers ControllerLookup) error {
	ctrl, ok := controllers.Controller(c.Device)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, c.Device)
	}

	switch c.Characteristic {
	case CharacteristicHeatingState:
		var name string
		if err := json.Unmarshal(c.Value, &name); err != nil {
			return fmt.Errorf("%w: heating state must be a string", ErrInvalidRequest)
		}
		state, ok := ParseHeatingCoolingState(name)
		if !ok {
			return fmt.Errorf("%w: heating state %q", ErrInvalidRequest, name)
		}
		return ctrl.SetTargetHeatingCoolingState(ctx, state)
	case CharacteristicTargetTemperature:
		var celsius float64
		if err := json.Unmarshal(c.Value, &celsius); err != nil {
			return fmt.Errorf("%w: target temperature must be a number", ErrInvalidRequest)
		}
		return ctrl.SetTargetTemperature(ctx, celsius)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, c.Characteristic)
	}
}
