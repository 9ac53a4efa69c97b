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

// Package accessory adapts vendor devices to bridge characteristics.
package accessory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	// MaxPatchAttempts bounds patch sends per characteristic write,
	// re-subscribing between attempts.
	MaxPatchAttempts = 5

	DefaultResubscribeInterval = 60 * time.Second
)

var (
	ErrRetriesExhausted = errors.New("patch retries exhausted")
	ErrStateUnknown     = errors.New("device state unknown")
	ErrUnsupportedValue = errors.New("unsupported characteristic value")
)

// Heater state fields.
const (
	FieldPowerOn            = "power_on"
	FieldLock               = "lock"
	FieldTargetTemperature  = "target_temperature"
	FieldCurrentTemperature = "current_temperature"
	FieldTimer              = "timer"
	FieldMode               = "mode"
)

type Option func(*Heater)

func WithResubscribeInterval(d time.Duration) Option {
	return func(h *Heater) {
		if d > 0 {
			h.interval = d
		}
	}
}

// Heater is one heater accessory. Writes go to the backend as json_patch
// requests; reads come from the shared state view.
type Heater struct {
	device   core.Device
	sender   core.Sender
	state    core.StateView
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewHeater(device core.Device, sender core.Sender, state core.StateView, logger *slog.Logger, opts ...Option) *Heater {
	h := &Heater{
		device:   device,
		sender:   sender,
		state:    state,
		interval: DefaultResubscribeInterval,
		logger:   logger.With("device", device.Identifier, "name", device.Name),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heater) ID() string   { return h.device.Identifier }
func (h *Heater) Name() string { return h.device.Name }

func (h *Heater) Device() core.Device { return h.device }

// Start subscribes to the device and keeps the subscription fresh until ctx
// is done. Calling Start on a running heater is a no-op.
func (h *Heater) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		h.logger.Info("subscribing to device updates")
		if err := h.Subscribe(ctx); err != nil {
			h.logger.Warn("initial subscription failed", "error", err)
		}

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.running = false
				h.mu.Unlock()
				return
			case <-ticker.C:
				if err := h.Subscribe(ctx); err != nil && ctx.Err() == nil {
					h.logger.Warn("resubscribe failed", "error", err)
				}
			}
		}
	}()
}

// Done is closed when the subscription loop has exited.
func (h *Heater) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *Heater) Subscribe(ctx context.Context) error {
	if _, err := h.sender.Send(ctx, core.SubscribeDevice{Device: h.device.Identifier}); err != nil {
		return fmt.Errorf("subscribe %s: %w", h.device.Identifier, err)
	}
	h.logger.Debug("device subscription confirmed")
	return nil
}

func (h *Heater) CurrentTemperature() (float64, error) {
	return h.number(FieldCurrentTemperature)
}

func (h *Heater) TargetTemperature() (float64, error) {
	return h.number(FieldTargetTemperature)
}

func (h *Heater) Timer() (float64, error) {
	return h.number(FieldTimer)
}

func (h *Heater) Locked() (bool, error) {
	return h.flag(FieldLock)
}

func (h *Heater) Mode() (string, error) {
	v, ok := h.state.Value(h.device.Identifier, FieldMode)
	if !ok {
		return "", ErrStateUnknown
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T", ErrUnsupportedValue, FieldMode, v)
	}
	return s, nil
}

// CurrentHeatingCoolingState reports Heat while powered, Off otherwise.
func (h *Heater) CurrentHeatingCoolingState() (core.HeatingCoolingState, error) {
	on, err := h.flag(FieldPowerOn)
	if err != nil {
		return core.HeatingCoolingOff, err
	}
	if on {
		return core.HeatingCoolingHeat, nil
	}
	return core.HeatingCoolingOff, nil
}

// The heater has no separate target; it mirrors the current power state.
func (h *Heater) TargetHeatingCoolingState() (core.HeatingCoolingState, error) {
	return h.CurrentHeatingCoolingState()
}

// SetTargetHeatingCoolingState powers the heater on for Heat and Auto and off
// for Off and Cool.
func (h *Heater) SetTargetHeatingCoolingState(ctx context.Context, target core.HeatingCoolingState) error {
	if !h.known() {
		h.logger.Warn("set target heating state with unknown device state")
		return ErrStateUnknown
	}

	var powerOn bool
	switch target {
	case core.HeatingCoolingOff, core.HeatingCoolingCool:
		powerOn = false
	case core.HeatingCoolingHeat, core.HeatingCoolingAuto:
		powerOn = true
	default:
		h.logger.Warn("unsupported target heating state", "value", int(target))
		return fmt.Errorf("%w: heating state %d", ErrUnsupportedValue, int(target))
	}

	h.logger.Debug("set target heating state", "value", target.String(), "power_on", powerOn)
	return h.patchWithResubscribe(ctx, core.Replace(FieldPowerOn, powerOn))
}

func (h *Heater) SetTargetTemperature(ctx context.Context, celsius float64) error {
	if !h.known() {
		h.logger.Warn("set target temperature with unknown device state")
		return ErrStateUnknown
	}
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return fmt.Errorf("%w: temperature %v", ErrUnsupportedValue, celsius)
	}

	value := int(math.Round(celsius))
	h.logger.Debug("set target temperature", "value", value)
	return h.patchWithResubscribe(ctx, core.Replace(FieldTargetTemperature, value))
}

// patchWithResubscribe sends the patch, and on a 400-class rejection renews
// the device subscription and tries again, up to MaxPatchAttempts sends.
func (h *Heater) patchWithResubscribe(ctx context.Context, ops ...core.PatchOperation) error {
	req := core.JSONPatch{Device: h.device.Identifier, Patch: ops}

	var last error
	for attempt := 1; attempt <= MaxPatchAttempts; attempt++ {
		_, err := h.sender.Send(ctx, req)
		if err == nil {
			return nil
		}

		var statusErr *core.StatusError
		if !errors.As(err, &statusErr) || !statusErr.ClientError() {
			return err
		}
		last = err

		if attempt == MaxPatchAttempts {
			break
		}
		h.logger.Warn("patch rejected, renewing subscription",
			"attempt", attempt,
			"status", statusErr.Status)
		if err := h.Subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			h.logger.Warn("resubscribe before retry failed", "error", err)
		}
	}

	h.logger.Error("patch failed", "attempts", MaxPatchAttempts, "error", last)
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, MaxPatchAttempts, last)
}

func (h *Heater) known() bool {
	_, ok := h.state.Value(h.device.Identifier, FieldPowerOn)
	return ok
}

func (h *Heater) number(field string) (float64, error) {
	v, ok := h.state.Value(h.device.Identifier, field)
	if !ok {
		return 0, ErrStateUnknown
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %s is %T", ErrUnsupportedValue, field, v)
}

func (h *Heater) flag(field string) (bool, error) {
	v, ok := h.state.Value(h.device.Identifier, field)
	if !ok {
		return false, ErrStateUnknown
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is %T", ErrUnsupportedValue, field, v)
	}
	return b, nil
}
