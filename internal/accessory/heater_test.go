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

package accessory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwclimate/climate-bridge/internal/devicestate"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []core.Request
	nextID int64
	status func(req core.Request) int
}

func (f *fakeSender) Send(_ context.Context, req core.Request) (core.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.nextID++
	id := f.nextID
	status := core.StatusOK
	if f.status != nil {
		status = f.status(req)
	}
	f.mu.Unlock()

	if status != core.StatusOK {
		return core.Response{}, &core.StatusError{Type: req.Type(), MessageID: id, Status: status}
	}
	return core.Response{MessageID: id, Status: status}, nil
}

func (f *fakeSender) count(t core.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.sent {
		if r.Type() == t {
			n++
		}
	}
	return n
}

func (f *fakeSender) patches() []core.JSONPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.JSONPatch
	for _, r := range f.sent {
		if p, ok := r.(core.JSONPatch); ok {
			out = append(out, p)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var heaterDevice = core.Device{Identifier: "abc", Name: "Living room", Type: core.DeviceTypeHeater}

func newTestHeater(t *testing.T, sender *fakeSender, state map[string]any) (*Heater, *devicestate.Synchronizer) {
	t.Helper()
	view := devicestate.New(quietLogger())
	if state != nil {
		view.Apply(core.Incoming{
			Kind:  core.KindState,
			State: &core.StatePush{DeviceMetadata: core.DeviceMetadata{Device: "abc"}, State: state},
		})
	}
	return NewHeater(heaterDevice, sender, view, quietLogger()), view
}

func TestFiveClientErrorsExhaustRetries(t *testing.T) {
	sender := &fakeSender{status: func(req core.Request) int {
		if req.Type() == core.MessageTypeJSONPatch {
			return core.StatusBadRequest
		}
		return core.StatusOK
	}}
	h, _ := newTestHeater(t, sender, map[string]any{"power_on": false})

	err := h.SetTargetHeatingCoolingState(context.Background(), core.HeatingCoolingHeat)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, core.ErrRejected)

	var statusErr *core.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, core.StatusBadRequest, statusErr.Status)

	assert.Equal(t, MaxPatchAttempts, sender.count(core.MessageTypeJSONPatch))
	assert.Equal(t, MaxPatchAttempts-1, sender.count(core.MessageTypeSubscribeDevice))
}

func TestRetrySucceedsAfterResubscribe(t *testing.T) {
	patches := 0
	sender := &fakeSender{status: func(req core.Request) int {
		if req.Type() != core.MessageTypeJSONPatch {
			return core.StatusOK
		}
		patches++
		if patches < 3 {
			return 404
		}
		return core.StatusOK
	}}
	h, _ := newTestHeater(t, sender, map[string]any{"power_on": false})

	require.NoError(t, h.SetTargetTemperature(context.Background(), 21.4))
	assert.Equal(t, 3, sender.count(core.MessageTypeJSONPatch))
	assert.Equal(t, 2, sender.count(core.MessageTypeSubscribeDevice))

	p := sender.patches()[2]
	require.Len(t, p.Patch, 1)
	assert.Equal(t, core.Replace("target_temperature", 21), p.Patch[0])
}

func TestNonClientErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{core.StatusUnauthorized, 500} {
		sender := &fakeSender{status: func(req core.Request) int {
			if req.Type() == core.MessageTypeJSONPatch {
				return status
			}
			return core.StatusOK
		}}
		h, _ := newTestHeater(t, sender, map[string]any{"power_on": true})

		err := h.SetTargetHeatingCoolingState(context.Background(), core.HeatingCoolingOff)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 1, sender.count(core.MessageTypeJSONPatch), "status %d", status)
		assert.Zero(t, sender.count(core.MessageTypeSubscribeDevice))
	}
}

func TestHeatingStateNormalization(t *testing.T) {
	cases := []struct {
		target core.HeatingCoolingState
		power  bool
	}{
		{core.HeatingCoolingOff, false},
		{core.HeatingCoolingCool, false},
		{core.HeatingCoolingHeat, true},
		{core.HeatingCoolingAuto, true},
	}
	for _, tc := range cases {
		t.Run(tc.target.String(), func(t *testing.T) {
			sender := &fakeSender{}
			h, _ := newTestHeater(t, sender, map[string]any{"power_on": !tc.power})

			require.NoError(t, h.SetTargetHeatingCoolingState(context.Background(), tc.target))
			p := sender.patches()
			require.Len(t, p, 1)
			assert.Equal(t, "abc", p[0].Device)
			assert.Equal(t, []core.PatchOperation{core.Replace("power_on", tc.power)}, p[0].Patch)
		})
	}
}

func TestUnsupportedHeatingState(t *testing.T) {
	sender := &fakeSender{}
	h, _ := newTestHeater(t, sender, map[string]any{"power_on": true})

	err := h.SetTargetHeatingCoolingState(context.Background(), core.HeatingCoolingState(9))
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	assert.Empty(t, sender.patches())
}

func TestWritesRequireKnownState(t *testing.T) {
	sender := &fakeSender{}
	h, _ := newTestHeater(t, sender, nil)

	assert.ErrorIs(t, h.SetTargetHeatingCoolingState(context.Background(), core.HeatingCoolingHeat), ErrStateUnknown)
	assert.ErrorIs(t, h.SetTargetTemperature(context.Background(), 20), ErrStateUnknown)
	assert.Empty(t, sender.patches())
}

func TestPatchAloneDoesNotMakeStateKnown(t *testing.T) {
	sender := &fakeSender{}
	h, view := newTestHeater(t, sender, nil)
	view.Apply(core.Incoming{Kind: core.KindPatch, Patch: &core.PatchPush{
		Device: "abc",
		Patch:  []core.PatchOperation{core.Replace("power_on", true)},
	}})

	assert.ErrorIs(t, h.SetTargetTemperature(context.Background(), 20), ErrStateUnknown)
	assert.Empty(t, sender.patches())
}

func TestReadsFollowStateView(t *testing.T) {
	h, view := newTestHeater(t, &fakeSender{}, map[string]any{
		"power_on":            false,
		"lock":                true,
		"target_temperature":  float64(20),
		"current_temperature": float64(18),
		"timer":               float64(0),
		"mode":                "high",
	})

	state, err := h.CurrentHeatingCoolingState()
	require.NoError(t, err)
	assert.Equal(t, core.HeatingCoolingOff, state)

	cur, err := h.CurrentTemperature()
	require.NoError(t, err)
	assert.Equal(t, float64(18), cur)

	locked, err := h.Locked()
	require.NoError(t, err)
	assert.True(t, locked)

	mode, err := h.Mode()
	require.NoError(t, err)
	assert.Equal(t, "high", mode)

	view.Apply(core.Incoming{Kind: core.KindPatch, Patch: &core.PatchPush{
		Device: "abc",
		Patch:  []core.PatchOperation{core.Replace("power_on", true), core.Replace("target_temperature", float64(23))},
	}})

	state, err = h.TargetHeatingCoolingState()
	require.NoError(t, err)
	assert.Equal(t, core.HeatingCoolingHeat, state)

	target, err := h.TargetTemperature()
	require.NoError(t, err)
	assert.Equal(t, float64(23), target)
}

func TestReadsWithoutState(t *testing.T) {
	h, _ := newTestHeater(t, &fakeSender{}, nil)
	_, err := h.CurrentTemperature()
	assert.ErrorIs(t, err, ErrStateUnknown)
	_, err = h.CurrentHeatingCoolingState()
	assert.ErrorIs(t, err, ErrStateUnknown)
}

func TestStartSubscribesAndRenews(t *testing.T) {
	sender := &fakeSender{}
	view := devicestate.New(quietLogger())
	h := NewHeater(heaterDevice, sender, view, quietLogger(), WithResubscribeInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	h.Start(ctx)

	assert.Eventually(t, func() bool {
		return sender.count(core.MessageTypeSubscribeDevice) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription loop did not stop")
	}
}
