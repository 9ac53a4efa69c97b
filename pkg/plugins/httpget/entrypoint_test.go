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

package httpget

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwclimate/climate-bridge/internal/devicestate"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

type fakeHistory struct {
	changes []core.FieldChange
	err     error
	limit   int
}

func (f *fakeHistory) History(_ context.Context, device, field string, limit int) ([]core.FieldChange, error) {
	f.limit = limit
	return f.changes, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededView() *devicestate.Synchronizer {
	view := devicestate.New(quietLogger())
	view.Apply(core.Incoming{Kind: core.KindState, State: &core.StatePush{
		DeviceMetadata: core.DeviceMetadata{Device: "abc", Name: "Living room", Online: true},
		State:          map[string]any{"power_on": true, "current_temperature": float64(19)},
	}})
	view.Apply(core.Incoming{Kind: core.KindState, State: &core.StatePush{
		DeviceMetadata: core.DeviceMetadata{Device: "heater/def"},
		State:          map[string]any{"power_on": false},
	}})
	return view
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListDevices(t *testing.T) {
	h := New("api", 0, quietLogger()).Router(seededView())

	rec := get(t, h, "/devices")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []core.DeviceState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "abc", got[0].Device)
	assert.Equal(t, "Living room", got[0].Name)
}

func TestGetDevice(t *testing.T) {
	h := New("api", 0, quietLogger()).Router(seededView())

	rec := get(t, h, "/devices/abc")
	require.Equal(t, http.StatusOK, rec.Code)
	var got core.DeviceState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, true, got.Fields["power_on"])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/devices/missing").Code)
}

func TestGetDeviceWithEncodedSlash(t *testing.T) {
	h := New("api", 0, quietLogger()).Router(seededView())
	rec := get(t, h, "/devices/heater%2Fdef/fields/power_on")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"device":"heater/def","field":"power_on","value":false}`, rec.Body.String())
}

func TestGetField(t *testing.T) {
	h := New("api", 0, quietLogger()).Router(seededView())

	rec := get(t, h, "/devices/abc/fields/current_temperature")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"device":"abc","field":"current_temperature","value":19}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/devices/abc/fields/lock").Code)
}

func TestHistory(t *testing.T) {
	history := &fakeHistory{changes: []core.FieldChange{
		{Device: "abc", Field: "power_on", Value: true, Source: core.ChangeSourcePatch, At: time.Unix(100, 0).UTC()},
	}}
	h := New("api", 0, quietLogger(), WithHistory(history)).Router(seededView())

	rec := get(t, h, "/devices/abc/fields/power_on/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)

	var got []core.FieldChange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, core.ChangeSourcePatch, got[0].Source)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/devices/abc/fields/power_on/history?limit=0").Code)

	history.err = errors.New("db down")
	assert.Equal(t, http.StatusBadGateway, get(t, h, "/devices/abc/fields/power_on/history").Code)
	assert.Equal(t, defaultHistoryLimit, history.limit)
}

func TestHistoryDisabled(t *testing.T) {
	h := New("api", 0, quietLogger()).Router(seededView())
	assert.Equal(t, http.StatusNotFound, get(t, h, "/devices/abc/fields/power_on/history").Code)
}
