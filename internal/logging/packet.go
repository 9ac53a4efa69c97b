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

package logging

import (
	"log/slog"
	"sync/atomic"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// FrameLogger records one line per websocket frame while enabled.
type FrameLogger struct {
	logger  *slog.Logger
	enabled atomic.Bool
}

func NewFrameLogger(logger *slog.Logger, enabled bool) *FrameLogger {
	f := &FrameLogger{logger: logger}
	f.enabled.Store(enabled)
	return f
}

func (f *FrameLogger) SetEnabled(on bool) {
	f.enabled.Store(on)
}

func (f *FrameLogger) Enabled() bool {
	return f.enabled.Load()
}

func (f *FrameLogger) Outbound(connID string, id int64, req core.Request, size int) {
	if !f.enabled.Load() {
		return
	}
	attrs := []any{
		"connection_id", connID,
		"direction", DirectionOutbound,
		"type", req.Type(),
		"message_id", id,
		"payload_size", size,
	}
	switch r := req.(type) {
	case core.SubscribeDevice:
		attrs = append(attrs, "device", r.Device)
	case core.JSONPatch:
		attrs = append(attrs, "device", r.Device, "operations", len(r.Patch))
	}
	f.logger.Info("frame", attrs...)
}

func (f *FrameLogger) Inbound(connID string, msg core.Incoming, size int) {
	if !f.enabled.Load() {
		return
	}
	attrs := []any{
		"connection_id", connID,
		"direction", DirectionInbound,
		"kind", msg.Kind.String(),
		"payload_size", size,
	}
	switch msg.Kind {
	case core.KindResponse:
		attrs = append(attrs, "message_id", msg.Response.MessageID, "status", msg.Response.Status)
	case core.KindState, core.KindPatch:
		attrs = append(attrs, "device", msg.Device())
	}
	f.logger.Info("frame", attrs...)
}
