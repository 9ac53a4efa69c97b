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
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type Option func(*Entrypoint)

// WithHistory enables GET /devices/{id}/fields/{field}/history.
func WithHistory(h core.HistoryReader) Option {
	return func(e *Entrypoint) { e.history = h }
}

// Entrypoint serves read-only device state over HTTP.
type Entrypoint struct {
	name    string
	port    int
	history core.HistoryReader
	server  *http.Server
	logger  *slog.Logger
}

func New(name string, port int, logger *slog.Logger, opts ...Option) *Entrypoint {
	e := &Entrypoint{name: name, port: port, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_get" }

func (e *Entrypoint) Start(ctx context.Context, view core.StateView) error {
	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", e.port),
		Handler:           e.Router(view),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("http_get entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) Router(view core.StateView) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h := &handlers{view: view, history: e.history, logger: e.logger}
	r.Get("/devices", h.listDevices)
	r.Get("/devices/{id}", h.getDevice)
	r.Get("/devices/{id}/fields/{field}", h.getField)
	r.Get("/devices/{id}/fields/{field}/history", h.getHistory)
	return r
}

type handlers struct {
	view    core.StateView
	history core.HistoryReader
	logger  *slog.Logger
}

type fieldResponse struct {
	Device string `json:"device"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	ids := h.view.Devices()
	out := make([]core.DeviceState, 0, len(ids))
	for _, id := range ids {
		if snap, ok := h.view.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	snap, ok := h.view.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device state unknown")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) getField(w http.ResponseWriter, r *http.Request) {
	id, field := param(r, "id"), param(r, "field")
	v, ok := h.view.Value(id, field)
	if !ok {
		writeError(w, http.StatusNotFound, "field value unknown")
		return
	}
	writeJSON(w, http.StatusOK, fieldResponse{Device: id, Field: field, Value: v})
}

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}

	changes, err := h.history.History(r.Context(), param(r, "id"), param(r, "field"), limit)
	if err != nil {
		h.logger.Error("history query failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "history unavailable")
		return
	}
	if changes == nil {
		changes = []core.FieldChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// param returns a path parameter, unescaping ids that carry an encoded slash.
func param(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
