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

package httppost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hwclimate/climate-bridge/internal/accessory"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

// Entrypoint accepts characteristic writes over HTTP and applies them through
// the device's controller.
type Entrypoint struct {
	name        string
	port        int
	controllers core.ControllerLookup
	server      *http.Server
	logger      *slog.Logger
	maxBody     int64
}

func New(name string, port int, controllers core.ControllerLookup, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name:        name,
		port:        port,
		controllers: controllers,
		logger:      logger,
		maxBody:     1 << 20,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_post" }

func (e *Entrypoint) Start(ctx context.Context, _ core.StateView) error {
	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", e.port),
		Handler:           e.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("http_post entrypoint starting", "name", e.name, "port", e.port)
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

func (e *Entrypoint) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/devices/{id}/{characteristic}", e.handleWrite)
	return r
}

type writeRequest struct {
	Value json.RawMessage `json:"value"`
}

func (e *Entrypoint) handleWrite(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req writeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, e.maxBody)).Decode(&req); err != nil || len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, `body must be {"value": ...}`)
		return
	}

	id := chi.URLParam(r, "id")
	if v, err := url.PathUnescape(id); err == nil {
		id = v
	}
	cmd := core.Command{
		Device:         id,
		Characteristic: chi.URLParam(r, "characteristic"),
		Value:          req.Value,
	}

	if err := cmd.Apply(r.Context(), e.controllers); err != nil {
		status := StatusFor(err)
		e.logger.Warn("characteristic write failed",
			"request_id", middleware.GetReqID(r.Context()),
			"device", cmd.Device,
			"characteristic", cmd.Characteristic,
			"status", status,
			"error", err)
		writeError(w, status, err.Error())
		return
	}

	e.logger.Info("characteristic written", "device", cmd.Device, "characteristic", cmd.Characteristic)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// StatusFor maps a write failure to the HTTP status reported to the client.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownDevice), errors.Is(err, core.ErrUnknownCharacteristic):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, accessory.ErrUnsupportedValue):
		return http.StatusBadRequest
	case errors.Is(err, accessory.ErrStateUnknown):
		return http.StatusConflict
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
