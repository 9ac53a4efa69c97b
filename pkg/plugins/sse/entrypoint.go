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

package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	defaultKeepAlive = 15 * time.Second
	streamBuffer     = 64
)

// Entrypoint streams device snapshots and field changes as server-sent events.
type Entrypoint struct {
	name      string
	port      int
	keepAlive time.Duration
	server    *http.Server
	logger    *slog.Logger
}

func New(name string, port int, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{name: name, port: port, keepAlive: defaultKeepAlive, logger: logger}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "sse" }

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

	e.logger.Info("sse entrypoint starting", "name", e.name, "port", e.port)
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
	r.Use(middleware.Recoverer)
	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		e.handleSSE(w, r, view)
	})
	return r
}

func (e *Entrypoint) handleSSE(w http.ResponseWriter, r *http.Request, view core.StateView) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	device := r.URL.Query().Get("device")
	if device != "" {
		if _, ok := view.Snapshot(device); !ok {
			http.Error(w, "unknown device", http.StatusNotFound)
			return
		}
	}

	changes, unsubscribe := view.Subscribe(streamBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	clientID := core.StreamClientID(r)
	e.logger.Info("sse client connected", "client_id", clientID, "device", device)
	defer e.logger.Info("sse client disconnected", "client_id", clientID)

	fmt.Fprint(w, ": connected\n\n")

	var seq uint64
	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			e.logger.Error("marshal sse event failed", "client_id", clientID, "error", err)
			return true
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ids := view.Devices()
	if device != "" {
		ids = []string{device}
	}
	for _, id := range ids {
		if snap, ok := view.Snapshot(id); ok && !send("snapshot", snap) {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case change, ok := <-changes:
			if !ok {
				return
			}
			if device != "" && change.Device != device {
				continue
			}
			if !send("change", change) {
				e.logger.Debug("sse write failed", "client_id", clientID)
				return
			}
		}
	}
}
