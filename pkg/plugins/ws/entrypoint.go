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

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	writeTimeout = 10 * time.Second
	streamBuffer = 64
)

var errReadOnly = errors.New("entrypoint is read-only")

// Reply answers a command received from a client.
type Reply struct {
	Type           string `json:"type"`
	Device         string `json:"device,omitempty"`
	Characteristic string `json:"characteristic,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Entrypoint streams field changes to websocket clients and accepts commands
// from them when a controller lookup is configured.
type Entrypoint struct {
	name        string
	port        int
	upgrader    websocket.Upgrader
	controllers core.ControllerLookup
	server      *http.Server
	logger      *slog.Logger
	conns       sync.Map
}

func New(name string, port int, controllers core.ControllerLookup, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name: name,
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		controllers: controllers,
		logger:      logger,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "websocket" }

func (e *Entrypoint) Start(ctx context.Context, view core.StateView) error {
	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", e.port),
		Handler:           e.Handler(view),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("websocket entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	e.conns.Range(func(_, val any) bool {
		val.(*client).close()
		return true
	})
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) Handler(view core.StateView) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		e.handleConnection(w, r, view)
	})
	return mux
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) close() {
	c.once.Do(func() { c.conn.Close() })
}

func (e *Entrypoint) handleConnection(w http.ResponseWriter, r *http.Request, view core.StateView) {
	changes, unsubscribe := view.Subscribe(streamBuffer)
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		e.logger.Error("ws upgrade failed", "error", err)
		return
	}

	c := &client{id: core.StreamClientID(r), conn: conn}
	e.conns.Store(c, c)
	defer func() {
		unsubscribe()
		c.close()
		e.conns.Delete(c)
		e.logger.Info("ws client disconnected", "client_id", c.id)
	}()

	e.logger.Info("ws client connected", "client_id", c.id)

	go e.downstreamLoop(c, changes)
	e.upstreamLoop(r.Context(), c)
}

func (e *Entrypoint) downstreamLoop(c *client, changes <-chan core.FieldChange) {
	for change := range changes {
		if err := c.writeJSON(change); err != nil {
			e.logger.Debug("ws write failed", "client_id", c.id, "error", err)
			c.close()
			return
		}
	}
}

func (e *Entrypoint) upstreamLoop(ctx context.Context, c *client) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Error("ws read error", "client_id", c.id, "error", err)
			}
			return
		}

		reply := e.apply(ctx, c.id, payload)
		if err := c.writeJSON(reply); err != nil {
			e.logger.Debug("ws reply failed", "client_id", c.id, "error", err)
			return
		}
	}
}

func (e *Entrypoint) apply(ctx context.Context, clientID string, payload []byte) Reply {
	var cmd core.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Reply{Type: "error", Error: fmt.Sprintf("%v: %v", core.ErrInvalidRequest, err)}
	}

	err := errReadOnly
	if e.controllers != nil {
		err = cmd.Apply(ctx, e.controllers)
	}
	if err != nil {
		e.logger.Warn("ws command failed", "client_id", clientID, "device", cmd.Device, "characteristic", cmd.Characteristic, "error", err)
		return Reply{Type: "error", Device: cmd.Device, Characteristic: cmd.Characteristic, Error: err.Error()}
	}
	return Reply{Type: "ack", Device: cmd.Device, Characteristic: cmd.Characteristic}
}
