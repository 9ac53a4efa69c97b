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

// Package ws is the gorilla/websocket transport used by the session engine.
package ws

import (
	"context"
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
	defaultWriteTimeout = 10 * time.Second
	inboundBuffer       = 64
)

var ErrClosed = errors.New("websocket closed")

type Dialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewDialer(logger *slog.Logger) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		header:       http.Header{},
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (core.Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (http status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	c := &Conn{
		conn:         conn,
		writeTimeout: d.writeTimeout,
		inbound:      make(chan []byte, inboundBuffer),
		done:         make(chan struct{}),
		logger:       d.logger,
	}
	go c.readLoop()
	return c, nil
}

// Conn adapts a websocket connection to core.Transport. Writes are
// serialized; reads are pumped by a single goroutine.
type Conn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	inbound      chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	err          error
	logger       *slog.Logger
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return c.err
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	default:
	}

	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("ws read error", "remote", c.conn.RemoteAddr().String(), "error", err)
			}
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		select {
		case c.inbound <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}
