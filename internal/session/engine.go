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

// Package session owns the single persistent connection to the vendor
// backend: lazy open, hello handshake, request/response correlation, timeouts,
// re-authentication and the feed of unsolicited messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hwclimate/climate-bridge/internal/codec"
	"github.com/hwclimate/climate-bridge/internal/logging"
	"github.com/hwclimate/climate-bridge/pkg/core"
)

// DefaultTimeout bounds connection open, the handshake and every request.
const DefaultTimeout = 10 * time.Second

const defaultSubscriberBuffer = 64

// errNotReady means the connection left Ready before the request went out.
var errNotReady = errors.New("connection not ready")

// ClientInfo is sent in every hello message.
type ClientInfo struct {
	Version       string
	OS            string
	Source        string
	Compatibility int
}

type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithFrameLogger(f *logging.FrameLogger) Option {
	return func(e *Engine) { e.frames = f }
}

func WithClientInfo(ci ClientInfo) Option {
	return func(e *Engine) { e.client = ci }
}

// connection is one physical connection. It is never reused for another
// transport; a reconnect creates a new connection. state and epoch are
// guarded by Engine.mu.
type connection struct {
	id        string
	transport core.Transport
	openedAt  time.Time
	pending   *pendingTable
	state     State
	epoch     int
}

// attempt is a connect or handshake in progress that callers wait on.
type attempt struct {
	done chan struct{}
	err  error
}

type Engine struct {
	url         string
	dialer      core.Dialer
	credentials core.CredentialProvider
	client      ClientInfo
	timeout     time.Duration
	logger      *slog.Logger
	frames      *logging.FrameLogger

	nextID atomic.Int64

	mu       sync.Mutex
	conn     *connection
	inflight *attempt
	closed   bool

	subMu      sync.RWMutex
	subs       map[int]*subscriber
	nextSub    int
	subsClosed bool
}

func NewEngine(
	url string,
	dialer core.Dialer,
	credentials core.CredentialProvider,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		url:         url,
		dialer:      dialer,
		credentials: credentials,
		timeout:     DefaultTimeout,
		logger:      logger,
		subs:        make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn.state
	}
	if e.inflight != nil {
		return StateOpening
	}
	return StateClosed
}

// Send transmits req once the connection is Ready and waits for its response.
// A 401 triggers one re-handshake and one retry; any other non-200 status is
// returned as a *core.StatusError alongside the response.
func (e *Engine) Send(ctx context.Context, req core.Request) (core.Response, error) {
	if req == nil || req.Type() == core.MessageTypeHello {
		return core.Response{}, fmt.Errorf("%w: the handshake is owned by the session engine", core.ErrInvalidRequest)
	}

	resp, c, epoch, err := e.exchange(ctx, req)
	if err != nil {
		return resp, err
	}

	if resp.Status == core.StatusUnauthorized {
		e.logger.Warn("authentication expired, re-handshaking",
			"connection_id", c.id,
			"type", req.Type(),
			"message_id", resp.MessageID,
		)
		e.demote(c, epoch)
		if resp, _, _, err = e.exchange(ctx, req); err != nil {
			return resp, err
		}
	}

	if resp.Status != core.StatusOK {
		return resp, &core.StatusError{Type: req.Type(), MessageID: resp.MessageID, Status: resp.Status}
	}
	return resp, nil
}

// Subscribe registers for every inbound message that does not resolve a
// pending request. Messages arrive in transport order; when the buffer is full
// the message is dropped for that subscriber only.
func (e *Engine) Subscribe(buffer int) (<-chan core.Incoming, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return e.register(newBoundedSubscriber(buffer))
}

// SubscribeUnbounded is Subscribe without loss: messages the reader has not
// taken yet are queued in memory, in transport order. Use it for consumers
// that must see every push, such as the device state mirror.
func (e *Engine) SubscribeUnbounded() (<-chan core.Incoming, func()) {
	return e.register(newQueuedSubscriber())
}

func (e *Engine) register(s *subscriber) (<-chan core.Incoming, func()) {
	e.subMu.Lock()
	if e.subsClosed {
		e.subMu.Unlock()
		s.close()
		return s.out, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = s
	e.subMu.Unlock()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				s.close()
			}
		})
	}
}

// Close drops the connection, failing whatever is pending, and ends every
// subscription. Later sends fail with core.ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	c := e.conn
	e.mu.Unlock()

	if c != nil {
		e.lose(c, core.ErrEngineClosed)
	}

	e.subMu.Lock()
	e.subsClosed = true
	for id, s := range e.subs {
		delete(e.subs, id)
		s.close()
	}
	e.subMu.Unlock()
	return nil
}

// ready returns a Ready connection, opening and authenticating one if
// needed. Concurrent callers share a single attempt and all observe its error.
func (e *Engine) ready(ctx context.Context) (*connection, int, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, 0, core.ErrEngineClosed
		}
		c := e.conn
		if c != nil && c.state == StateReady {
			epoch := c.epoch
			e.mu.Unlock()
			return c, epoch, nil
		}
		a := e.inflight
		if a == nil {
			a = &attempt{done: make(chan struct{})}
			e.inflight = a
			go e.establish(a, c)
		}
		e.mu.Unlock()

		select {
		case <-a.done:
			if a.err != nil {
				return nil, 0, a.err
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// establish dials when there is no usable connection and then performs the
// handshake. It runs detached from any caller's context; the timeout window
// bounds each step instead.
func (e *Engine) establish(a *attempt, c *connection) {
	defer func() {
		e.mu.Lock()
		e.inflight = nil
		e.mu.Unlock()
		close(a.done)
	}()

	ctx := context.Background()

	if c == nil || e.connState(c) == StateClosed {
		dialCtx, cancel := context.WithTimeout(ctx, e.timeout)
		t, err := e.dialer.Dial(dialCtx, e.url)
		timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut || errors.Is(err, context.DeadlineExceeded) {
				a.err = fmt.Errorf("%w: connect to %s: %v", core.ErrTimeout, e.url, err)
			} else {
				a.err = fmt.Errorf("%w: connect to %s: %v", core.ErrTransport, e.url, err)
			}
			e.logger.Error("connect failed", "url", e.url, "error", err)
			return
		}

		c = &connection{
			id:        uuid.New().String(),
			transport: t,
			openedAt:  time.Now(),
			pending:   newPendingTable(),
			state:     StateOpen,
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = t.Close()
			a.err = core.ErrEngineClosed
			return
		}
		e.conn = c
		e.mu.Unlock()

		e.logger.Info("connection opened", "connection_id", c.id, "url", e.url)
		go e.readLoop(c)
	}

	if err := e.handshake(ctx, c); err != nil {
		e.logger.Error("handshake failed", "connection_id", c.id, "error", err)
		e.lose(c, fmt.Errorf("handshake: %w", err))
		a.err = err
		return
	}

	e.mu.Lock()
	if c.state != StateAuthenticating {
		e.mu.Unlock()
		a.err = fmt.Errorf("%w: closed during handshake", core.ErrConnectionLost)
		return
	}
	c.state = StateReady
	c.epoch++
	e.mu.Unlock()

	e.logger.Info("session ready", "connection_id", c.id)
}

func (e *Engine) handshake(ctx context.Context, c *connection) error {
	e.mu.Lock()
	if c.state == StateClosed {
		e.mu.Unlock()
		return fmt.Errorf("%w: before handshake", core.ErrConnectionLost)
	}
	c.state = StateAuthenticating
	e.mu.Unlock()

	tokenCtx, cancel := context.WithTimeout(ctx, e.timeout)
	token, err := e.credentials.Token(tokenCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCredentials, err)
	}

	hello := core.Hello{
		Version:       e.client.Version,
		OS:            e.client.OS,
		Source:        e.client.Source,
		Compatibility: e.client.Compatibility,
		Token:         token,
	}
	resp, err := e.roundTrip(ctx, c, hello)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if resp.Status != core.StatusOK {
		return &core.StatusError{Type: core.MessageTypeHello, MessageID: resp.MessageID, Status: resp.Status}
	}
	return nil
}

// exchange performs one round trip on a Ready connection. A connection
// demoted between ready() and transmission sends nothing; the request waits
// for the next Ready connection instead.
func (e *Engine) exchange(ctx context.Context, req core.Request) (core.Response, *connection, int, error) {
	for {
		c, epoch, err := e.ready(ctx)
		if err != nil {
			return core.Response{}, nil, 0, err
		}
		resp, err := e.roundTrip(ctx, c, req)
		if errors.Is(err, errNotReady) {
			continue
		}
		return resp, c, epoch, err
	}
}

// demote drops c back to Open so the next ready() re-runs the handshake on it.
// The epoch check keeps a stale 401 from forcing a second handshake after
// another request already re-authenticated the connection.
func (e *Engine) demote(c *connection, epoch int) {
	e.mu.Lock()
	if e.conn == c && c.state == StateReady && c.epoch == epoch {
		c.state = StateOpen
	}
	e.mu.Unlock()
}

// roundTrip sends req on c and waits for the correlated response, the timeout
// or ctx, whichever comes first. The pending entry is always gone on return.
// Only the hello may go out on a connection that is not Ready.
func (e *Engine) roundTrip(ctx context.Context, c *connection, req core.Request) (core.Response, error) {
	if req.Type() != core.MessageTypeHello && e.connState(c) != StateReady {
		return core.Response{}, errNotReady
	}

	id := e.nextID.Add(1)
	frame, err := codec.Encode(id, req)
	if err != nil {
		return core.Response{}, err
	}

	p, err := c.pending.add(id, req.Type())
	if err != nil {
		return core.Response{}, err
	}

	if e.frames != nil {
		e.frames.Outbound(c.id, id, req, len(frame))
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	if err := c.transport.Send(ctx, frame); err != nil {
		c.pending.complete(id, result{err: fmt.Errorf("%w: send %s: %v", core.ErrTransport, req.Type(), err)})
	}

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-timer.C:
		c.pending.complete(id, result{err: fmt.Errorf("%w: %s message_id=%d after %s", core.ErrTimeout, req.Type(), id, e.timeout)})
	case <-ctx.Done():
		c.pending.complete(id, result{err: ctx.Err()})
	}

	// a response or connection loss may have won the race
	res := <-p.done
	return res.resp, res.err
}

func (e *Engine) readLoop(c *connection) {
	for {
		frame, err := c.transport.Receive(context.Background())
		if err != nil {
			e.lose(c, err)
			return
		}
		e.dispatch(c, frame)
	}
}

func (e *Engine) dispatch(c *connection, frame []byte) {
	msg, err := codec.Decode(frame)
	if err != nil {
		e.logger.Warn("dropping inbound frame", "connection_id", c.id, "error", err)
		return
	}

	if e.frames != nil {
		e.frames.Inbound(c.id, msg, len(frame))
	}

	switch msg.Kind {
	case core.KindUnrecognized:
		e.logger.Debug("dropping unrecognized message", "connection_id", c.id, "payload", string(msg.Raw))
		return
	case core.KindResponse:
		if c.pending.complete(msg.Response.MessageID, result{resp: *msg.Response}) {
			return
		}
		e.logger.Debug("response without pending request",
			"connection_id", c.id,
			"message_id", msg.Response.MessageID,
			"status", msg.Response.Status,
		)
	}

	e.publish(msg)
}

func (e *Engine) publish(msg core.Incoming) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for id, s := range e.subs {
		if !s.deliver(msg) {
			e.logger.Warn("subscriber buffer full, dropping message",
				"subscriber", id,
				"kind", msg.Kind.String(),
				"device", msg.Device(),
			)
		}
	}
}

// lose moves c to Closed exactly once and fails everything pending on it.
func (e *Engine) lose(c *connection, cause error) {
	e.mu.Lock()
	if c.state == StateClosed {
		e.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	if e.conn == c {
		e.conn = nil
	}
	e.mu.Unlock()

	_ = c.transport.Close()
	failed := c.pending.failAll(fmt.Errorf("%w: %v", core.ErrConnectionLost, cause))

	e.logger.Warn("connection closed",
		"connection_id", c.id,
		"state", prev.String(),
		"failed_requests", failed,
		"uptime", time.Since(c.openedAt).String(),
		"error", cause,
	)
}

func (e *Engine) connState(c *connection) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.state
}
