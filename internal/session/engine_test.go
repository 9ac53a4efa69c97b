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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

var errSendRefused = errors.New("send refused")

// sentFrame is what the fake backend sees of an outbound frame.
type sentFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Device    string `json:"device"`
	Token     string `json:"token"`
}

type fakeTransport struct {
	inbound   chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	refuse    func(frame []byte) bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 256),
		sent:    make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	if f.refuse != nil && f.refuse(frame) {
		return errSendRefused
	}
	f.sent <- frame
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) reply(id int64, status int) {
	f.push(fmt.Sprintf(`{"type":"response","message_id":%d,"status":%d}`, id, status))
}

func (f *fakeTransport) push(frame string) {
	f.inbound <- []byte(frame)
}

// fakeBackend plays the vendor server. handle is called for every frame
// except hello, which is answered by helloStatus.
type fakeBackend struct {
	mu          sync.Mutex
	conns       []*fakeTransport
	frames      []sentFrame
	dialErr     error
	helloStatus func(n int32) int
	handle      func(t *fakeTransport, f sentFrame)
	refuse      func(frame []byte) bool

	dials  atomic.Int32
	hellos atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		helloStatus: func(int32) int { return core.StatusOK },
		handle: func(t *fakeTransport, f sentFrame) {
			t.reply(f.MessageID, core.StatusOK)
		},
	}
}

func (b *fakeBackend) Dial(ctx context.Context, url string) (core.Transport, error) {
	b.dials.Add(1)
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	t := newFakeTransport()
	t.refuse = b.refuse
	b.mu.Lock()
	b.conns = append(b.conns, t)
	b.mu.Unlock()
	go b.serve(t)
	return t, nil
}

func (b *fakeBackend) serve(t *fakeTransport) {
	for {
		select {
		case raw := <-t.sent:
			var f sentFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			b.mu.Lock()
			b.frames = append(b.frames, f)
			b.mu.Unlock()
			if f.Type == string(core.MessageTypeHello) {
				n := b.hellos.Add(1)
				t.reply(f.MessageID, b.helloStatus(n))
				continue
			}
			b.handle(t, f)
		case <-t.closed:
			return
		}
	}
}

func (b *fakeBackend) conn(i int) *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

func (b *fakeBackend) sentOfType(typ core.MessageType) []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentFrame
	for _, f := range b.frames {
		if f.Type == string(typ) {
			out = append(out, f)
		}
	}
	return out
}

type staticToken struct {
	calls atomic.Int32
	err   error
}

func (s *staticToken) Token(ctx context.Context) (string, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("token-%d", n), nil
}

func newTestEngine(b *fakeBackend, opts ...Option) (*Engine, *staticToken) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	creds := &staticToken{}
	opts = append([]Option{WithClientInfo(ClientInfo{Version: "1.0.0", OS: "ios", Source: "test", Compatibility: 3})}, opts...)
	return NewEngine("wss://example.invalid/ws", b, creds, logger, opts...), creds
}

func subscribe(device string) core.Request {
	return core.SubscribeDevice{Device: device}
}

func TestSendOpensAndHandshakesLazily(t *testing.T) {
	b := newFakeBackend()
	e, creds := newTestEngine(b)
	defer e.Close()

	assert.Equal(t, StateClosed, e.State())
	assert.Zero(t, b.dials.Load())

	resp, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusOK, resp.Status)
	assert.Equal(t, StateReady, e.State())
	assert.Equal(t, int32(1), b.dials.Load())
	assert.Equal(t, int32(1), creds.calls.Load())

	hellos := b.sentOfType(core.MessageTypeHello)
	require.Len(t, hellos, 1)
	assert.Equal(t, int64(1), hellos[0].MessageID)
	assert.Equal(t, "token-1", hellos[0].Token)

	subs := b.sentOfType(core.MessageTypeSubscribeDevice)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(2), subs[0].MessageID)
	assert.Equal(t, "abc", subs[0].Device)
}

func TestHandshakeIsOwnedByEngine(t *testing.T) {
	e, _ := newTestEngine(newFakeBackend())
	defer e.Close()

	_, err := e.Send(context.Background(), core.Hello{Token: "x"})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestConcurrentSendsResolveExactlyOnce(t *testing.T) {
	b := newFakeBackend()
	// answer out of order
	b.handle = func(tr *fakeTransport, f sentFrame) {
		go func() {
			time.Sleep(time.Duration(f.MessageID%7) * time.Millisecond)
			tr.reply(f.MessageID, core.StatusOK)
		}()
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan error, n*2)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Send(context.Background(), subscribe(fmt.Sprintf("dev-%d", i)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	count := 0
	for err := range results {
		assert.NoError(t, err)
		count++
	}
	assert.Equal(t, n, count)
	assert.Equal(t, int32(1), b.dials.Load())
	assert.Equal(t, int32(1), b.hellos.Load())

	seen := make(map[int64]bool)
	for _, f := range b.sentOfType(core.MessageTypeSubscribeDevice) {
		assert.False(t, seen[f.MessageID], "message id %d reused", f.MessageID)
		seen[f.MessageID] = true
	}
	assert.Len(t, seen, n)
}

func TestRequestsWaitForHandshake(t *testing.T) {
	b := newFakeBackend()
	var helloAnswered atomic.Bool
	b.helloStatus = func(int32) int {
		time.Sleep(30 * time.Millisecond)
		helloAnswered.Store(true)
		return core.StatusOK
	}
	var early atomic.Int32
	b.handle = func(tr *fakeTransport, f sentFrame) {
		if !helloAnswered.Load() {
			early.Add(1)
		}
		tr.reply(f.MessageID, core.StatusOK)
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Send(context.Background(), subscribe("abc"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, early.Load())
	assert.Equal(t, int32(1), b.hellos.Load())
}

func TestUnsolicitedMessagesAreBroadcast(t *testing.T) {
	b := newFakeBackend()
	e, _ := newTestEngine(b)
	defer e.Close()

	feed, cancel := e.Subscribe(8)
	defer cancel()

	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)

	tr := b.conn(0)
	tr.push(`{"type":"heater","device":"abc","online":true,"state":{"power_on":false}}`)
	tr.push(`{"type":"json_patch","device":"abc","patch":[{"op":"replace","path":"/state/power_on","value":true}]}`)
	tr.reply(999, core.StatusOK)

	kinds := []core.IncomingKind{core.KindState, core.KindPatch, core.KindResponse}
	for _, want := range kinds {
		select {
		case msg := <-feed:
			assert.Equal(t, want, msg.Kind)
			if msg.Kind == core.KindResponse {
				assert.Equal(t, int64(999), msg.Response.MessageID)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s message", want)
		}
	}
}

func TestUnboundedSubscriberReceivesEveryPushInOrder(t *testing.T) {
	b := newFakeBackend()
	e, _ := newTestEngine(b)
	defer e.Close()

	const pushes = 3 * defaultSubscriberBuffer
	feed, cancel := e.SubscribeUnbounded()
	defer cancel()
	lossy, cancelLossy := e.Subscribe(1)
	defer cancelLossy()

	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)

	tr := b.conn(0)
	go func() {
		for i := 0; i < pushes; i++ {
			tr.push(fmt.Sprintf(`{"type":"json_patch","device":"d%03d","patch":[{"op":"replace","path":"/state/power_on","value":true}]}`, i))
		}
	}()

	// reading late must not lose anything
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < pushes; i++ {
		select {
		case msg := <-feed:
			require.Equal(t, core.KindPatch, msg.Kind)
			require.Equal(t, fmt.Sprintf("d%03d", i), msg.Patch.Device)
		case <-time.After(time.Second):
			t.Fatalf("push %d not delivered", i)
		}
	}

	// the bounded subscriber kept at most its buffer
	assert.LessOrEqual(t, len(lossy), 1)
}

func TestUnboundedSubscriptionEndsOnClose(t *testing.T) {
	e, _ := newTestEngine(newFakeBackend())
	feed, _ := e.SubscribeUnbounded()

	require.NoError(t, e.Close())
	select {
	case _, open := <-feed:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("feed not closed")
	}

	late, _ := e.SubscribeUnbounded()
	_, open := <-late
	assert.False(t, open)
}

func TestMalformedAndUnrecognizedFramesAreDropped(t *testing.T) {
	b := newFakeBackend()
	e, _ := newTestEngine(b)
	defer e.Close()

	feed, cancel := e.Subscribe(8)
	defer cancel()

	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)

	tr := b.conn(0)
	tr.push(`{"type":`)
	tr.push(`{"type":"pong"}`)
	tr.push(`{"type":"json_patch","device":"abc","patch":[]}`)

	select {
	case msg := <-feed:
		assert.Equal(t, core.KindPatch, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected the patch to be delivered")
	}

	// the connection survived
	_, err = e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.dials.Load())
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	b := newFakeBackend()
	var received atomic.Int32
	var answer atomic.Bool
	b.handle = func(tr *fakeTransport, f sentFrame) {
		if answer.Load() {
			tr.reply(f.MessageID, core.StatusOK)
			return
		}
		received.Add(1)
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	const k = 5
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := e.Send(context.Background(), subscribe("abc"))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return received.Load() == k }, time.Second, time.Millisecond)
	b.conn(0).Close()

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, core.ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("pending request was not failed")
		}
	}
	require.Eventually(t, func() bool { return e.State() == StateClosed }, time.Second, time.Millisecond)

	// next send reconnects lazily
	answer.Store(true)
	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.dials.Load())
	assert.Equal(t, int32(2), b.hellos.Load())
}

func TestReauthenticatesOnceOn401(t *testing.T) {
	b := newFakeBackend()
	var subs atomic.Int32
	b.handle = func(tr *fakeTransport, f sentFrame) {
		if subs.Add(1) == 1 {
			tr.reply(f.MessageID, core.StatusUnauthorized)
			return
		}
		tr.reply(f.MessageID, core.StatusOK)
	}
	e, creds := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.hellos.Load())
	assert.Equal(t, int32(2), creds.calls.Load())
	assert.Equal(t, int32(1), b.dials.Load())

	hellos := b.sentOfType(core.MessageTypeHello)
	require.Len(t, hellos, 2)
	assert.Equal(t, "token-2", hellos[1].Token)
}

func TestSecond401IsPropagated(t *testing.T) {
	b := newFakeBackend()
	b.handle = func(tr *fakeTransport, f sentFrame) {
		tr.reply(f.MessageID, core.StatusUnauthorized)
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	resp, err := e.Send(context.Background(), subscribe("abc"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuthExpired)

	var statusErr *core.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, core.StatusUnauthorized, statusErr.Status)
	assert.Equal(t, core.StatusUnauthorized, resp.Status)

	assert.Equal(t, int32(2), b.hellos.Load())
	assert.Len(t, b.sentOfType(core.MessageTypeSubscribeDevice), 2)
}

func TestRehandshakeRejectedIsPropagated(t *testing.T) {
	b := newFakeBackend()
	b.helloStatus = func(n int32) int {
		if n == 1 {
			return core.StatusOK
		}
		return core.StatusUnauthorized
	}
	b.handle = func(tr *fakeTransport, f sentFrame) {
		tr.reply(f.MessageID, core.StatusUnauthorized)
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	assert.ErrorIs(t, err, core.ErrAuthExpired)
	assert.Equal(t, int32(2), b.hellos.Load())
	assert.Len(t, b.sentOfType(core.MessageTypeSubscribeDevice), 1)
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	b := newFakeBackend()
	b.handle = func(tr *fakeTransport, f sentFrame) {
		tr.reply(f.MessageID, core.StatusBadRequest)
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), core.JSONPatch{
		Device: "abc",
		Patch:  []core.PatchOperation{core.Replace("power_on", true)},
	})
	assert.ErrorIs(t, err, core.ErrRejected)
	assert.NotErrorIs(t, err, core.ErrAuthExpired)

	var statusErr *core.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.ClientError())
	assert.Equal(t, core.MessageTypeJSONPatch, statusErr.Type)

	assert.Equal(t, int32(1), b.hellos.Load())
	assert.Len(t, b.sentOfType(core.MessageTypeJSONPatch), 1)
}

func TestTimeoutRemovesPendingEntry(t *testing.T) {
	b := newFakeBackend()
	var lastID atomic.Int64
	b.handle = func(tr *fakeTransport, f sentFrame) {
		lastID.Store(f.MessageID)
	}
	e, _ := newTestEngine(b, WithTimeout(50*time.Millisecond))
	defer e.Close()

	feed, cancel := e.Subscribe(8)
	defer cancel()

	_, err := e.Send(context.Background(), core.JSONPatch{
		Device: "abc",
		Patch:  []core.PatchOperation{core.Replace("target_temperature", 21)},
	})
	require.ErrorIs(t, err, core.ErrTimeout)

	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	require.NotNil(t, c)
	assert.Zero(t, c.pending.len())
	assert.Equal(t, StateReady, e.State())

	// a late response no longer matches anything
	tr := b.conn(0)
	tr.reply(lastID.Load(), core.StatusOK)
	select {
	case msg := <-feed:
		require.Equal(t, core.KindResponse, msg.Kind)
		assert.Equal(t, lastID.Load(), msg.Response.MessageID)
	case <-time.After(time.Second):
		t.Fatal("late response should be broadcast")
	}

	// and losing the connection has nothing left to fail
	assert.Zero(t, c.pending.failAll(core.ErrConnectionLost))
}

func TestHandshakeTimeoutFailsConnectAttempt(t *testing.T) {
	b := newFakeBackend()
	b.helloStatus = func(int32) int {
		time.Sleep(200 * time.Millisecond)
		return core.StatusOK
	}
	e, _ := newTestEngine(b, WithTimeout(30*time.Millisecond))
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.NotEqual(t, StateReady, e.State())
}

func TestSendFailureOnlyFailsThatRequest(t *testing.T) {
	b := newFakeBackend()
	b.refuse = func(frame []byte) bool {
		var f sentFrame
		_ = json.Unmarshal(frame, &f)
		return f.Device == "bad"
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("bad"))
	assert.ErrorIs(t, err, core.ErrTransport)

	_, err = e.Send(context.Background(), subscribe("good"))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), b.dials.Load())
	assert.Equal(t, StateReady, e.State())
}

func TestDialFailureIsSurfaced(t *testing.T) {
	b := newFakeBackend()
	b.dialErr = errors.New("connection refused")
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Equal(t, StateClosed, e.State())
	assert.Zero(t, b.hellos.Load())
}

func TestCredentialFailureIsSurfaced(t *testing.T) {
	b := newFakeBackend()
	e, creds := newTestEngine(b)
	defer e.Close()
	creds.err = errors.New("bad password")

	_, err := e.Send(context.Background(), subscribe("abc"))
	assert.ErrorIs(t, err, core.ErrCredentials)
	assert.Equal(t, StateClosed, e.State())
	assert.Zero(t, b.hellos.Load())

	select {
	case <-b.conn(0).closed:
	case <-time.After(time.Second):
		t.Fatal("socket left open after a failed handshake")
	}

	creds.err = nil
	_, err = e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.dials.Load())
}

func TestRejectedHelloClosesConnection(t *testing.T) {
	b := newFakeBackend()
	b.helloStatus = func(n int32) int {
		if n == 1 {
			return core.StatusBadRequest
		}
		return core.StatusOK
	}
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	assert.ErrorIs(t, err, core.ErrRejected)
	assert.Equal(t, StateClosed, e.State())
	assert.Empty(t, b.sentOfType(core.MessageTypeSubscribeDevice))

	_, err = e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.dials.Load())
}

func TestDemotedConnectionSendsNothingBeforeHandshake(t *testing.T) {
	b := newFakeBackend()
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)

	e.mu.Lock()
	c := e.conn
	c.state = StateAuthenticating
	e.mu.Unlock()

	_, err = e.roundTrip(context.Background(), c, subscribe("abc"))
	assert.ErrorIs(t, err, errNotReady)
	assert.Len(t, b.sentOfType(core.MessageTypeSubscribeDevice), 1)

	// the next send re-runs the handshake on the same socket first
	_, err = e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.hellos.Load())
	assert.Equal(t, int32(1), b.dials.Load())

	b.mu.Lock()
	defer b.mu.Unlock()
	last := b.frames[len(b.frames)-2:]
	assert.Equal(t, string(core.MessageTypeHello), last[0].Type)
	assert.Equal(t, string(core.MessageTypeSubscribeDevice), last[1].Type)
}

func TestCallerContextCancellation(t *testing.T) {
	b := newFakeBackend()
	b.handle = func(tr *fakeTransport, f sentFrame) {}
	e, _ := newTestEngine(b)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Send(ctx, subscribe("abc"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCorrelationIDsAreNeverReused(t *testing.T) {
	b := newFakeBackend()
	e, _ := newTestEngine(b)
	defer e.Close()

	_, err := e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)

	b.conn(0).Close()
	require.Eventually(t, func() bool { return e.State() == StateClosed }, time.Second, time.Millisecond)

	_, err = e.Send(context.Background(), subscribe("abc"))
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	var last int64
	for _, f := range b.frames {
		assert.Greater(t, f.MessageID, last)
		last = f.MessageID
	}
	assert.Equal(t, int64(4), last)
}

func TestCloseFailsPendingAndEndsSubscriptions(t *testing.T) {
	b := newFakeBackend()
	var received atomic.Int32
	b.handle = func(tr *fakeTransport, f sentFrame) { received.Add(1) }
	e, _ := newTestEngine(b)

	feed, _ := e.Subscribe(1)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Send(context.Background(), subscribe("abc"))
		errs <- err
	}()
	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, <-errs, core.ErrConnectionLost)

	_, open := <-feed
	assert.False(t, open)

	_, err := e.Send(context.Background(), subscribe("abc"))
	assert.ErrorIs(t, err, core.ErrEngineClosed)
}
