package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/assistant-chat/realtime/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeTransport is an in-memory Transport. fail ends it with err as the
// read error, as a dropped connection would.
type fakeTransport struct {
	in   chan []byte
	done chan struct{}

	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	closeErr  error
	closeCode int
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, t.closeErr
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.end(code, &websocket.CloseError{Code: code, Text: reason})
	return nil
}

func (t *fakeTransport) fail(err error) {
	t.end(0, err)
}

func (t *fakeTransport) end(code int, err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.closeErr = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *fakeTransport) written(tb testing.TB) []protocol.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(t.writes))
	for _, w := range t.writes {
		env, err := protocol.Decode(w)
		require.NoError(tb, err)
		out = append(out, env)
	}
	return out
}

// fakeDialer hands out queued results in order; once the queue is empty
// every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string
}

type dialResult struct {
	t   *fakeTransport
	err error
}

func (d *fakeDialer) push(r ...dialResult) {
	d.mu.Lock()
	d.results = append(d.results, r...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// fakeClock records scheduled reconnects so tests can fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that were neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single pending timer.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	p := c.pending()
	require.Len(t, p, 1, "expected exactly one pending reconnect")
	p[0].Stop()
	p[0].f()
	return p[0].d
}

type recorder struct {
	mu          sync.Mutex
	connects    int
	disconnects []CloseRecord
	messages    []protocol.Envelope
}

func (r *recorder) options(o *Options) {
	o.OnConnect = func() {
		r.mu.Lock()
		r.connects++
		r.mu.Unlock()
	}
	o.OnDisconnect = func(code int, reason string) {
		r.mu.Lock()
		r.disconnects = append(r.disconnects, CloseRecord{Code: code, Reason: reason})
		r.mu.Unlock()
	}
	o.OnMessage = func(env protocol.Envelope) {
		r.mu.Lock()
		r.messages = append(r.messages, env)
		r.mu.Unlock()
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, len(r.disconnects), len(r.messages)
}

func (r *recorder) lastDisconnect() CloseRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.disconnects) == 0 {
		return CloseRecord{}
	}
	return r.disconnects[len(r.disconnects)-1]
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *fakeClock
	rec    *recorder
	logs   *observer.ObservedLogs
}

// newHarness builds a Manager whose jitter factor is always 1.0.
func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{dialer: &fakeDialer{}, clock: &fakeClock{}, rec: &recorder{}, logs: logs}

	opts := Options{
		URL:       "ws://chat.test/rooms/lobby/ws",
		Dialer:    h.dialer,
		Logger:    zap.New(core),
		afterFunc: h.clock.AfterFunc,
		jitter:    func() float64 { return 0.5 },
	}
	h.rec.options(&opts)
	if mutate != nil {
		mutate(&opts)
	}

	m, err := New(opts)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) openWith(t *testing.T) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	h.dialer.push(dialResult{t: tr})
	require.NoError(t, h.m.Connect(context.Background()))
	require.Equal(t, PhaseOpen, h.m.Phase())
	return tr
}

func waitPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Phase() == want },
		2*time.Second, 5*time.Millisecond, "phase never became %s (is %s)", want, m.Phase())
}

func TestConnect_IsIdempotentWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	before := Telemetry()

	h.openWith(t)
	require.NoError(t, h.m.Connect(context.Background()))
	require.NoError(t, h.m.Connect(context.Background()))

	connects, _, _ := h.rec.counts()
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, 1, connects)
	assert.Equal(t, before.ConnectCount+1, Telemetry().ConnectCount)
	assert.NotZero(t, Telemetry().FirstConnectedAtMs)
}

func TestConnect_AppendsTokenToURL(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.URL = "ws://chat.test/rooms/lobby/ws?user=alice"
		o.Token = "a b&c=d"
	})
	h.openWith(t)

	require.Len(t, h.dialer.urls, 1)
	assert.Equal(t, "ws://chat.test/rooms/lobby/ws?token=a+b%26c%3Dd&user=alice", h.dialer.urls[0])
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Options{URL: "http://chat.test/rooms/lobby/ws"})
	assert.Error(t, err)

	_, err = New(Options{URL: "://nope"})
	assert.Error(t, err)
}

func TestMessagesAreDelivered(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)

	tr.in <- []byte(`{"type":"typing","userId":"bob"}`)
	tr.in <- []byte(`not json`)
	tr.in <- []byte(`{"type":"message","payload":{"text":"hi"}}`)

	require.Eventually(t, func() bool {
		_, _, n := h.rec.counts()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, "bob", h.rec.messages[0].UserID)
	assert.Equal(t, protocol.MsgMessage, h.rec.messages[1].Type)
}

func TestDisconnect_DoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)
	before := Telemetry()

	h.m.Disconnect()

	assert.Equal(t, PhaseClosed, h.m.Phase())
	assert.Equal(t, protocol.CloseNormal, tr.closeCode)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, CloseRecord{Code: 1000, Reason: "client disconnect"}, h.rec.lastDisconnect())

	// Give the read loop time to observe the close it caused.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.clock.pending())
	after := Telemetry()
	assert.Equal(t, before.UnexpectedCloseCount, after.UnexpectedCloseCount)
	assert.Equal(t, before.ReconnectAttemptCount, after.ReconnectAttemptCount)
	_, disconnects, _ := h.rec.counts()
	assert.Equal(t, 1, disconnects)
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)

	tr.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	waitPhase(t, h.m, PhaseReconnectWaiting)
	timers := h.clock.pending()
	require.Len(t, timers, 1)

	h.m.Disconnect()
	assert.True(t, timers[0].isStopped())
	assert.Equal(t, PhaseClosed, h.m.Phase())

	// A timer that fires anyway is ignored.
	timers[0].f()
	assert.Equal(t, PhaseClosed, h.m.Phase())
	assert.Equal(t, 1, h.dialer.dials())
}

func TestUnexpectedClose_SchedulesReconnect(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)
	before := Telemetry()

	tr.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "gone"})
	waitPhase(t, h.m, PhaseReconnectWaiting)

	assert.Equal(t, CloseRecord{Code: 1006, Reason: "gone"}, h.rec.lastDisconnect())
	assert.Equal(t, 1, h.m.ReconnectAttempts())
	require.Len(t, h.clock.pending(), 1)
	assert.Equal(t, 5*time.Second, h.clock.pending()[0].d)

	after := Telemetry()
	assert.Equal(t, before.UnexpectedCloseCount+1, after.UnexpectedCloseCount)
	assert.Equal(t, before.ReconnectAttemptCount+1, after.ReconnectAttemptCount)
	require.NotNil(t, after.LastClose)
	assert.Equal(t, CloseRecord{Code: 1006, Reason: "gone"}, *after.LastClose)

	// The reconnect succeeds and resets the attempt counter.
	h.dialer.push(dialResult{t: newFakeTransport()})
	h.clock.fire(t)
	assert.Equal(t, PhaseOpen, h.m.Phase())
	assert.Equal(t, 0, h.m.ReconnectAttempts())
	connects, _, _ := h.rec.counts()
	assert.Equal(t, 2, connects)
}

func TestRemoteNormalClose_NotCountedUnexpected(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)
	before := Telemetry()

	tr.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "server done"})
	waitPhase(t, h.m, PhaseReconnectWaiting)

	after := Telemetry()
	assert.Equal(t, before.UnexpectedCloseCount, after.UnexpectedCloseCount)
	assert.Equal(t, CloseRecord{Code: 1000, Reason: "server done"}, *after.LastClose)
}

func TestReconnect_BackoffSequence(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxReconnectAttempts = 5 })
	tr := h.openWith(t)

	tr.fail(errors.New("read: connection reset by peer"))
	waitPhase(t, h.m, PhaseReconnectWaiting)

	// Every reconnect dial fails, so each fire schedules the next attempt.
	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, h.clock.fire(t))
	}

	assert.Equal(t, []time.Duration{
		5 * time.Second,
		10 * time.Second,
		15 * time.Second,
		15 * time.Second,
		15 * time.Second,
	}, delays)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, PhaseClosed, h.m.Phase())
	assert.Equal(t, 6, h.dialer.dials())
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)
	before := Telemetry()

	tr.fail(errors.New("EOF"))
	waitPhase(t, h.m, PhaseReconnectWaiting)
	for i := 0; i < DefaultMaxReconnectAttempts; i++ {
		h.clock.fire(t)
	}

	assert.Equal(t, PhaseClosed, h.m.Phase())
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, DefaultMaxReconnectAttempts, h.m.ReconnectAttempts())
	assert.Equal(t, before.ReconnectAttemptCount+DefaultMaxReconnectAttempts, Telemetry().ReconnectAttemptCount)
	// One disconnect for the drop plus one per failed reconnect dial.
	_, disconnects, _ := h.rec.counts()
	assert.Equal(t, 1+DefaultMaxReconnectAttempts, disconnects)

	// An explicit Connect starts over.
	h.dialer.push(dialResult{t: newFakeTransport()})
	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, PhaseOpen, h.m.Phase())
	assert.Equal(t, 0, h.m.ReconnectAttempts())
}

func TestDialFailure_UsesHandshakeCloseInfo(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.push(dialResult{err: &HandshakeError{
		Status: 401,
		Info:   protocol.CloseInfo{CloseCode: 1008, CloseReason: "invalid token"},
	}})

	err := h.m.Connect(context.Background())
	require.Error(t, err)
	var he *HandshakeError
	assert.ErrorAs(t, err, &he)

	assert.Equal(t, CloseRecord{Code: 1008, Reason: "invalid token"}, h.rec.lastDisconnect())
	assert.Equal(t, PhaseReconnectWaiting, h.m.Phase())
}

func TestSend_WarnsOncePerCycle(t *testing.T) {
	h := newHarness(t, nil)
	warnings := func() int {
		return h.logs.FilterMessage("send while not connected").Len()
	}

	assert.False(t, h.m.SendTyping())
	assert.False(t, h.m.SendMessage("hi"))
	assert.False(t, h.m.Send(protocol.Envelope{Type: protocol.MsgPresence}))
	assert.Equal(t, 1, warnings())

	tr := h.openWith(t)
	assert.True(t, h.m.SendTyping())
	assert.True(t, h.m.SendMessage(map[string]string{"text": "hi"}))

	got := tr.written(t)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.MsgTyping, got[0].Type)
	assert.Empty(t, got[0].Payload)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[1].Payload))

	// Dropped: a new reconnect attempt re-arms the warning.
	tr.fail(errors.New("EOF"))
	waitPhase(t, h.m, PhaseReconnectWaiting)
	assert.False(t, h.m.SendTyping())
	assert.False(t, h.m.SendTyping())
	assert.Equal(t, 2, warnings())

	// The next failed attempt re-arms it again.
	h.clock.fire(t)
	assert.False(t, h.m.SendTyping())
	assert.Equal(t, 3, warnings())
}

func TestSend_WriteFailureReturnsFalse(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.openWith(t)
	tr.mu.Lock()
	tr.writeErr = errors.New("broken pipe")
	tr.mu.Unlock()

	assert.NotPanics(t, func() {
		assert.False(t, h.m.SendPresence(map[string]string{"status": "away"}))
	})
	assert.Equal(t, 1, h.logs.FilterMessage("send failed").Len())
}

func TestHeartbeat_SendsTimestampedPings(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HeartbeatInterval = 10 * time.Millisecond })
	tr := h.openWith(t)

	require.Eventually(t, func() bool { return len(tr.written(t)) >= 2 },
		2*time.Second, 5*time.Millisecond)

	for _, env := range tr.written(t) {
		assert.Equal(t, protocol.MsgPing, env.Type)
		assert.Positive(t, env.Timestamp)
	}

	h.m.Disconnect()
	time.Sleep(30 * time.Millisecond)
	n := len(tr.written(t))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(tr.written(t)), "heartbeat must stop after disconnect")
}

func TestPongUpdatesRTT(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_500)
	h := newHarness(t, func(o *Options) { o.now = func() time.Time { return now } })
	tr := h.openWith(t)

	tr.in <- []byte(`{"type":"pong","timestamp":1700000000380}`)
	require.Eventually(t, func() bool { return h.m.RTT() == 120*time.Millisecond },
		2*time.Second, 5*time.Millisecond)
}

func TestStaleTransportIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	old := h.openWith(t)
	h.m.Disconnect()
	fresh := h.openWith(t)

	// Late events from the first transport change nothing.
	old.in <- []byte(`{"type":"message"}`)
	old.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, PhaseOpen, h.m.Phase())
	assert.Empty(t, h.clock.pending())
	connects, disconnects, messages := h.rec.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 0, messages)

	fresh.in <- []byte(`{"type":"message"}`)
	require.Eventually(t, func() bool {
		_, _, n := h.rec.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// blockingDialer holds the dial until release is closed.
type blockingDialer struct {
	t       *fakeTransport
	started chan struct{}
	release chan struct{}
}

func (d *blockingDialer) Dial(context.Context, string) (Transport, error) {
	close(d.started)
	<-d.release
	return d.t, nil
}

func TestDisconnectDuringDial(t *testing.T) {
	bd := &blockingDialer{t: newFakeTransport(), started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(o *Options) { o.Dialer = bd })

	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Connect(context.Background()) }()
	<-bd.started

	assert.Equal(t, PhaseConnecting, h.m.Phase())
	// Connect while connecting is a no-op.
	require.NoError(t, h.m.Connect(context.Background()))

	h.m.Disconnect()
	close(bd.release)

	assert.ErrorIs(t, <-errCh, ErrDisconnected)
	assert.Equal(t, PhaseClosed, h.m.Phase())
	assert.Equal(t, protocol.CloseNormal, bd.t.closeCode)
	connects, disconnects, _ := h.rec.counts()
	assert.Zero(t, connects)
	assert.Zero(t, disconnects)
}

func TestTelemetryReadIsSideEffectFree(t *testing.T) {
	h := newHarness(t, nil)
	h.openWith(t)

	a := Telemetry()
	b := Telemetry()
	assert.Equal(t, a, b)
	if a.LastClose != nil {
		a.LastClose.Code = 4999
		assert.NotEqual(t, 4999, Telemetry().LastClose.Code)
	}
	assert.Equal(t, PhaseOpen, h.m.Phase())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "closed", PhaseClosed.String())
	assert.Equal(t, "connecting", PhaseConnecting.String())
	assert.Equal(t, "open", PhaseOpen.String())
	assert.Equal(t, "reconnect_waiting", PhaseReconnectWaiting.String())
}
