// Package client holds the connection manager: a single logical room
// connection that survives transport churn, with heartbeat, bounded
// jittered reconnect, and process-wide telemetry.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 3
)

// ErrDisconnected is returned by Connect when Disconnect ran while the dial
// was in flight. The new transport is closed.
var ErrDisconnected = errors.New("disconnected while connecting")

type Phase int32

const (
	PhaseClosed Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnectWaiting
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnectWaiting:
		return "reconnect_waiting"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

type stopper interface {
	Stop() bool
}

type Options struct {
	// URL is the room endpoint, e.g. ws://host/rooms/lobby/ws.
	URL string
	// Token, when set, is sent as the token query parameter.
	Token string

	// Zero values select the Default* constants.
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// Callbacks run on manager goroutines, never under the manager's lock.
	OnConnect    func()
	OnDisconnect func(code int, reason string)
	OnMessage    func(env protocol.Envelope)

	Dialer Dialer
	Logger *zap.Logger

	afterFunc func(d time.Duration, f func()) stopper
	jitter    func() float64
	now       func() time.Time
}

// Manager owns at most one transport at a time. Every transport is tagged
// with a generation; events from an older generation are ignored.
type Manager struct {
	opts   Options
	url    string
	logger *zap.Logger

	mu            sync.Mutex
	phase         Phase
	attempts      int
	intentional   bool
	warned        bool
	gen           uint64
	transport     Transport
	stopHeartbeat context.CancelFunc
	timer         stopper
	timerSeq      uint64
	lastDelay     time.Duration
	rtt           time.Duration
}

func New(opts Options) (*Manager, error) {
	u, err := connectionURL(opts.URL, opts.Token)
	if err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.afterFunc == nil {
		opts.afterFunc = func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }
	}
	if opts.jitter == nil {
		opts.jitter = rand.Float64
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	return &Manager{
		opts:   opts,
		url:    u,
		logger: opts.Logger.Named("conn"),
	}, nil
}

// connectionURL appends token as a query parameter. The token never
// travels in a frame.
func connectionURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("url %q: scheme must be ws or wss", raw)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect opens a transport and blocks until the dial finishes. It is a
// no-op while Open or Connecting. A failed dial is handled like an abnormal
// close, so it may schedule a reconnect; the dial error is also returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase == PhaseOpen || m.phase == PhaseConnecting {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	m.warned = false
	m.cancelReconnectLocked()
	m.phase = PhaseConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Debug("connecting", zap.Uint64("gen", gen))
	t, err := m.opts.Dialer.Dial(ctx, m.url)
	if err != nil {
		code, reason := closeFromError(err)
		m.logger.Warn("dial failed", zap.Int("code", code), zap.Error(err))
		m.onClosed(gen, code, reason)
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = t.Close(protocol.CloseNormal, "client disconnect")
		return ErrDisconnected
	}
	m.transport = t
	m.phase = PhaseOpen
	m.attempts = 0
	m.warned = false
	hbCtx, cancel := context.WithCancel(context.Background())
	m.stopHeartbeat = cancel
	m.mu.Unlock()

	recordConnect(m.opts.now())
	m.logger.Info("connected", zap.Uint64("gen", gen))

	go m.heartbeat(hbCtx, t)
	if m.opts.OnConnect != nil {
		m.opts.OnConnect()
	}
	go m.readLoop(gen, t)
	return nil
}

// Disconnect closes the connection with 1000 and cancels any pending
// reconnect. The resulting close is not treated as unexpected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.stopHeartbeatLocked()
	m.cancelReconnectLocked()
	t := m.transport
	m.transport = nil
	wasOpen := m.phase == PhaseOpen
	m.phase = PhaseClosed
	m.gen++
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(protocol.CloseNormal, "client disconnect"); err != nil {
			m.logger.Debug("close transport", zap.Error(err))
		}
	}
	if wasOpen && m.opts.OnDisconnect != nil {
		m.opts.OnDisconnect(protocol.CloseNormal, "client disconnect")
	}
}

// onClosed handles the end of transport gen: a read error, a remote close
// or a failed dial.
func (m *Manager) onClosed(gen uint64, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.transport = nil
	m.phase = PhaseClosed
	m.mu.Unlock()

	m.logger.Info("connection closed", zap.Int("code", code), zap.String("reason", reason))
	if m.opts.OnDisconnect != nil {
		m.opts.OnDisconnect(code, reason)
	}
	recordUnexpectedClose(code, reason)
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The application may have reconnected or disconnected from its
	// OnDisconnect callback.
	if gen != m.gen || m.intentional || m.phase != PhaseClosed {
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.logger.Warn("giving up reconnecting", zap.Int("attempts", m.attempts))
		return
	}

	m.attempts++
	m.warned = false
	delay := reconnectDelay(m.opts.ReconnectInterval, m.attempts, 0.5+m.opts.jitter())
	m.lastDelay = delay
	m.phase = PhaseReconnectWaiting

	m.cancelReconnectLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.opts.afterFunc(delay, func() { m.fireReconnect(seq) })
	recordReconnectAttempt()

	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay))
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.phase != PhaseReconnectWaiting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.Connect(context.Background()); err != nil {
		m.logger.Debug("reconnect failed", zap.Error(err))
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.phase == PhaseOpen
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			code, reason := closeFromError(err)
			m.onClosed(gen, code, reason)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("dropping frame", zap.Error(err))
			continue
		}
		if !m.current(gen) {
			return
		}
		if env.Type == protocol.MsgPong && env.Timestamp > 0 {
			m.recordRTT(env.Timestamp)
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(env)
		}
	}
}

func (m *Manager) recordRTT(sentMs int64) {
	rtt := time.Duration(protocol.Millis(m.opts.now())-sentMs) * time.Millisecond
	if rtt < 0 {
		return
	}
	m.mu.Lock()
	m.rtt = rtt
	m.mu.Unlock()
}

func (m *Manager) heartbeat(ctx context.Context, t Transport) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := protocol.Encode(protocol.Ping(m.opts.now()))
			if err != nil {
				continue
			}
			if err := t.WriteMessage(data); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
				// Closing unblocks the read loop, which reports the close.
				_ = t.Close(protocol.CloseGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// Send writes env if the connection is open. Otherwise it returns false,
// logging a warning at most once per connection cycle.
func (m *Manager) Send(env protocol.Envelope) bool {
	m.mu.Lock()
	if m.phase != PhaseOpen || m.transport == nil {
		warn := !m.warned
		m.warned = true
		phase := m.phase
		m.mu.Unlock()
		if warn {
			m.logger.Warn("send while not connected",
				zap.String("type", string(env.Type)),
				zap.Stringer("phase", phase))
		}
		return false
	}
	t := m.transport
	m.mu.Unlock()

	data, err := protocol.Encode(env)
	if err != nil {
		m.logger.Warn("encode failed", zap.Error(err))
		return false
	}
	if err := t.WriteMessage(data); err != nil {
		m.logger.Warn("send failed", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

// SendTyping sends a typing envelope with no payload.
func (m *Manager) SendTyping() bool {
	return m.Send(protocol.Envelope{Type: protocol.MsgTyping})
}

func (m *Manager) SendMessage(payload any) bool {
	return m.sendPayload(protocol.MsgMessage, payload)
}

func (m *Manager) SendPresence(payload any) bool {
	return m.sendPayload(protocol.MsgPresence, payload)
}

func (m *Manager) sendPayload(t protocol.MessageType, payload any) bool {
	env, err := protocol.New(t, payload)
	if err != nil {
		m.logger.Warn("build envelope", zap.Error(err))
		return false
	}
	return m.Send(env)
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// NextReconnectDelay is the delay chosen for the most recent scheduled
// reconnect.
func (m *Manager) NextReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDelay
}

// RTT is the round trip measured from the latest pong, or zero.
func (m *Manager) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}
