package ws

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/metrics"
	"github.com/assistant-chat/realtime/internal/protocol"
	"go.uber.org/zap"
)

var ErrRoomFull = errors.New("room is full")

// EvictReason labels why a session left its room.
type EvictReason string

const (
	ReasonClosed     EvictReason = "closed"
	ReasonError      EvictReason = "transport_error"
	ReasonSendFailed EvictReason = "send_failed"
	ReasonShutdown   EvictReason = "shutdown"
)

func (r EvictReason) closeCode() int {
	switch r {
	case ReasonShutdown:
		return protocol.CloseGoingAway
	case ReasonSendFailed:
		return protocol.CloseTryAgainLater
	default:
		return protocol.CloseNormal
	}
}

// Action is what the room did with an inbound frame.
type Action int

const (
	ActionDropped Action = iota
	ActionPong
	ActionBroadcast
)

func (a Action) String() string {
	switch a {
	case ActionPong:
		return "pong"
	case ActionBroadcast:
		return "broadcast"
	default:
		return "dropped"
	}
}

// Outcome reports the effect of a dispatch or broadcast. Evicted lists the
// sessions removed because delivery to them failed.
type Outcome struct {
	Action    Action
	Delivered int
	Evicted   []*Session
}

// Admission is an approved upgrade.
type Admission struct {
	UserID string
}

type RoomOptions struct {
	MaxSessions  int
	EchoToSender bool
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Room owns the live session set of one room. Every mutation of the set
// and every fan-out happens under mu, so sequential frames reach peers in
// dispatch order and an evicted session is never seen by a later broadcast.
type Room struct {
	name   string
	opts   RoomOptions
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewRoom(name string, opts RoomOptions) *Room {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Room{
		name:     name,
		opts:     opts,
		logger:   logger.Named("room").With(zap.String("room", name)),
		now:      time.Now,
		sessions: make(map[*Session]struct{}),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) full() bool {
	if r.opts.MaxSessions <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) >= r.opts.MaxSessions
}

// Join adds a session for userID. Capacity is checked again here since
// admissions for the same room may race. Join records the final admission
// result.
func (r *Room) Join(userID string, conn Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.opts.Metrics.Admission(RejectRoomFull.String())
		return nil, ErrRoomFull
	}

	s := newSession(userID, conn, r.now())
	r.sessions[s] = struct{}{}
	r.opts.Metrics.Admission("admitted")
	r.opts.Metrics.SessionJoined(r.name)
	r.logger.Debug("session joined",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.Int("sessions", len(r.sessions)))
	return s, nil
}

// OnMessage decodes raw and dispatches it. Frames that do not decode, and
// frames from sessions no longer in the room, are dropped.
func (r *Room) OnMessage(s *Session, raw []byte) Outcome {
	env, err := protocol.Decode(raw)
	if err != nil {
		r.opts.Metrics.FrameDropped(r.name)
		r.logger.Debug("dropping frame", zap.String("session_id", s.ID), zap.Error(err))
		return Outcome{Action: ActionDropped}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return Outcome{Action: ActionDropped}
	}
	r.opts.Metrics.Frame(r.name, env.Type)

	switch env.Type {
	case protocol.MsgPing:
		return r.pongLocked(s, env)
	case protocol.MsgTyping, protocol.MsgPresence:
		env.UserID = s.UserID
		return r.broadcastLocked(env, s)
	case protocol.MsgMessage:
		env.UserID = s.UserID
		var exclude *Session
		if !r.opts.EchoToSender {
			exclude = s
		}
		return r.broadcastLocked(env, exclude)
	default:
		return r.broadcastLocked(env, s)
	}
}

func (r *Room) pongLocked(s *Session, ping protocol.Envelope) Outcome {
	out := Outcome{Action: ActionPong}
	data, err := protocol.Encode(protocol.Pong(ping))
	if err != nil {
		return Outcome{Action: ActionDropped}
	}
	if err := s.conn.Send(data); err != nil {
		r.logger.Debug("pong delivery failed", zap.String("session_id", s.ID), zap.Error(err))
		r.removeLocked(s, ReasonSendFailed)
		out.Evicted = append(out.Evicted, s)
		return out
	}
	out.Delivered = 1
	return out
}

// Broadcast delivers env to every session except exclude (which may be
// nil). A session whose delivery fails is evicted before the next one is
// attempted.
func (r *Room) Broadcast(env protocol.Envelope, exclude *Session) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(env, exclude)
}

func (r *Room) broadcastLocked(env protocol.Envelope, exclude *Session) Outcome {
	data, err := protocol.Encode(env)
	if err != nil {
		r.logger.Warn("broadcast encode failed", zap.Error(err))
		return Outcome{Action: ActionDropped}
	}

	targets := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != exclude {
			targets = append(targets, s)
		}
	}

	out := Outcome{Action: ActionBroadcast}
	for _, s := range targets {
		if err := s.conn.Send(data); err != nil {
			r.logger.Info("delivery failed, evicting session",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.Error(err))
			r.removeLocked(s, ReasonSendFailed)
			out.Evicted = append(out.Evicted, s)
			continue
		}
		out.Delivered++
	}
	r.opts.Metrics.Delivered(r.name, out.Delivered)
	return out
}

// Remove evicts s and closes its handle. It reports whether s was still a
// member; removing twice is harmless.
func (r *Room) Remove(s *Session, reason EvictReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(s, reason)
}

func (r *Room) removeLocked(s *Session, reason EvictReason) bool {
	if _, ok := r.sessions[s]; !ok {
		return false
	}
	delete(r.sessions, s)
	r.opts.Metrics.SessionLeft(r.name, string(reason))
	_ = s.conn.Close(reason.closeCode(), string(reason))
	r.logger.Debug("session removed",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("reason", string(reason)),
		zap.Int("sessions", len(r.sessions)))
	return true
}

// CloseAll evicts every session with reason and returns how many there were.
func (r *Room) CloseAll(reason EvictReason) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for s := range r.sessions {
		if r.removeLocked(s, reason) {
			n++
		}
	}
	return n
}

func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Users returns the sorted user ids of live sessions. A user with several
// sessions appears once per session.
func (r *Room) Users() []string {
	r.mu.Lock()
	users := make([]string, 0, len(r.sessions))
	for s := range r.sessions {
		users = append(users, s.UserID)
	}
	r.mu.Unlock()

	sort.Strings(users)
	return users
}
