// Package presence tracks who in a room is typing or around, from the
// typing, presence and message envelopes a client receives.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/protocol"
)

const DefaultTypingTTL = 5 * time.Second

// Member is one user as seen by this client.
type Member struct {
	UserID      string
	Status      string
	LastSeen    time.Time
	TypingUntil time.Time
}

// Typing reports whether the member's typing indicator is live at now.
func (m Member) Typing(now time.Time) bool {
	return now.Before(m.TypingUntil)
}

// presencePayload is the optional body of a presence envelope.
type presencePayload struct {
	Status string `json:"status"`
}

type Roster struct {
	mu        sync.RWMutex
	members   map[string]*Member
	typingTTL time.Duration
	now       func() time.Time
}

func NewRoster(typingTTL time.Duration) *Roster {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Roster{
		members:   make(map[string]*Member),
		typingTTL: typingTTL,
		now:       time.Now,
	}
}

// Apply folds env into the roster and reports whether anything changed.
// Envelopes without a server-stamped user id are ignored.
func (r *Roster) Apply(env protocol.Envelope) bool {
	if env.UserID == "" {
		return false
	}

	switch env.Type {
	case protocol.MsgTyping, protocol.MsgPresence, protocol.MsgMessage:
	default:
		return false
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[env.UserID]
	if !ok {
		m = &Member{UserID: env.UserID}
		r.members[env.UserID] = m
	}
	m.LastSeen = now

	switch env.Type {
	case protocol.MsgTyping:
		m.TypingUntil = now.Add(r.typingTTL)
	case protocol.MsgMessage:
		// A sent message ends the typing indicator.
		m.TypingUntil = time.Time{}
	case protocol.MsgPresence:
		var p presencePayload
		if len(env.Payload) > 0 && json.Unmarshal(env.Payload, &p) == nil && p.Status != "" {
			m.Status = p.Status
		}
	}
	return true
}

func (r *Roster) Get(userID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[userID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// All returns copies of every member, sorted by user id.
func (r *Roster) All() []Member {
	r.mu.RLock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Typing returns the sorted ids of users whose indicator is live.
func (r *Roster) Typing() []string {
	now := r.now()
	r.mu.RLock()
	var out []string
	for id, m := range r.members {
		if m.Typing(now) {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (r *Roster) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, userID)
}

// Reset forgets everyone, e.g. after a reconnect where state may be stale.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[string]*Member)
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
