package app

import (
	"sync"

	"github.com/assistant-chat/realtime/internal/client"
	"github.com/assistant-chat/realtime/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// ConnectedMsg is sent when the manager opens a connection.
type ConnectedMsg struct{}

// DisconnectedMsg is sent for every close the manager reports.
type DisconnectedMsg struct {
	Code   int
	Reason string
}

// EnvelopeMsg carries one decoded frame from the room.
type EnvelopeMsg struct {
	Envelope protocol.Envelope
}

// Bridge turns connection manager callbacks, which run on the manager's
// goroutines, into Bubble Tea messages.
type Bridge struct {
	events    chan tea.Msg
	done      chan struct{}
	closeOnce sync.Once
}

func NewBridge() *Bridge {
	return &Bridge{
		events: make(chan tea.Msg, 256),
		done:   make(chan struct{}),
	}
}

// Attach installs the bridge callbacks on opts.
func (b *Bridge) Attach(opts *client.Options) {
	opts.OnConnect = func() { b.push(ConnectedMsg{}) }
	opts.OnDisconnect = func(code int, reason string) {
		b.push(DisconnectedMsg{Code: code, Reason: reason})
	}
	opts.OnMessage = func(env protocol.Envelope) { b.push(EnvelopeMsg{Envelope: env}) }
}

func (b *Bridge) push(msg tea.Msg) {
	select {
	case b.events <- msg:
	case <-b.done:
	}
}

// Wait returns a command that yields the next event.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.events:
			return msg
		case <-b.done:
			return nil
		}
	}
}

// Close releases any callback blocked on a full queue.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
