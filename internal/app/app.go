package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/assistant-chat/realtime/internal/client"
	"github.com/assistant-chat/realtime/internal/presence"
	"github.com/assistant-chat/realtime/internal/protocol"
	"github.com/assistant-chat/realtime/internal/theme"
	"github.com/assistant-chat/realtime/internal/views/eventlog"
	"github.com/assistant-chat/realtime/internal/views/status"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	defaultTypingEvery = 2 * time.Second
	refreshInterval    = 500 * time.Millisecond
	maxTranscript      = 500
)

// Conn is the part of client.Manager the TUI drives.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendTyping() bool
	SendMessage(payload any) bool
	Phase() client.Phase
	ReconnectAttempts() int
	NextReconnectDelay() time.Duration
	RTT() time.Duration
}

// Config holds display settings for the model.
type Config struct {
	Room                 string
	MaxReconnectAttempts int
	TypingTTL            time.Duration
	// TypingEvery throttles outgoing typing envelopes.
	TypingEvery time.Duration
}

// textPayload is the payload of chat messages sent from the input line.
type textPayload struct {
	Text string `json:"text"`
}

type connectResultMsg struct{ err error }

type tickMsg time.Time

// Model is the root Bubble Tea model.
type Model struct {
	conn   Conn
	bridge *Bridge
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	roster     *presence.Roster
	input      textinput.Model
	transcript viewport.Model
	lines      []string

	statusBar status.Model
	eventLog  eventlog.Model
	showLog   bool

	typingEvery  time.Duration
	lastTyping   time.Time
	seenAttempts int
	now          func() time.Time
}

// New creates the root model.
func New(conn Conn, bridge *Bridge, cfg Config) Model {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.TypingEvery <= 0 {
		cfg.TypingEvery = defaultTypingEvery
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = presence.DefaultTypingTTL
	}

	input := textinput.New()
	input.Placeholder = "Say something..."
	input.CharLimit = 2000
	input.Prompt = "> "
	input.Focus()

	return Model{
		conn:        conn,
		bridge:      bridge,
		ctx:         ctx,
		cancel:      cancel,
		keys:        DefaultKeyMap(),
		roster:      presence.NewRoster(cfg.TypingTTL),
		input:       input,
		transcript:  viewport.New(80, 10),
		statusBar:   status.New(cfg.Room, cfg.MaxReconnectAttempts),
		eventLog:    eventlog.New(),
		typingEvery: cfg.TypingEvery,
		now:         time.Now,
	}
}

// Init connects and starts listening for connection events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.connect(), m.bridge.Wait(), tick(), textinput.Blink)
}

func (m Model) connect() tea.Cmd {
	conn, ctx := m.conn, m.ctx
	return func() tea.Msg {
		return connectResultMsg{err: conn.Connect(ctx)}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectResultMsg:
		if msg.err != nil {
			m.eventLog.Add(eventlog.KindError, "connect: %v", msg.err)
		}
		m.refresh()
		return m, nil

	case ConnectedMsg:
		m.roster.Reset()
		m.seenAttempts = 0
		m.eventLog.Add(eventlog.KindConnect, "connected to #%s", m.statusBar.Room)
		m.addSystem("connected")
		m.refresh()
		return m, m.bridge.Wait()

	case DisconnectedMsg:
		m.roster.Reset()
		m.eventLog.Add(eventlog.KindClose, "closed %d %s", msg.Code, msg.Reason)
		m.addSystem(fmt.Sprintf("disconnected (%d)", msg.Code))
		m.refresh()
		return m, m.bridge.Wait()

	case EnvelopeMsg:
		m.handleEnvelope(msg.Envelope)
		m.refresh()
		return m, m.bridge.Wait()

	case tickMsg:
		m.refresh()
		return m, tick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.conn.Disconnect()
		m.bridge.Close()
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Log):
		m.showLog = !m.showLog
		return m, nil

	case key.Matches(msg, m.keys.Escape):
		m.showLog = false
		return m, nil

	case key.Matches(msg, m.keys.Reconnect):
		m.eventLog.Add(eventlog.KindConnect, "manual reconnect")
		return m, m.connect()

	case key.Matches(msg, m.keys.ScrollUp), key.Matches(msg, m.keys.ScrollDown):
		if m.showLog {
			if key.Matches(msg, m.keys.ScrollUp) {
				m.eventLog.ScrollUp(5)
			} else {
				m.eventLog.ScrollDown(5)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.transcript, cmd = m.transcript.Update(msg)
		return m, cmd

	case key.Matches(msg, m.keys.Send):
		m.sendInput()
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before && strings.TrimSpace(after) != "" {
		m.maybeSendTyping()
	}
	return m, cmd
}

func (m *Model) sendInput() {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return
	}
	if !m.conn.SendMessage(textPayload{Text: text}) {
		m.eventLog.Add(eventlog.KindSend, "message not sent while %s", m.conn.Phase())
		m.addSystem("not connected, message kept")
		return
	}
	m.input.Reset()
	m.lastTyping = time.Time{}
}

// maybeSendTyping sends at most one typing envelope per typingEvery.
func (m *Model) maybeSendTyping() {
	now := m.now()
	if !m.lastTyping.IsZero() && now.Sub(m.lastTyping) < m.typingEvery {
		return
	}
	if m.conn.SendTyping() {
		m.lastTyping = now
	}
}

func (m *Model) handleEnvelope(env protocol.Envelope) {
	m.roster.Apply(env)

	switch env.Type {
	case protocol.MsgMessage:
		m.addLine(env.UserID, messageText(env.Payload))
	case protocol.MsgPresence:
		if member, ok := m.roster.Get(env.UserID); ok && member.Status != "" {
			m.eventLog.Add(eventlog.KindConnect, "%s is %s", env.UserID, member.Status)
		}
	}
}

// messageText extracts the text of a chat payload, falling back to the raw
// JSON for payloads from other clients.
func messageText(payload json.RawMessage) string {
	var p textPayload
	if err := json.Unmarshal(payload, &p); err == nil && p.Text != "" {
		return p.Text
	}
	return string(payload)
}

func (m *Model) addLine(userID, text string) {
	name := userID
	if name == "" {
		name = "?"
	}
	who := lipgloss.NewStyle().Bold(true).Foreground(theme.UserColor(userID)).Render(name)
	m.appendTranscript(who + ": " + text)
}

func (m *Model) addSystem(text string) {
	m.appendTranscript(theme.StyleSystem.Render("-- " + text))
}

func (m *Model) appendTranscript(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxTranscript {
		m.lines = m.lines[len(m.lines)-maxTranscript:]
	}
	m.transcript.SetContent(strings.Join(m.lines, "\n"))
	m.transcript.GotoBottom()
}

// refresh copies connection state into the status bar and logs newly
// scheduled retries.
func (m *Model) refresh() {
	phase := m.conn.Phase()
	attempts := m.conn.ReconnectAttempts()

	m.statusBar.Phase = phase
	m.statusBar.Attempts = attempts
	m.statusBar.NextDelay = m.conn.NextReconnectDelay()
	m.statusBar.RTT = m.conn.RTT()
	m.statusBar.Telemetry = client.Telemetry()
	m.statusBar.Typing = m.roster.Typing()

	if phase == client.PhaseReconnectWaiting && attempts > m.seenAttempts {
		m.eventLog.Add(eventlog.KindRetry, "retry %d/%d in %s",
			attempts, m.statusBar.MaxRetries, m.statusBar.NextDelay.Round(time.Millisecond))
	}
	m.seenAttempts = attempts
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.statusBar.Width = width
	m.input.Width = width - 4

	// status bar (3 + typing line), input and help
	h := height - 7
	if h < 3 {
		h = 3
	}
	m.transcript.Width = width
	m.transcript.Height = h
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showLog {
		return m.eventLog.View(m.width, m.height)
	}

	sections := []string{
		m.statusBar.View(),
		m.transcript.View(),
		m.input.View(),
		theme.StyleDimmed.Render("  enter:send  pgup/pgdn:scroll  ctrl+l:log  ctrl+r:reconnect  ctrl+c:quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
