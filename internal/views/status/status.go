package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/assistant-chat/realtime/internal/client"
	"github.com/assistant-chat/realtime/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

// Model holds the status bar state.
type Model struct {
	Room       string
	Phase      client.Phase
	Attempts   int
	MaxRetries int
	NextDelay  time.Duration
	RTT        time.Duration
	Telemetry  client.TelemetrySnapshot
	Typing     []string
	Width      int
}

// New creates a status bar model.
func New(room string, maxRetries int) Model {
	return Model{Room: room, MaxRetries: maxRetries}
}

// PhaseLabel renders the connection phase with retry details.
func (m Model) PhaseLabel() string {
	switch m.Phase {
	case client.PhaseOpen:
		return "Connected"
	case client.PhaseConnecting:
		return "Connecting..."
	case client.PhaseReconnectWaiting:
		return fmt.Sprintf("Reconnecting in %s (attempt %d/%d)",
			m.NextDelay.Round(100*time.Millisecond), m.Attempts, m.MaxRetries)
	default:
		if m.Telemetry.ConnectCount > 0 && m.MaxRetries > 0 && m.Attempts >= m.MaxRetries {
			return "Disconnected (gave up)"
		}
		return "Disconnected"
	}
}

// TypingLine describes who is typing, or "" when nobody is.
func (m Model) TypingLine() string {
	switch n := len(m.Typing); {
	case n == 0:
		return ""
	case n == 1:
		return m.Typing[0] + " is typing..."
	case n <= 3:
		return strings.Join(m.Typing, ", ") + " are typing..."
	default:
		return fmt.Sprintf("%d people are typing...", n)
	}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	phase := m.Phase.String()
	connStr := lipgloss.NewStyle().Foreground(theme.PhaseColor(phase)).
		Render(theme.PhaseGlyph(phase) + " " + m.PhaseLabel())

	parts := []string{connStr, theme.StyleHeader.Render("#" + m.Room)}
	if m.Phase == client.PhaseOpen && m.RTT > 0 {
		parts = append(parts, fmt.Sprintf("rtt %s", m.RTT.Round(time.Millisecond)))
	}

	t := m.Telemetry
	stats := fmt.Sprintf("connects %d  retries %d  drops %d",
		t.ConnectCount, t.ReconnectAttemptCount, t.UnexpectedCloseCount)
	parts = append(parts, theme.StyleDimmed.Render(stats))
	if t.LastClose != nil {
		last := fmt.Sprintf("last close %d", t.LastClose.Code)
		if t.LastClose.Reason != "" {
			last += " " + t.LastClose.Reason
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(last))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := strings.Join(parts, sep)

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)

	typing := m.TypingLine()
	if typing == "" {
		typing = " "
	}
	return lipgloss.JoinVertical(lipgloss.Left, bar, theme.StyleSystem.Render(" "+typing))
}
