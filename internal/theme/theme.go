// Package theme provides the Lip Gloss color palette and reusable styles
// for the room chat TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

// Connection phase colors.
var (
	ColorOpen       = lipgloss.Color("#22c55e")
	ColorConnecting = lipgloss.Color("#7c3aed")
	ColorWaiting    = lipgloss.Color("#d97706")
	ColorClosed     = lipgloss.Color("#dc2626")
	ColorDefault    = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#2563eb")
)

// userPalette colors participant names. A user keeps the same color for
// the life of the process.
var userPalette = []lipgloss.Color{
	lipgloss.Color("#a855f7"),
	lipgloss.Color("#3b82f6"),
	lipgloss.Color("#06b6d4"),
	lipgloss.Color("#22c55e"),
	lipgloss.Color("#f59e0b"),
	lipgloss.Color("#ec4899"),
	lipgloss.Color("#10b981"),
	lipgloss.Color("#67e8f9"),
}

// PhaseColor returns the color for a connection phase name.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "open":
		return ColorOpen
	case "connecting":
		return ColorConnecting
	case "reconnect_waiting":
		return ColorWaiting
	case "closed":
		return ColorClosed
	default:
		return ColorDefault
	}
}

// PhaseGlyph returns a glyph for a connection phase name.
func PhaseGlyph(phase string) string {
	switch phase {
	case "open":
		return "●"
	case "connecting":
		return "◎"
	case "reconnect_waiting":
		return "◌"
	case "closed":
		return "○"
	default:
		return "·"
	}
}

// UserColor picks a stable palette color for a user id.
func UserColor(userID string) lipgloss.Color {
	if userID == "" {
		return ColorDefault
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return userPalette[h.Sum32()%uint32(len(userPalette))]
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSystem = lipgloss.NewStyle().
		Italic(true).
		Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
		Foreground(ColorDanger)
)
