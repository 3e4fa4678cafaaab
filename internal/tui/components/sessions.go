package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vibestack/syncd/internal/metrics"
)

var (
	sessHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	sessLiveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	sessCatchupStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	sessDrainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	sessOtherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderSessions renders the connected-sessions table.
func RenderSessions(snap metrics.Snapshot, width, maxRows int) string {
	if len(snap.Sessions) == 0 {
		return "  No connected sessions"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-28s %-14s %-14s %-8s %s", "Client", "State", "Cursor", "Queue", "Connected")
	b.WriteString(sessHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Sessions)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		s := snap.Sessions[i]
		id := s.ClientID
		if len(id) > 26 {
			id = id[:23] + "..."
		}

		var state string
		switch s.State {
		case "live":
			state = sessLiveStyle.Render(fmt.Sprintf("%-14s", s.State))
		case "catchup":
			state = sessCatchupStyle.Render(fmt.Sprintf("%-14s", s.State))
		case "draining", "closed":
			state = sessDrainStyle.Render(fmt.Sprintf("%-14s", s.State))
		default:
			state = sessOtherStyle.Render(fmt.Sprintf("%-14s", s.State))
		}

		connected := "-"
		if !s.ConnectedSince.IsZero() {
			connected = formatDuration(time.Since(s.ConnectedSince).Seconds()) + " ago"
		}

		line := fmt.Sprintf("  %-28s %s %-14s %-8d %s", id, state, s.Cursor, s.QueueLen, connected)
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Sessions) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more sessions", len(snap.Sessions)-shown))
	}

	return b.String()
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
