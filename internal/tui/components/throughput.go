package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/vibestack/syncd/internal/metrics"
)

var throughputValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))

// RenderThroughput renders the throughput counters.
func RenderThroughput(snap metrics.Snapshot, width int) string {
	changesPerSec := throughputValueStyle.Render(fmt.Sprintf("%.0f chg/s", snap.ChangesPerSec))
	bytesPerSec := throughputValueStyle.Render(formatBytes(int64(snap.BytesPerSec)) + "/s")
	totalChanges := formatCount(snap.TotalChanges)
	totalBytes := formatBytes(snap.TotalBytes)

	// The deepest session queue is the earliest back-pressure signal: a
	// client heading for a stall shows up here before it is force-drained.
	var peakQueue int
	for _, s := range snap.Sessions {
		if s.QueueLen > peakQueue {
			peakQueue = s.QueueLen
		}
	}
	queueStr := ""
	if peakQueue > 0 {
		queueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
		queueStr = fmt.Sprintf("  |  Peak queue: %s", queueStyle.Render(fmt.Sprintf("%d", peakQueue)))
	}

	errStr := ""
	if snap.ErrorCount > 0 {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
		errStr = fmt.Sprintf("  Errors: %s", errStyle.Render(fmt.Sprintf("%d", snap.ErrorCount)))
	}

	return fmt.Sprintf("  %s  |  %s  |  Total: %s changes, %s%s%s",
		changesPerSec, bytesPerSec, totalChanges, totalBytes, queueStr, errStr)
}
