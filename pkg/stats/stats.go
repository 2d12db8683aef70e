// Package stats formats session transport statistics for display.
package stats

import (
	"fmt"
	"strings"

	"github.com/menta2k/morpheus/pkg/types"
)

// Missing is shown for values the session did not report.
const Missing = "--"

// Entry is one labelled statistic.
type Entry struct {
	Label string
	Value string
}

// Entries returns the display rows for s in a fixed order.
func Entries(s types.Stats) []Entry {
	candidate := s.CandidateType
	if candidate == "" {
		candidate = Missing
	}
	return []Entry{
		{"RTT", format(s.RTT, "%.0f ms", 1)},
		{"FPS", format(s.FramesPerSecond, "%.0f", 1)},
		{"Candidate", candidate},
		{"Pkt Loss", format(s.PacketLossRatio, "%.2f %%", 100)},
		{"Jitter", format(s.Jitter, "%.1f ms", 1000)},
		{"Bitrate", format(s.AvailableOutgoingBitrate, "%.1f Mbps", 1e-6)},
	}
}

// String renders entries as "Label: Value" pairs on one line.
func String(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Label + ": " + e.Value
	}
	return strings.Join(parts, "  ")
}

func format(v *float64, layout string, scale float64) string {
	if v == nil {
		return Missing
	}
	return fmt.Sprintf(layout, *v*scale)
}
