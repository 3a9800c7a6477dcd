package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Run: %s | No entries found.\n", result.RunID)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Run: %s | %s | %s–%s UTC\n", result.RunID, result.Summary.Playbook, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatTimeOnly(e.Timestamp)
		what := e.Step
		if e.IsTransition() {
			what = e.From + " → " + e.To
		}
		b.WriteString(fmt.Sprintf("%-10s %3d %-10s %-34s %-16s %s\n",
			ts, e.Seq, e.Kind, truncate(what, 34), truncate(e.Decision, 16), e.Reasoning))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{fmt.Sprintf("%d transitions", s.Transitions)}
	if s.Steps > 0 {
		parts = append(parts, fmt.Sprintf("%d steps", s.Steps))
	}
	if s.Checks > 0 {
		parts = append(parts, fmt.Sprintf("%d checks", s.Checks))
	}
	if s.GateDecision != "" {
		parts = append(parts, "gate "+s.GateDecision)
	}
	state := s.FinalState
	if state == "" {
		state = "unknown"
	}
	return fmt.Sprintf("Summary: %s | Final state: %s\n", strings.Join(parts, ", "), state)
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
