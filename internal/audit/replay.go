package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter holds filtering criteria for run replay.
type ReplayFilter struct {
	RunID string
	From  time.Time // zero value = no lower bound
	To    time.Time // zero value = no upper bound
}

// ReplaySummary holds counts and metadata for a replayed run.
type ReplaySummary struct {
	Total          int    `json:"total"`
	Transitions    int    `json:"transitions"`
	Steps          int    `json:"steps"`
	Checks         int    `json:"checks"`
	Playbook       string `json:"playbook"`
	GateDecision   string `json:"gate_decision,omitempty"`
	FinalState     string `json:"final_state"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and summary for a run replay.
type ReplayResult struct {
	RunID   string        `json:"run_id"`
	Entries []Entry       `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns one run's entries.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		if entry.RunID != filter.RunID {
			continue
		}

		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, entry.Timestamp)
			if err != nil {
				continue
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	return Summarize(filter.RunID, entries), nil
}

// Summarize builds a ReplayResult from a run's entries.
func Summarize(runID string, entries []Entry) *ReplayResult {
	result := &ReplayResult{RunID: runID, Entries: entries}
	s := &result.Summary
	for _, e := range entries {
		s.Total++
		switch e.Kind {
		case KindTransition:
			s.Transitions++
			s.FinalState = e.To
		case KindStep:
			s.Steps++
		case KindCheck:
			s.Checks++
		case KindGate:
			s.GateDecision = e.Decision
		}
		if s.Playbook == "" {
			s.Playbook = e.Playbook
		}
		if s.FirstTimestamp == "" {
			s.FirstTimestamp = e.Timestamp
		}
		s.LastTimestamp = e.Timestamp
	}
	return result
}
