package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)

	thresholds := filterChanges(r.Changes, "thresholds.")
	limits := filterChanges(r.Changes, "blast_radius.")

	if len(thresholds) > 0 {
		b.WriteString("\n  Thresholds:\n")
		writeChanges(&b, thresholds, "thresholds.")
	}

	if len(limits) > 0 {
		b.WriteString("\n  Blast Radius:\n")
		writeChanges(&b, limits, "blast_radius.")
	}

	if len(r.RuleChanges) > 0 {
		b.WriteString("\n  Rules:\n")
		for _, rc := range r.RuleChanges {
			switch rc.Type {
			case "added":
				fmt.Fprintf(&b, "    + %s\n", rc.Rule)
			case "removed":
				fmt.Fprintf(&b, "    - %s\n", rc.Rule)
			case "changed":
				fmt.Fprintf(&b, "    ~ %s\n", rc.Rule)
			case "moved":
				fmt.Fprintf(&b, "    ↕ %s\n", rc.Rule)
			}
		}
	}

	return b.String()
}

func writeChanges(b *strings.Builder, changes []Change, prefix string) {
	for _, c := range changes {
		name := strings.TrimPrefix(c.Field, prefix)
		fmt.Fprintf(b, "    %-28s %s → %s", name+":", c.Old, c.New)
		if c.Comment != "" {
			fmt.Fprintf(b, "  (%s)", c.Comment)
		}
		b.WriteString("\n")
	}
}

// Summary is a one-line description for logs.
func Summary(r *DiffResult) string {
	if !r.HasChanges {
		return "no changes"
	}
	parts := make([]string, 0, len(r.Changes)+1)
	for _, c := range r.Changes {
		parts = append(parts, fmt.Sprintf("%s %s→%s", c.Field, c.Old, c.New))
	}
	if n := len(r.RuleChanges); n > 0 {
		parts = append(parts, fmt.Sprintf("%d rule change(s)", n))
	}
	return strings.Join(parts, ", ")
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

func filterChanges(changes []Change, prefix string) []Change {
	var out []Change
	for _, c := range changes {
		if strings.HasPrefix(c.Field, prefix) {
			out = append(out, c)
		}
	}
	return out
}
