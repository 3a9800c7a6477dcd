package policydiff

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ppiankov/playwatch/internal/policy"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a rule addition, removal, or modification.
type RuleChange struct {
	Type string `json:"type"` // "added", "removed", "changed", "moved"
	Rule string `json:"rule"`
}

// DiffResult holds the comparison of two PolicyConfigs.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	RuleChanges []RuleChange `json:"rule_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two PolicyConfigs and returns the differences.
func Diff(old, new *policy.PolicyConfig) *DiffResult {
	r := &DiffResult{}

	// Raising either confidence threshold sends more runs to a human.
	diffFloat(r, "thresholds.auto_min", old.Thresholds.AutoMin, new.Thresholds.AutoMin)
	diffFloat(r, "thresholds.approval_min", old.Thresholds.ApprovalMin, new.Thresholds.ApprovalMin)

	diffLimit(r, "blast_radius.max_concurrent", old.BlastRadius.MaxConcurrent, new.BlastRadius.MaxConcurrent)
	diffLimit(r, "blast_radius.max_affected_resources", old.BlastRadius.MaxAffectedResources, new.BlastRadius.MaxAffectedResources)
	diffEnvironments(r, old.BlastRadius.Environments, new.BlastRadius.Environments)

	diffRules(r, old.Rules, new.Rules)

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0
	return r
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func diffFloat(r *DiffResult, field string, old, new float64) {
	if old == new {
		return
	}
	comment := "looser"
	if new > old {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{Field: field, Old: formatFloat(old), New: formatFloat(new), Comment: comment})
}

func formatLimit(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

// diffLimit compares caps where zero means unlimited.
func diffLimit(r *DiffResult, field string, old, new int) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     formatLimit(old),
		New:     formatLimit(new),
		Comment: limitComment(old, new),
	})
}

func limitComment(old, new int) string {
	switch {
	case new == 0:
		return "looser"
	case old == 0, new < old:
		return "stricter"
	default:
		return "looser"
	}
}

func diffEnvironments(r *DiffResult, old, new map[string]int) {
	envs := make(map[string]bool)
	for env := range old {
		envs[env] = true
	}
	for env := range new {
		envs[env] = true
	}
	names := make([]string, 0, len(envs))
	for env := range envs {
		names = append(names, env)
	}
	sort.Strings(names)

	for _, env := range names {
		field := "blast_radius.environments." + env
		o, hadOld := old[env]
		n, hasNew := new[env]
		switch {
		case !hadOld:
			r.Changes = append(r.Changes, Change{Field: field, Old: "-", New: formatLimit(n), Comment: "added"})
		case !hasNew:
			r.Changes = append(r.Changes, Change{Field: field, Old: formatLimit(o), New: "-", Comment: "removed"})
		case o != n:
			r.Changes = append(r.Changes, Change{Field: field, Old: formatLimit(o), New: formatLimit(n), Comment: limitComment(o, n)})
		}
	}
}

func ruleKey(r policy.Rule) string {
	return r.Action + "|" + r.Environment + "|" + r.ResourcePattern
}

func ruleLabel(r policy.Rule) string {
	return fmt.Sprintf("action=%s environment=%s resource=%s", orAny(r.Action), orAny(r.Environment), orAny(r.ResourcePattern))
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// diffRules matches rules by their selector. Rules are first-match-wins, so a
// surviving rule whose relative position changed is reported as moved.
func diffRules(r *DiffResult, oldRules, newRules []policy.Rule) {
	oldIdx := make(map[string]int)
	for i, rule := range oldRules {
		if _, dup := oldIdx[ruleKey(rule)]; !dup {
			oldIdx[ruleKey(rule)] = i
		}
	}
	newIdx := make(map[string]int)
	for i, rule := range newRules {
		if _, dup := newIdx[ruleKey(rule)]; !dup {
			newIdx[ruleKey(rule)] = i
		}
	}

	var keptOld, keptNew []string
	for _, rule := range oldRules {
		if _, ok := newIdx[ruleKey(rule)]; ok {
			keptOld = append(keptOld, ruleKey(rule))
		}
	}

	for _, rule := range newRules {
		k := ruleKey(rule)
		oi, exists := oldIdx[k]
		if !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type: "added",
				Rule: fmt.Sprintf("%s → %s", ruleLabel(rule), rule.Decision),
			})
			continue
		}
		keptNew = append(keptNew, k)
		if prev := oldRules[oi]; prev.Decision != rule.Decision {
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type: "changed",
				Rule: fmt.Sprintf("%s → %s (was: %s)", ruleLabel(rule), rule.Decision, prev.Decision),
			})
		}
	}

	for _, rule := range oldRules {
		if _, exists := newIdx[ruleKey(rule)]; !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type: "removed",
				Rule: fmt.Sprintf("%s → %s", ruleLabel(rule), rule.Decision),
			})
		}
	}

	for i := range keptNew {
		if i < len(keptOld) && keptNew[i] != keptOld[i] {
			rule := newRules[newIdx[keptNew[i]]]
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type: "moved",
				Rule: fmt.Sprintf("%s now at position %d (was %d)", ruleLabel(rule), newIdx[keptNew[i]]+1, oldIdx[keptNew[i]]+1),
			})
		}
	}
}
