// Package playbook holds the playbook definition model, its YAML loader and
// validator, and the registry of loaded definitions.
package playbook

import (
	"time"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/matcher"
	"github.com/ppiankov/playwatch/internal/model"
)

// Failure handler actions accepted in on_failure.action.
const (
	FailureRollbackAndEscalate = "rollback_and_escalate"
	FailureRollback            = "rollback"
	FailureEscalate            = "escalate"
)

// Definition is a loaded, validated playbook. Definitions are never mutated
// after Parse returns them; the registry swaps whole values on reload.
type Definition struct {
	Name        string
	Version     string
	Description string
	Trigger     Trigger
	Steps       []Step
	Rules       []Rule
	Checks      []Check
	OnFailure   FailureSpec

	Source string // file path, or "built-in"
	Hash   string // sha256 of the raw document
}

// Trigger selects which alerts start a run of the playbook.
type Trigger struct {
	AlertType  string
	Severities []string
}

// Matches reports whether an alert of the given type and severity fires this trigger.
func (t Trigger) Matches(alertType, severity string) bool {
	if alertType != t.AlertType {
		return false
	}
	for _, s := range t.Severities {
		if s == severity {
			return true
		}
	}
	return false
}

// Step is one investigation query.
type Step struct {
	Name      string
	QueryType model.QueryType
	Query     string
	Extract   []string
	Optional  bool
	Timeout   time.Duration // zero means the engine default
}

// Rule is one decision tree entry.
type Rule struct {
	Condition *condition.Expr
	Action    string
	RiskLevel model.RiskLevel
	Params    map[string]any
}

// Check is one post-remediation validation check.
type Check struct {
	Name      string
	QueryType model.QueryType
	Query     string
	Expected  any
	Matcher   matcher.Matcher
	Timeout   time.Duration
}

// FailureSpec configures the failure handler.
type FailureSpec struct {
	Action            string
	EscalationChannel string
}

// Rollback reports whether the failure action restores the snapshot.
func (f FailureSpec) Rollback() bool {
	return f.Action == FailureRollbackAndEscalate || f.Action == FailureRollback
}

// Escalate reports whether the failure action notifies the escalation channel.
func (f FailureSpec) Escalate() bool {
	return f.Action == FailureRollbackAndEscalate || f.Action == FailureEscalate
}

// Summary is the listing view of a definition.
type Summary struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	AlertType  string   `json:"alert_type"`
	Severities []string `json:"severities"`
	Steps      int      `json:"steps"`
	Rules      int      `json:"rules"`
	Checks     int      `json:"checks"`
	Source     string   `json:"source"`
}

// Summarize returns the listing view of d.
func (d *Definition) Summarize() Summary {
	return Summary{
		Name:       d.Name,
		Version:    d.Version,
		AlertType:  d.Trigger.AlertType,
		Severities: append([]string(nil), d.Trigger.Severities...),
		Steps:      len(d.Steps),
		Rules:      len(d.Rules),
		Checks:     len(d.Checks),
		Source:     d.Source,
	}
}
