// Package decision evaluates a playbook's decision tree. Evaluation is pure:
// rules are tried in order and the first whose condition holds is selected.
package decision

import (
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/render"
)

// Match is a selected rule with its params resolved against the context.
type Match struct {
	Index  int
	Rule   playbook.Rule
	Params map[string]any
	// Unresolved lists param placeholders the context could not fill.
	Unresolved []string
}

// Selected converts m into the run's record of the selection.
func (m *Match) Selected() *model.SelectedRule {
	return &model.SelectedRule{
		Index:     m.Index,
		Condition: m.Rule.Condition.Source(),
		Action:    m.Rule.Action,
		RiskLevel: m.Rule.RiskLevel,
		Params:    m.Params,
	}
}

// Trace records how each evaluated rule fared, for dry runs and audit.
type Trace struct {
	Index     int      `json:"index"`
	Condition string   `json:"condition"`
	Matched   bool     `json:"matched"`
	Missing   []string `json:"missing,omitempty"`
}

// Evaluate returns the first matching rule, or nil when none matches.
// A condition naming a field absent from ctx is false.
func Evaluate(rules []playbook.Rule, ctx map[string]any) *Match {
	m, _ := EvaluateTrace(rules, ctx)
	return m
}

// EvaluateTrace is Evaluate plus a per-rule trace. Rules after the match are
// not evaluated and do not appear in the trace.
func EvaluateTrace(rules []playbook.Rule, ctx map[string]any) (*Match, []Trace) {
	var trace []Trace
	for i, r := range rules {
		ok := r.Condition.Eval(ctx)
		t := Trace{Index: i, Condition: r.Condition.Source(), Matched: ok}
		if !ok {
			t.Missing = r.Condition.Missing(ctx)
		}
		trace = append(trace, t)
		if !ok {
			continue
		}
		params, unresolved := render.Params(r.Params, ctx)
		if params == nil {
			params = map[string]any{}
		}
		return &Match{Index: i, Rule: r, Params: params, Unresolved: unresolved}, trace
	}
	return nil, trace
}
