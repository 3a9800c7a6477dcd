package decision

import (
	"testing"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
)

func rule(cond, action string, params map[string]any) playbook.Rule {
	return playbook.Rule{Condition: condition.MustParse(cond), Action: action, RiskLevel: model.RiskLow, Params: params}
}

func TestFirstMatchWins(t *testing.T) {
	ctx := map[string]any{"cpu_pct": 95}
	a := rule("cpu_pct > 90", "restart_instance", nil)
	b := rule("cpu_pct > 50", "scale_out", nil)

	if m := Evaluate([]playbook.Rule{a, b}, ctx); m == nil || m.Rule.Action != "restart_instance" || m.Index != 0 {
		t.Errorf("order a,b selected %+v", m)
	}
	if m := Evaluate([]playbook.Rule{b, a}, ctx); m == nil || m.Rule.Action != "scale_out" || m.Index != 0 {
		t.Errorf("order b,a selected %+v", m)
	}
}

func TestMissingFieldIsNoMatch(t *testing.T) {
	rules := []playbook.Rule{rule("cpu_pct > 90", "restart_instance", nil)}
	m, trace := EvaluateTrace(rules, map[string]any{"mem_pct": 99})
	if m != nil {
		t.Fatalf("expected no match, got %+v", m)
	}
	if len(trace) != 1 || trace[0].Matched || len(trace[0].Missing) != 1 || trace[0].Missing[0] != "cpu_pct" {
		t.Errorf("trace = %+v", trace)
	}
}

func TestParamsResolved(t *testing.T) {
	rules := []playbook.Rule{rule("cpu_pct > 90", "scale_out", map[string]any{
		"group": "{{resource_id}}",
		"count": 2,
		"ratio": "{{cpu_pct}}",
		"note":  "scale {{resource_id}} for {{owner}}",
	})}
	m := Evaluate(rules, map[string]any{"cpu_pct": 95, "resource_id": "asg-1"})
	if m == nil {
		t.Fatal("expected match")
	}
	if m.Params["group"] != "asg-1" || m.Params["count"] != 2 || m.Params["ratio"] != 95 {
		t.Errorf("params = %v", m.Params)
	}
	if len(m.Unresolved) != 1 || m.Unresolved[0] != "owner" {
		t.Errorf("unresolved = %v", m.Unresolved)
	}
	sel := m.Selected()
	if sel.Condition != "cpu_pct > 90" || sel.Action != "scale_out" {
		t.Errorf("selected = %+v", sel)
	}
}

func TestRulesAfterMatchNotEvaluated(t *testing.T) {
	rules := []playbook.Rule{
		rule("true", "a", nil),
		rule("x > 1", "b", nil),
	}
	_, trace := EvaluateTrace(rules, nil)
	if len(trace) != 1 {
		t.Errorf("trace = %+v", trace)
	}
}

func TestEmptyRulesNoMatch(t *testing.T) {
	if m := Evaluate(nil, map[string]any{"a": 1}); m != nil {
		t.Errorf("expected nil, got %+v", m)
	}
}
