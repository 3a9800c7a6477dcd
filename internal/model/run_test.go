package model

import (
	"errors"
	"testing"
	"time"
)

func TestHappyPathTransitions(t *testing.T) {
	r := NewRun("r-1", "high_cpu", "1", nil, time.Now())
	path := []State{StateInvestigating, StateDeciding, StateExecuting, StateValidating, StateCompleted}
	for _, s := range path {
		if _, err := r.Transition(s, ReasonNone, "", time.Now()); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if r.Outcome != OutcomeRemediated {
		t.Errorf("outcome = %s, want remediated", r.Outcome)
	}
	if r.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed, StateRolledBack, StateRollbackFailed, StateDenied} {
		r := NewRun("r", "p", "1", nil, time.Now())
		r.State = terminal
		for _, to := range []State{StatePending, StateInvestigating, StateExecuting, StateFailed, StateCompleted} {
			if _, err := r.Transition(to, ReasonNone, "", time.Now()); !errors.Is(err, ErrTerminalState) {
				t.Errorf("%s → %s: expected ErrTerminalState, got %v", terminal, to, err)
			}
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	r := NewRun("r", "p", "1", nil, time.Now())
	if _, err := r.Transition(StateExecuting, ReasonNone, "", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending → executing: expected ErrInvalidTransition, got %v", err)
	}
	if r.State != StatePending {
		t.Errorf("state changed on invalid transition: %s", r.State)
	}
}

func TestAnyNonTerminalMayFail(t *testing.T) {
	for _, s := range []State{StatePending, StateInvestigating, StateDeciding, StateAwaitingApproval, StateExecuting, StateValidating} {
		if !CanTransition(s, StateFailed) {
			t.Errorf("%s → failed should be allowed", s)
		}
	}
}

func TestNoMatchCompletesWithNoAction(t *testing.T) {
	r := NewRun("r", "p", "1", nil, time.Now())
	r.Transition(StateInvestigating, ReasonNone, "", time.Now())
	r.Transition(StateDeciding, ReasonNone, "", time.Now())
	if _, err := r.Transition(StateCompleted, ReasonNoMatchingRule, "no rule matched", time.Now()); err != nil {
		t.Fatal(err)
	}
	if r.Outcome != OutcomeNoAction {
		t.Errorf("outcome = %s, want no_action", r.Outcome)
	}
	if r.Reason != ReasonNoMatchingRule {
		t.Errorf("reason = %s", r.Reason)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := NewRun("r", "p", "1", map[string]any{"a": 1}, time.Now())
	r.MergeContext(map[string]any{"cpu_pct": 95})
	r.Update(func(r *ExecutionRun) {
		r.SelectedRule = &SelectedRule{Action: "restart", Params: map[string]any{"x": 1}}
	})

	snap := r.Snapshot()
	snap.Context["cpu_pct"] = 1
	snap.SelectedRule.Params["x"] = 2

	if r.ContextCopy()["cpu_pct"] != 95 {
		t.Error("snapshot context mutation leaked into run")
	}
	if r.SelectedRule.Params["x"] != 1 {
		t.Error("snapshot params mutation leaked into run")
	}
}

func TestQueryTypeFromAction(t *testing.T) {
	tests := map[string]QueryType{
		"query_logs":    QueryLogs,
		"query_metrics": QueryMetrics,
		"query_k8s":     QueryCluster,
		"query_health":  QueryHealth,
		"metrics":       QueryMetrics,
	}
	for in, want := range tests {
		got, ok := QueryTypeFromAction(in)
		if !ok || got != want {
			t.Errorf("QueryTypeFromAction(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := QueryTypeFromAction("query_sql"); ok {
		t.Error("expected unknown action to be rejected")
	}
}
