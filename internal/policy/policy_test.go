package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/retry"
)

type fixedCounter struct {
	n   int
	err error
}

func (c fixedCounter) Current(context.Context, string) (int, error) { return c.n, c.err }

type evaluatorFunc func(ctx context.Context, action, env, resource string) (Verdict, error)

func (f evaluatorFunc) Authorize(ctx context.Context, action, env, resource string) (Verdict, error) {
	return f(ctx, action, env, resource)
}

func allowAll() Evaluator {
	return evaluatorFunc(func(context.Context, string, string, string) (Verdict, error) {
		return Verdict{Allow: true}, nil
	})
}

func TestClassifyTable(t *testing.T) {
	th := DefaultConfig().Thresholds
	tests := []struct {
		risk model.RiskLevel
		conf float64
		want model.Decision
	}{
		{model.RiskLow, 0.9, model.AutoExecute},
		{model.RiskMedium, 0.85, model.AutoExecute},
		{model.RiskHigh, 0.9, model.Escalate},
		{model.RiskCritical, 0.99, model.Escalate},
		{model.RiskCritical, 0.6, model.Escalate},
		{model.RiskLow, 0.84, model.RequireApproval},
		{model.RiskHigh, 0.5, model.RequireApproval},
		{model.RiskLow, 0.49, model.Escalate},
		{model.RiskLow, 1.5, model.Escalate},
		{model.RiskLevel("extreme"), 0.9, model.Escalate},
	}
	for _, tt := range tests {
		got := Classify(tt.risk, tt.conf, th)
		if got.Decision != tt.want {
			t.Errorf("Classify(%s, %v) = %s (%s), want %s", tt.risk, tt.conf, got.Decision, got.Reason, tt.want)
		}
	}
}

func TestGatePolicyDenyWins(t *testing.T) {
	g := &Gate{Evaluator: NewLocal(nil, "")}
	res := g.Authorize(context.Background(), Request{
		Action: "restart_instance", Risk: model.RiskLow, Confidence: 0.99,
		Environment: "production", ResourceID: "orders-db-1",
	})
	if res.Decision != model.Deny || !strings.Contains(res.PolicyID, "db") {
		t.Errorf("got %+v", res)
	}
}

func TestGateEvaluatorFailureDenies(t *testing.T) {
	calls := 0
	ev := evaluatorFunc(func(context.Context, string, string, string) (Verdict, error) {
		calls++
		return Verdict{}, connector.Transient(errors.New("unavailable"))
	})
	g := &Gate{Evaluator: ev, Retry: retry.Policy{Attempts: 2}}
	res := g.Authorize(context.Background(), Request{Action: "a", Risk: model.RiskLow, Confidence: 0.9})
	if res.Decision != model.Deny {
		t.Errorf("got %+v", res)
	}
	if calls != 2 {
		t.Errorf("transient evaluator errors should be retried, calls = %d", calls)
	}
}

func TestGateBlastRadius(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlastRadius.Environments = map[string]int{"staging": 2}
	g := &Gate{Evaluator: allowAll(), Config: func() *PolicyConfig { return cfg }}

	req := Request{Action: "scale_out", Risk: model.RiskLow, Confidence: 0.9, Environment: "staging"}

	g.Counter = fixedCounter{n: 1}
	if res := g.Authorize(context.Background(), req); res.Decision != model.AutoExecute {
		t.Errorf("under limit: %+v", res)
	}
	g.Counter = fixedCounter{n: 2}
	if res := g.Authorize(context.Background(), req); res.Decision != model.Deny || res.PolicyID != "blast_radius.concurrent" {
		t.Errorf("at limit: %+v", res)
	}
	g.Counter = fixedCounter{err: errors.New("redis down")}
	if res := g.Authorize(context.Background(), req); res.Decision != model.Deny {
		t.Errorf("counter failure: %+v", res)
	}

	g.Counter = fixedCounter{}
	req.Params = map[string]any{"resources": []any{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}}
	if res := g.Authorize(context.Background(), req); res.Decision != model.Deny || res.PolicyID != "blast_radius.resources" {
		t.Errorf("too many resources: %+v", res)
	}
}

func TestGateIsIdempotent(t *testing.T) {
	g := &Gate{Evaluator: NewLocal(nil, ""), Counter: fixedCounter{n: 1}}
	req := Request{Action: "restart_instance", Risk: model.RiskMedium, Confidence: 0.7, Environment: "staging", ResourceID: "i-1"}
	first := g.Authorize(context.Background(), req)
	for i := 0; i < 3; i++ {
		if got := g.Authorize(context.Background(), req); got != first {
			t.Fatalf("call %d = %+v, first = %+v", i, got, first)
		}
	}
}

func TestAffectedResources(t *testing.T) {
	tests := []struct {
		params map[string]any
		want   int
	}{
		{nil, 1},
		{map[string]any{"affected_resources": 4}, 4},
		{map[string]any{"affected_resources": "7"}, 7},
		{map[string]any{"resources": []string{"a", "b"}}, 2},
	}
	for _, tt := range tests {
		if got := AffectedResources(tt.params); got != tt.want {
			t.Errorf("AffectedResources(%v) = %d, want %d", tt.params, got, tt.want)
		}
	}
}

func TestLocalFirstMatchWins(t *testing.T) {
	cfg := &PolicyConfig{Rules: []Rule{
		{Action: "restart_*", Decision: "allow"},
		{Action: "*", Environment: "production", Decision: "deny", Reason: "prod freeze"},
	}}
	// "restart_*" is not a wildcard for actions: exact or "*" only.
	l := NewLocal(cfg, "")
	v, _ := l.Authorize(context.Background(), "restart_instance", "production", "web-1")
	if v.Allow || v.Reason != "prod freeze" {
		t.Errorf("got %+v", v)
	}
	v, _ = l.Authorize(context.Background(), "restart_instance", "staging", "web-1")
	if !v.Allow || v.PolicyID != "default.allow" {
		t.Errorf("got %+v", v)
	}
}

func TestUnknownDecisionFailsClosed(t *testing.T) {
	l := NewLocal(&PolicyConfig{Rules: []Rule{{Action: "*", Decision: "maybe"}}}, "")
	if v, _ := l.Authorize(context.Background(), "a", "b", "c"); v.Allow {
		t.Error("unknown decision must deny")
	}
}

func TestMatchRulePatterns(t *testing.T) {
	tests := []struct {
		pattern, resource string
		want              bool
	}{
		{"*db*", "orders-DB-1", true},
		{"*.internal", "api.internal", true},
		{"web-*", "web-7", true},
		{"web-7", "web-8", false},
		{"", "anything", true},
	}
	for _, tt := range tests {
		r := Rule{Action: "*", ResourcePattern: tt.pattern}
		if got := matchRule(r, "x", "y", tt.resource); got != tt.want {
			t.Errorf("matchRule(%q, %q) = %v", tt.pattern, tt.resource, got)
		}
	}
}

func TestLoadConfigWithHash(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || cfg.Thresholds.AutoMin != 0.85 || !strings.HasPrefix(hash, "sha256:") {
		t.Fatalf("missing file: %v %v %v", cfg, hash, err)
	}
	empty := hash

	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte(DefaultConfigYAML()), 0600)
	cfg, hash, err = LoadConfigWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if hash == empty {
		t.Error("file hash should differ from empty hash")
	}
	if cfg.BlastRadius.ConcurrentLimit("production") != 3 || cfg.BlastRadius.ConcurrentLimit("dev") != 5 {
		t.Errorf("blast radius = %+v", cfg.BlastRadius)
	}

	os.WriteFile(path, []byte("thresholds:\n  auto_min: 0.3\n  approval_min: 0.6\n"), 0600)
	if _, _, err := LoadConfigWithHash(path); err == nil {
		t.Error("inverted thresholds should be rejected")
	}
	os.WriteFile(path, []byte("rules: [unclosed"), 0600)
	if _, err := LoadConfig(path); err == nil {
		t.Error("invalid YAML should fail")
	}
}
