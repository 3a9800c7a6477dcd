package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/retry"
)

// DefaultEvaluatorTimeout bounds a single policy evaluator call.
const DefaultEvaluatorTimeout = 5 * time.Second

// Counter reads the number of active remediations in an environment.
type Counter interface {
	Current(ctx context.Context, environment string) (int, error)
}

// Request is everything the gate looks at.
type Request struct {
	Action      string          `json:"action"`
	Risk        model.RiskLevel `json:"risk_level"`
	Params      map[string]any  `json:"params,omitempty"`
	Environment string          `json:"environment"`
	ResourceID  string          `json:"resource_id"`
	Confidence  float64         `json:"confidence"`
}

// Gate decides whether a selected remediation runs. It only reads the
// blast-radius counter; acquiring a slot is the caller's job once the
// decision is acted on, so repeated calls with the same input agree.
type Gate struct {
	Evaluator Evaluator
	Counter   Counter
	Config    func() *PolicyConfig
	Timeout   time.Duration
	Retry     retry.Policy
}

// Authorize evaluates, in order: policy rules, blast radius, risk, confidence.
func (g *Gate) Authorize(ctx context.Context, req Request) model.GateResult {
	cfg := DefaultConfig()
	if g.Config != nil {
		if c := g.Config(); c != nil {
			cfg = c
		}
	}

	// 1. External policy: deny wins regardless of risk.
	if g.Evaluator != nil {
		v, err := g.evaluate(ctx, req)
		if err != nil {
			return model.GateResult{Decision: model.Deny, Reason: fmt.Sprintf("policy evaluator unavailable: %v", err), PolicyID: "policy.unavailable"}
		}
		if !v.Allow {
			return model.GateResult{Decision: model.Deny, Reason: v.Reason, PolicyID: v.PolicyID}
		}
	}

	// 2. Blast radius.
	if most := cfg.BlastRadius.MaxAffectedResources; most > 0 {
		if n := AffectedResources(req.Params); n > most {
			return model.GateResult{Decision: model.Deny, Reason: fmt.Sprintf("action affects %d resources, limit is %d", n, most), PolicyID: "blast_radius.resources"}
		}
	}
	if limit := cfg.BlastRadius.ConcurrentLimit(req.Environment); limit > 0 && g.Counter != nil {
		active, err := g.Counter.Current(ctx, req.Environment)
		if err != nil {
			return model.GateResult{Decision: model.Deny, Reason: fmt.Sprintf("blast-radius counter unavailable: %v", err), PolicyID: "blast_radius.unavailable"}
		}
		if active >= limit {
			return model.GateResult{Decision: model.Deny, Reason: fmt.Sprintf("%d active remediations in %q, limit is %d", active, req.Environment, limit), PolicyID: "blast_radius.concurrent"}
		}
	}

	// 3–6. Risk and confidence.
	return Classify(req.Risk, req.Confidence, cfg.Thresholds)
}

// Classify applies the risk and confidence table.
func Classify(risk model.RiskLevel, confidence float64, t Thresholds) model.GateResult {
	switch {
	case !model.ValidRisk(risk):
		return model.GateResult{Decision: model.Escalate, Reason: fmt.Sprintf("unknown risk level %q", risk), PolicyID: "risk.unknown"}
	case math.IsNaN(confidence) || confidence < 0 || confidence > 1:
		return model.GateResult{Decision: model.Escalate, Reason: fmt.Sprintf("confidence %v is outside [0, 1]", confidence), PolicyID: "confidence.invalid"}
	case risk == model.RiskCritical:
		return model.GateResult{Decision: model.Escalate, Reason: "critical risk always requires a human", PolicyID: "risk.critical"}
	case confidence >= t.AutoMin && (risk == model.RiskLow || risk == model.RiskMedium):
		return model.GateResult{Decision: model.AutoExecute, Reason: fmt.Sprintf("confidence %.2f >= %.2f with %s risk", confidence, t.AutoMin, risk), PolicyID: "confidence.auto"}
	case confidence >= t.ApprovalMin && confidence < t.AutoMin:
		return model.GateResult{Decision: model.RequireApproval, Reason: fmt.Sprintf("confidence %.2f in [%.2f, %.2f) with %s risk", confidence, t.ApprovalMin, t.AutoMin, risk), PolicyID: "confidence.approval"}
	case confidence < t.ApprovalMin:
		return model.GateResult{Decision: model.Escalate, Reason: fmt.Sprintf("confidence %.2f below %.2f", confidence, t.ApprovalMin), PolicyID: "confidence.low"}
	default:
		return model.GateResult{Decision: model.Escalate, Reason: fmt.Sprintf("%s risk is never auto-executed", risk), PolicyID: "risk.high"}
	}
}

func (g *Gate) evaluate(ctx context.Context, req Request) (Verdict, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}
	p := g.Retry
	if p.Attempts == 0 {
		p = retry.Policy{Attempts: 2, Base: 100 * time.Millisecond, Factor: 2, Jitter: 0.2}
	}
	var v Verdict
	_, err := retry.Do(ctx, p, connector.IsTransient, func(ctx context.Context, _ int) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		v, err = g.Evaluator.Authorize(cctx, req.Action, req.Environment, req.ResourceID)
		return err
	})
	return v, err
}

// AffectedResources counts the resources an action touches, from the
// affected_resources param or the length of the resources list. Default 1.
func AffectedResources(params map[string]any) int {
	if v, ok := params["affected_resources"]; ok {
		if f, ok := condition.ToFloat(v); ok {
			return int(f)
		}
	}
	switch r := params["resources"].(type) {
	case []any:
		return len(r)
	case []string:
		return len(r)
	}
	return 1
}
