package policy

import (
	"context"
	"fmt"
	"sync"
)

// Verdict is a policy evaluator's answer for one action.
type Verdict struct {
	Allow    bool   `json:"allow"`
	Reason   string `json:"reason"`
	PolicyID string `json:"policy_id,omitempty"`
}

// Evaluator decides whether an action may run against a resource.
type Evaluator interface {
	Authorize(ctx context.Context, action, environment, resource string) (Verdict, error)
}

// Local evaluates the rules of a PolicyConfig in-process. The config can be
// swapped on reload.
type Local struct {
	mu   sync.RWMutex
	cfg  *PolicyConfig
	hash string
}

// NewLocal creates an evaluator over cfg. A nil cfg uses DefaultConfig.
func NewLocal(cfg *PolicyConfig, hash string) *Local {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Local{cfg: cfg, hash: hash}
}

// Swap replaces the active config.
func (l *Local) Swap(cfg *PolicyConfig, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.hash = hash
}

// Config returns the active config and its hash.
func (l *Local) Config() (*PolicyConfig, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg, l.hash
}

// Authorize applies the first matching rule. No match allows.
func (l *Local) Authorize(_ context.Context, action, environment, resource string) (Verdict, error) {
	cfg, _ := l.Config()
	for _, rule := range cfg.Rules {
		if !matchRule(rule, action, environment, resource) {
			continue
		}
		allow := parseAllow(rule.Decision)
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %s/%s/%s: %s", rule.Action, rule.Environment, rule.ResourcePattern, rule.Decision)
		}
		return Verdict{Allow: allow, Reason: reason, PolicyID: rulePolicyID(rule)}, nil
	}
	return Verdict{Allow: true, Reason: "no policy rule matched", PolicyID: "default.allow"}, nil
}
