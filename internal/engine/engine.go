// Package engine runs playbooks. It owns every ExecutionRun from trigger to
// archive and sequences investigation, decision, gating, remediation,
// validation, and failure handling into one lifecycle per incident.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/approval"
	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/budget"
	"github.com/ppiankov/playwatch/internal/config"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/failure"
	"github.com/ppiankov/playwatch/internal/notify"
	"github.com/ppiankov/playwatch/internal/observability"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/ratelimit"
	"github.com/ppiankov/playwatch/internal/remediate"
	"github.com/ppiankov/playwatch/internal/retry"
	"github.com/ppiankov/playwatch/internal/store"
)

var (
	// ErrRunNotFound is returned for run ids neither in memory nor archived.
	ErrRunNotFound = errors.New("run not found")
	// ErrPlaybookNotFound is returned when no definition has the name.
	ErrPlaybookNotFound = playbook.ErrNotFound
	// ErrTriggerMismatch is returned when an alert does not fire the named playbook.
	ErrTriggerMismatch = errors.New("alert does not match playbook trigger")
	// ErrInvalidAlert is returned for alerts with malformed conventional keys.
	ErrInvalidAlert = errors.New("invalid alert context")
	// ErrNotAwaitingApproval is returned when approving or denying a run that is not parked.
	ErrNotAwaitingApproval = errors.New("run is not awaiting approval")
	// ErrRunActive is returned for operations that need a terminal run.
	ErrRunActive = errors.New("run is still active")
	// ErrNoSnapshot is returned when rolling back a run that never took a snapshot.
	ErrNoSnapshot = errors.New("run has no snapshot")
	// ErrClosed is returned by Trigger after Close.
	ErrClosed = errors.New("engine is closed")
	// ErrRateLimited is returned by Trigger when the playbook was triggered
	// for the same resource too often.
	ErrRateLimited = errors.New("trigger rate limited")
)

// PolicySource supplies the active policy config and its hash.
// *policy.Local satisfies it.
type PolicySource interface {
	Config() (*policy.PolicyConfig, string)
}

// Options wires the engine's collaborators. Registry and Connector are
// required; everything else has an in-process default.
type Options struct {
	Registry  *playbook.Registry
	Connector connector.Provider

	// Evaluator is the external policy evaluator. Nil skips the policy step.
	Evaluator policy.Evaluator
	// Policy supplies thresholds and blast-radius limits. Nil uses defaults.
	Policy PolicySource

	Counter   budget.Counter
	Locker    remediate.Locker
	Approvals *approval.Store // optional file-backed approval requests
	Notifier  notify.Notifier
	Audit     *audit.Log
	Archive   *store.Archive     // optional; terminal runs leave memory once archived
	Limiter   *ratelimit.Limiter // optional trigger throttle

	Config        config.Engine
	UrgentChannel string
	Log           logrus.FieldLogger

	Now   func() time.Time
	NewID func() string
}

// Engine is the run coordinator. It is safe for concurrent use.
type Engine struct {
	registry  *playbook.Registry
	provider  connector.Provider
	policy    PolicySource
	gate      *policy.Gate
	counter   budget.Counter
	locker    remediate.Locker
	approvals *approval.Store
	notifier  notify.Notifier
	audit     *audit.Log
	archive   *store.Archive
	limiter   *ratelimit.Limiter
	remediate *remediate.Executor
	failures  *failure.Handler
	cfg       config.Engine
	log       logrus.FieldLogger
	now       func() time.Time
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	runs      map[string]*runState
	rollbacks map[string]*rollbackLock // manual rollbacks in progress, by run id
	closed    bool
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: playbook registry is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("engine: connector is required")
	}

	e := &Engine{
		registry:  opts.Registry,
		provider:  opts.Connector,
		policy:    opts.Policy,
		counter:   opts.Counter,
		locker:    opts.Locker,
		approvals: opts.Approvals,
		notifier:  opts.Notifier,
		audit:     opts.Audit,
		archive:   opts.Archive,
		limiter:   opts.Limiter,
		cfg:       withDefaults(opts.Config),
		log:       opts.Log,
		now:       opts.Now,
		newID:     opts.NewID,
		runs:      make(map[string]*runState),
		rollbacks: make(map[string]*rollbackLock),
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.counter == nil {
		e.counter = budget.NewMemory()
	}
	if e.locker == nil {
		e.locker = remediate.NewLocks()
	}
	if e.notifier == nil {
		e.notifier = notify.NewDispatcher(e.log)
	}
	if e.audit == nil {
		l, err := audit.Open("")
		if err != nil {
			return nil, err
		}
		e.audit = l
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}

	e.gate = &policy.Gate{
		Evaluator: opts.Evaluator,
		Counter:   e.counter,
		Config:    e.policyConfig,
		Timeout:   e.cfg.PolicyTimeout,
	}
	e.remediate = &remediate.Executor{
		Actuator:      e.provider,
		Retry:         retry.Policy{Attempts: e.cfg.ActionRetries, Base: e.cfg.RetryBase, Factor: 2, Jitter: 0.2},
		ActionTimeout: e.cfg.ActionTimeout,
		Log:           e.log,
	}
	e.failures = &failure.Handler{
		Rollbacker:    e.remediate,
		Notifier:      e.notifier,
		UrgentChannel: opts.UrgentChannel,
		Log:           e.log,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// withDefaults fills zero tunables from the built-in configuration. The
// approval SLA and run deadline stay disabled when zero.
func withDefaults(c config.Engine) config.Engine {
	d := config.Default().Engine
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.PolicyTimeout <= 0 {
		c.PolicyTimeout = d.PolicyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ActionRetries <= 0 {
		c.ActionRetries = d.ActionRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = d.DefaultConfidence
	}
	return c
}

func (e *Engine) policyConfig() *policy.PolicyConfig {
	if e.policy == nil {
		return policy.DefaultConfig()
	}
	cfg, _ := e.policy.Config()
	if cfg == nil {
		return policy.DefaultConfig()
	}
	return cfg
}

func (e *Engine) policyHash() string {
	if e.policy == nil {
		return ""
	}
	_, hash := e.policy.Config()
	return hash
}

// Registry returns the playbook registry the engine runs from.
func (e *Engine) Registry() *playbook.Registry { return e.registry }

// Validate checks a playbook document without registering it.
func (e *Engine) Validate(data []byte) *playbook.Result {
	return playbook.Validate(data, e.registry.Options())
}

// ListPlaybooks returns the active definitions.
func (e *Engine) ListPlaybooks() []playbook.Summary {
	defs := e.registry.List()
	observability.PlaybooksLoaded.Set(float64(len(defs)))
	out := make([]playbook.Summary, len(defs))
	for i, d := range defs {
		out[i] = d.Summarize()
	}
	return out
}

// Match returns the playbooks an alert of the given type and severity fires.
func (e *Engine) Match(alertType, severity string) []playbook.Summary {
	var out []playbook.Summary
	for _, d := range e.registry.Match(alertType, severity) {
		out = append(out, d.Summarize())
	}
	return out
}

// Close stops accepting triggers, cancels active runs, and waits for them to
// reach a terminal state.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}
