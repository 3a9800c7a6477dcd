package cli

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/approval"
	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/budget"
	"github.com/ppiankov/playwatch/internal/client"
	"github.com/ppiankov/playwatch/internal/config"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/notify"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/ratelimit"
	"github.com/ppiankov/playwatch/internal/remediate"
	"github.com/ppiankov/playwatch/internal/store"

	// Connector providers register themselves by name.
	_ "github.com/ppiankov/playwatch/internal/connector/httpconn"
	_ "github.com/ppiankov/playwatch/internal/connector/static"
)

// stack is a fully wired engine plus everything that must be closed with it.
type stack struct {
	engine    *engine.Engine
	policy    *policy.Local
	approvals *approval.Store

	closers []func() error
}

// Close stops the engine first so in-flight runs can still reach the sinks
// and stores, then closes those in reverse order of opening.
func (r *stack) Close() error {
	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// newRegistry opens the configured connector and loads the built-in and
// directory playbooks validated against its actions.
func newRegistry(cfg *config.Config) (*playbook.Registry, connector.Provider, error) {
	provider, err := connector.Open(cfg.Connectors)
	if err != nil {
		return nil, nil, err
	}
	reg := playbook.NewRegistry(playbook.Options{KnownAction: connector.ActionSet(provider.Actions())})
	if err := reg.LoadBuiltins(); err != nil {
		return nil, nil, err
	}
	return reg, provider, nil
}

// buildStack wires an engine from cfg. Rejected playbook documents are
// logged and skipped; every other failure aborts.
func buildStack(cfg *config.Config, log *logrus.Logger) (_ *stack, err error) {
	rt := &stack{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	reg, provider, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PlaybookDir != "" {
		defs, lerr := reg.LoadDir(cfg.PlaybookDir)
		var le *playbook.LoadError
		switch {
		case errors.As(lerr, &le):
			log.WithError(lerr).Warn("some playbooks were rejected")
		case lerr != nil:
			return nil, lerr
		}
		log.WithFields(logrus.Fields{"dir": cfg.PlaybookDir, "loaded": len(defs)}).Info("playbooks loaded")
	}

	polCfg, hash, err := policy.LoadConfigWithHash(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	rt.policy = policy.NewLocal(polCfg, hash)
	var evaluator policy.Evaluator = rt.policy
	if cfg.Policy.Remote != "" {
		c, err := client.New(cfg.Policy.Remote)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, c.Close)
		evaluator = c
		log.WithField("remote", cfg.Policy.Remote).Info("using remote policy evaluator")
	}

	counter, err := budget.Open(cfg.BlastRadius)
	if err != nil {
		return nil, err
	}
	var locker remediate.Locker
	if r, ok := counter.(*budget.Redis); ok {
		rt.closers = append(rt.closers, r.Close)
		locker = &remediate.RedisLocks{Client: r.Client(), Prefix: cfg.BlastRadius.Redis.KeyPrefix + "lock:", Log: log}
	}

	notifier, closeNotify, err := notify.FromConfig(cfg.Notify, log)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeNotify)

	rt.approvals, err = approval.NewStore(cfg.ApprovalDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditLog)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, auditLog.Close)

	var archive *store.Archive
	if cfg.Archive != "" {
		archive, err = store.Open(cfg.Archive)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, archive.Close)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimits.HasLimits() {
		limiter = ratelimit.New(cfg.RateLimits)
	}

	rt.engine, err = engine.New(engine.Options{
		Registry:      reg,
		Connector:     provider,
		Evaluator:     evaluator,
		Policy:        rt.policy,
		Counter:       counter,
		Locker:        locker,
		Approvals:     rt.approvals,
		Notifier:      notifier,
		Audit:         auditLog,
		Archive:       archive,
		Limiter:       limiter,
		Config:        cfg.Engine,
		UrgentChannel: cfg.Notify.UrgentChannel,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}
	rt.engine.ListPlaybooks() // primes the playbooks gauge
	return rt, nil
}
