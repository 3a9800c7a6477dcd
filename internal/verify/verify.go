// Package verify polls post-remediation checks until they pass or time out.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/render"
)

const (
	// DefaultInterval is the pause between polls of one check.
	DefaultInterval = 2 * time.Second
	// DefaultCheckTimeout applies to checks without a timeout.
	DefaultCheckTimeout = 60 * time.Second
)

// Result is the outcome of a validation pass. Passed is the AND of all checks.
type Result struct {
	Passed bool
	Checks []model.CheckResult
}

// Failed returns the first failing check, or nil.
func (r Result) Failed() *model.CheckResult {
	for i := range r.Checks {
		if !r.Checks[i].Passed {
			return &r.Checks[i]
		}
	}
	return nil
}

// Runner evaluates checks in declaration order. A check that fails (timeout,
// bad template, or a permanent connector error) ends the pass: the checks
// after it are recorded as skipped without being polled.
type Runner struct {
	Querier  connector.Querier
	Interval time.Duration
	Log      logrus.FieldLogger

	// OnCheck is called once per check, in order, including skipped ones.
	OnCheck func(model.CheckResult)
}

// Run polls every check against the run context. The returned error is
// non-nil only when ctx ended; Result is still filled in.
func (v *Runner) Run(ctx context.Context, checks []playbook.Check, runCtx map[string]any) (Result, error) {
	res := Result{Passed: true, Checks: make([]model.CheckResult, 0, len(checks))}
	var stop string

	for _, c := range checks {
		var cr model.CheckResult
		if stop != "" {
			cr = model.CheckResult{Name: c.Name, Skipped: true, TimedOut: true, Detail: stop}
		} else {
			cr = v.poll(ctx, c, runCtx)
			if !cr.Passed {
				stop = fmt.Sprintf("not evaluated: check %q failed", c.Name)
			}
		}
		if !cr.Passed {
			res.Passed = false
		}
		res.Checks = append(res.Checks, cr)
		if v.OnCheck != nil {
			v.OnCheck(cr)
		}
	}
	return res, ctx.Err()
}

func (v *Runner) poll(ctx context.Context, c playbook.Check, runCtx map[string]any) model.CheckResult {
	log := v.log().WithField("check", c.Name)
	cr := model.CheckResult{Name: c.Name}

	query, err := render.String(c.Query, runCtx)
	if err != nil {
		cr.Detail = err.Error()
		return cr
	}
	if c.Matcher == nil {
		cr.Detail = "check has no matcher"
		return cr
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	interval := v.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		cr.Polls++
		observed, err := v.Querier.Query(cctx, c.QueryType, query)
		switch {
		case err == nil:
			cr.Observed = observed
			if c.Matcher.Match(observed) {
				cr.Passed = true
				cr.Detail = fmt.Sprintf("%s matched after %d poll(s)", c.Matcher, cr.Polls)
				return cr
			}
			cr.Detail = fmt.Sprintf("observed %s, want %s", condition.Stringify(observed), c.Matcher)
		case errors.Is(err, connector.ErrPermanent):
			cr.Detail = fmt.Sprintf("query failed: %v", err)
			log.WithError(err).Warn("validation query failed permanently")
			return cr
		default:
			cr.Detail = fmt.Sprintf("query failed: %v", err)
			log.WithError(err).Debug("validation query failed, polling again")
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-cctx.Done():
			t.Stop()
			cr.TimedOut = ctx.Err() == nil
			cr.Detail = fmt.Sprintf("timed out after %s and %d poll(s): %s", timeout, cr.Polls, cr.Detail)
			return cr
		}
	}
}

func (v *Runner) log() logrus.FieldLogger {
	if v.Log == nil {
		return logrus.StandardLogger()
	}
	return v.Log
}
