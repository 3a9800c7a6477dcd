package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/approval"
	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/condition"
	"github.com/ppiankov/playwatch/internal/decision"
	"github.com/ppiankov/playwatch/internal/failure"
	"github.com/ppiankov/playwatch/internal/investigate"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/notify"
	"github.com/ppiankov/playwatch/internal/observability"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/remediate"
	"github.com/ppiankov/playwatch/internal/verify"
)

// verdict is a human answer to an approval request.
type verdict struct {
	approved bool
	by, note string
}

// runState is the engine's handle on one run.
type runState struct {
	run *model.ExecutionRun
	def *playbook.Definition
	log logrus.FieldLogger

	// mu is the per-run append lock: a transition and its audit entry are
	// written under it, so the trail follows the state sequence exactly.
	mu       sync.Mutex
	resolved bool // approval answered
	verdicts chan verdict
	done     chan struct{}
}

func newRunState(run *model.ExecutionRun, def *playbook.Definition, log logrus.FieldLogger) *runState {
	return &runState{
		run:      run,
		def:      def,
		log:      log.WithFields(logrus.Fields{"run_id": run.RunID, "playbook": run.PlaybookName}),
		verdicts: make(chan verdict, 1),
		done:     make(chan struct{}),
	}
}

// record appends one audit entry for the run. Callers hold rs.mu.
func (e *Engine) record(rs *runState, entry audit.Entry) {
	entry.RunID = rs.run.RunID
	entry.Playbook = rs.run.PlaybookName
	if _, err := e.audit.Record(entry); err != nil {
		rs.log.WithError(err).WithField("kind", entry.Kind).Error("audit write failed")
	}
}

// appendAudit records a non-transition entry under the run's append lock.
func (e *Engine) appendAudit(rs *runState, entry audit.Entry) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e.record(rs, entry)
}

// transition moves the run and writes exactly one audit entry for it.
func (e *Engine) transition(rs *runState, to model.State, reason model.Reason, message string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	from, err := rs.run.Transition(to, reason, message, e.now())
	if err != nil {
		rs.log.WithError(err).Error("transition rejected")
		return err
	}
	decisionText := string(to)
	if reason != model.ReasonNone {
		decisionText = string(reason)
	}
	e.record(rs, audit.Entry{
		Kind:      audit.KindTransition,
		Step:      string(to),
		From:      string(from),
		To:        string(to),
		Decision:  decisionText,
		Reasoning: message,
	})
	entry := rs.log.WithFields(logrus.Fields{"from": from, "to": to})
	if reason != model.ReasonNone {
		entry = entry.WithField("reason", reason)
	}
	entry.Info(message)
	return nil
}

// fail ends the run in Failed. A canceled run context always reports the
// deadline, whatever the operation was doing.
func (e *Engine) fail(ctx context.Context, rs *runState, reason model.Reason, message string) {
	if ctx.Err() != nil {
		reason, message = model.ReasonRunDeadlineExceeded, deadlineMessage(ctx, message)
	}
	e.transition(rs, model.StateFailed, reason, message)
}

func deadlineMessage(ctx context.Context, during string) string {
	cause := "run canceled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = "maximum run duration exceeded"
	}
	if during == "" {
		return cause
	}
	return cause + " during " + during
}

// execute drives one run to a terminal state.
func (e *Engine) execute(ctx context.Context, rs *runState) {
	defer close(rs.done)
	defer e.finish(rs)

	if e.cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.MaxRunDuration)
		defer cancel()
	}

	if e.transition(rs, model.StateInvestigating, model.ReasonNone, fmt.Sprintf("running %d investigation step(s)", len(rs.def.Steps))) != nil {
		return
	}
	if err := e.investigate(ctx, rs); err != nil {
		e.fail(ctx, rs, model.ReasonInvestigationError, err.Error())
		return
	}

	if e.transition(rs, model.StateDeciding, model.ReasonNone, fmt.Sprintf("evaluating %d decision rule(s)", len(rs.def.Rules))) != nil {
		return
	}
	match := e.decide(rs)
	if match == nil {
		e.transition(rs, model.StateCompleted, model.ReasonNoMatchingRule, "no decision rule matched the investigation context")
		return
	}
	if len(match.Unresolved) > 0 {
		e.fail(ctx, rs, model.ReasonInvestigationError, fmt.Sprintf("params of rule %d reference missing fields: %s", match.Index, strings.Join(match.Unresolved, ", ")))
		return
	}

	gate := e.authorize(ctx, rs)
	switch gate.Decision {
	case model.AutoExecute:
	case model.RequireApproval, model.Escalate:
		if !e.awaitApproval(ctx, rs, gate) {
			return
		}
	case model.Deny:
		e.transition(rs, model.StateDenied, model.ReasonPolicyDenied, gate.Reason)
		return
	default:
		e.transition(rs, model.StateDenied, model.ReasonPolicyDenied, fmt.Sprintf("unknown gate decision %q", gate.Decision))
		return
	}

	e.remediateAndValidate(ctx, rs)
}

func (e *Engine) investigate(ctx context.Context, rs *runState) error {
	x := &investigate.Executor{
		Querier:     e.provider,
		Workers:     e.cfg.Workers,
		StepTimeout: e.cfg.StepTimeout,
		Log:         rs.log,
		OnStep: func(res investigate.StepResult) {
			rs.run.MergeContext(res.Fields)
			e.appendAudit(rs, stepEntry(res))
		},
		Observe: func(step playbook.Step, d time.Duration, err error) {
			observability.ObserveQuery(string(step.QueryType), d, err)
		},
	}
	_, err := x.Run(ctx, rs.def, rs.run.ContextCopy())
	return err
}

func stepEntry(res investigate.StepResult) audit.Entry {
	e := audit.Entry{Kind: audit.KindStep, Step: res.Name, Decision: "ok"}
	switch {
	case res.Skipped:
		e.Decision = "skipped"
		e.Reasoning = fmt.Sprintf("optional step failed: %v", res.Err)
	case res.Err != nil:
		e.Decision = "failed"
		e.Reasoning = res.Err.Error()
	default:
		e.Reasoning = fmt.Sprintf("query %q extracted %s in %s", res.Query, condition.Stringify(res.Fields), res.Duration.Round(time.Millisecond))
	}
	return e
}

// decide evaluates the decision tree and records the trace.
func (e *Engine) decide(rs *runState) *decision.Match {
	match, trace := decision.EvaluateTrace(rs.def.Rules, rs.run.ContextCopy())
	var tried []string
	for _, t := range trace {
		s := fmt.Sprintf("#%d %q=%t", t.Index, t.Condition, t.Matched)
		if len(t.Missing) > 0 {
			s += fmt.Sprintf(" (missing %s)", strings.Join(t.Missing, ", "))
		}
		tried = append(tried, s)
	}
	entry := audit.Entry{Kind: audit.KindDecision, Step: "decision_tree", Decision: "no_match", Reasoning: strings.Join(tried, "; ")}
	if match != nil {
		sel := match.Selected()
		rs.run.Update(func(r *model.ExecutionRun) { r.SelectedRule = sel })
		entry.Decision = fmt.Sprintf("%s risk=%s", sel.Action, sel.RiskLevel)
		entry.Reasoning += fmt.Sprintf("; params %s", condition.Stringify(sel.Params))
	}
	e.appendAudit(rs, entry)
	return match
}

func (e *Engine) authorize(ctx context.Context, rs *runState) model.GateResult {
	run := rs.run.Snapshot()
	sel := run.SelectedRule
	res := e.gate.Authorize(ctx, policy.Request{
		Action:      sel.Action,
		Risk:        sel.RiskLevel,
		Params:      sel.Params,
		Environment: run.Environment,
		ResourceID:  run.ResourceID,
		Confidence:  run.Confidence,
	})
	observability.GateDecisionsTotal.WithLabelValues(string(res.Decision)).Inc()
	rs.run.Update(func(r *model.ExecutionRun) { r.Gate = &res })

	reasoning := fmt.Sprintf("%s [%s]", res.Reason, res.PolicyID)
	if hash := e.policyHash(); hash != "" {
		reasoning += " policy=" + shortHash(hash)
	}
	e.appendAudit(rs, audit.Entry{Kind: audit.KindGate, Step: sel.Action, Decision: string(res.Decision), Reasoning: reasoning})
	return res
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// awaitApproval parks the run until a human answers. It reports whether the
// remediation may proceed; on false the run is already terminal.
func (e *Engine) awaitApproval(ctx context.Context, rs *runState, gate model.GateResult) bool {
	run := rs.run.Snapshot()
	sel := run.SelectedRule

	if e.approvals != nil {
		req := approval.Approval{
			RunID:     run.RunID,
			Playbook:  run.PlaybookName,
			Action:    sel.Action,
			RiskLevel: string(sel.RiskLevel),
			Resource:  run.ResourceID,
			Decision:  string(gate.Decision),
			Reason:    gate.Reason,
			CreatedAt: e.now().UTC(),
		}
		if e.cfg.ApprovalSLA > 0 {
			exp := req.CreatedAt.Add(e.cfg.ApprovalSLA)
			req.ExpiresAt = &exp
		}
		if err := e.approvals.Request(req); err != nil {
			rs.log.WithError(err).Warn("approval request not persisted")
		}
	}

	event := notify.Event{
		Type:     notify.EventApprovalRequired,
		Urgency:  notify.UrgencyNormal,
		Channel:  rs.def.OnFailure.EscalationChannel,
		RunID:    run.RunID,
		Playbook: run.PlaybookName,
		State:    string(model.StateAwaitingApproval),
		Resource: run.ResourceID,
		Action:   sel.Action,
		Decision: string(gate.Decision),
		Reason:   gate.Reason,
	}
	if gate.Decision == model.Escalate {
		event.Type = notify.EventEscalation
		event.Urgency = notify.UrgencyHigh
		event.Reasoning = e.reasoning(rs)
	}
	e.send(ctx, rs, event)
	if e.transition(rs, model.StateAwaitingApproval, model.ReasonNone, gate.Reason) != nil {
		return false
	}

	var sla <-chan time.Time
	if e.cfg.ApprovalSLA > 0 {
		t := time.NewTimer(e.cfg.ApprovalSLA)
		defer t.Stop()
		sla = t.C
	}

	onVerdict := func(v verdict) bool {
		if v.approved {
			return true
		}
		msg := fmt.Sprintf("denied by %s", v.by)
		if v.note != "" {
			msg += ": " + v.note
		}
		e.transition(rs, model.StateDenied, model.ReasonApprovalDenied, msg)
		return false
	}

	select {
	case v := <-rs.verdicts:
		return onVerdict(v)
	case <-sla:
		rs.mu.Lock()
		answered := rs.resolved
		rs.resolved = true
		rs.mu.Unlock()
		if answered {
			return onVerdict(<-rs.verdicts)
		}
		if e.approvals != nil {
			if _, err := e.approvals.Expire(run.RunID); err != nil {
				rs.log.WithError(err).Debug("approval request not expired")
			}
		}
		e.transition(rs, model.StateFailed, model.ReasonApprovalTimeout, fmt.Sprintf("no approval within %s", e.cfg.ApprovalSLA))
		return false
	case <-ctx.Done():
		e.fail(ctx, rs, model.ReasonRunDeadlineExceeded, "approval wait")
		return false
	}
}

// remediateAndValidate holds the resource lock and a blast-radius slot from
// before the snapshot until the run is terminal.
func (e *Engine) remediateAndValidate(ctx context.Context, rs *runState) {
	run := rs.run.Snapshot()
	sel := run.SelectedRule

	unlock, err := e.locker.Lock(ctx, run.Environment, run.ResourceID, run.RunID)
	if err != nil {
		e.fail(ctx, rs, model.ReasonExecutionError, fmt.Sprintf("resource lock unavailable: %v", err))
		return
	}
	defer unlock()

	limit := e.policyConfig().BlastRadius.ConcurrentLimit(run.Environment)
	ok, err := e.counter.Acquire(ctx, run.Environment, run.RunID, limit)
	switch {
	case err != nil:
		e.transition(rs, model.StateDenied, model.ReasonPolicyDenied, fmt.Sprintf("blast-radius counter unavailable: %v", err))
		return
	case !ok:
		e.transition(rs, model.StateDenied, model.ReasonPolicyDenied, fmt.Sprintf("blast radius for %q reached its limit of %d", run.Environment, limit))
		return
	}
	observability.ActiveRemediations.WithLabelValues(run.Environment).Inc()
	defer func() {
		observability.ActiveRemediations.WithLabelValues(run.Environment).Dec()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.counter.Release(rctx, run.Environment, run.RunID); err != nil {
			rs.log.WithError(err).Error("blast-radius slot not released")
		}
	}()

	if e.transition(rs, model.StateExecuting, model.ReasonNone, fmt.Sprintf("executing %s on %s", sel.Action, run.ResourceID)) != nil {
		return
	}
	out, err := e.remediate.Execute(ctx, remediate.Request{
		RunID:      run.RunID,
		ResourceID: run.ResourceID,
		Action:     sel.Action,
		Params:     sel.Params,
	}, func(snapshotID string) {
		rs.run.Update(func(r *model.ExecutionRun) { r.SnapshotID = snapshotID })
		e.appendAudit(rs, audit.Entry{Kind: audit.KindSnapshot, Step: sel.Action, Decision: "snapshot_created", Reasoning: snapshotID})
	})
	if out != nil {
		rs.run.Update(func(r *model.ExecutionRun) {
			r.ActionAttempts = out.Attempts
			r.ActionOutcome = out.Result
		})
	}
	switch {
	case errors.Is(err, remediate.ErrSnapshotUnavailable):
		e.fail(ctx, rs, model.ReasonSnapshotUnavailable, err.Error())
		return
	case err != nil && ctx.Err() != nil:
		e.handleFailure(ctx, rs, model.ReasonRunDeadlineExceeded, deadlineMessage(ctx, sel.Action))
		return
	case err != nil:
		e.handleFailure(ctx, rs, model.ReasonExecutionError, err.Error())
		return
	}
	e.appendAudit(rs, audit.Entry{
		Kind:      audit.KindStep,
		Step:      sel.Action,
		Decision:  "executed",
		Reasoning: fmt.Sprintf("%d attempt(s), outcome %s", out.Attempts, condition.Stringify(out.Result)),
	})
	if len(out.Result) > 0 {
		fields := make(map[string]any, len(out.Result))
		for k, v := range out.Result {
			fields["action."+k] = v
		}
		rs.run.MergeContext(fields)
	}

	if e.transition(rs, model.StateValidating, model.ReasonNone, fmt.Sprintf("polling %d validation check(s)", len(rs.def.Checks))) != nil {
		return
	}
	v := &verify.Runner{
		Querier:  e.provider,
		Interval: e.cfg.PollInterval,
		Log:      rs.log,
		OnCheck: func(cr model.CheckResult) {
			e.appendAudit(rs, checkEntry(cr))
		},
	}
	result, err := v.Run(ctx, rs.def.Checks, rs.run.ContextCopy())
	rs.run.Update(func(r *model.ExecutionRun) { r.Checks = result.Checks })
	if err != nil {
		e.handleFailure(ctx, rs, model.ReasonRunDeadlineExceeded, deadlineMessage(ctx, "validation"))
		return
	}
	if !result.Passed {
		f := result.Failed()
		e.handleFailure(ctx, rs, model.ReasonValidationCheckFailed, fmt.Sprintf("validation check %q failed: %s", f.Name, f.Detail))
		return
	}
	e.transition(rs, model.StateCompleted, model.ReasonNone, fmt.Sprintf("%d validation check(s) passed", len(result.Checks)))
}

func checkEntry(cr model.CheckResult) audit.Entry {
	e := audit.Entry{Kind: audit.KindCheck, Step: cr.Name, Reasoning: cr.Detail}
	switch {
	case cr.Passed:
		e.Decision = "passed"
	case cr.Skipped:
		e.Decision = "skipped"
	case cr.TimedOut:
		e.Decision = "timed_out"
	default:
		e.Decision = "failed"
	}
	return e
}

// handleFailure runs the failure handler and applies its terminal state.
// Rollback and escalation outlive the run context.
func (e *Engine) handleFailure(ctx context.Context, rs *runState, reason model.Reason, cause string) {
	out := e.failures.Handle(context.WithoutCancel(ctx), failure.Input{
		Run:        rs.run,
		Definition: rs.def,
		Reason:     reason,
		Cause:      cause,
		Reasoning:  e.reasoning(rs),
	})
	if out.RolledBack {
		rs.run.Update(func(r *model.ExecutionRun) { r.RolledBack = true })
	}
	e.transition(rs, out.State, out.Reason, out.Message)
}

// reasoning renders the run's trail so far for humans.
func (e *Engine) reasoning(rs *runState) []string {
	entries := e.audit.Entries(rs.run.RunID)
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		line := fmt.Sprintf("%s %s: %s", en.Kind, en.Step, en.Decision)
		if en.Reasoning != "" {
			line += " (" + en.Reasoning + ")"
		}
		out = append(out, line)
	}
	return out
}

// send delivers a notification without letting the run context cut it short.
func (e *Engine) send(ctx context.Context, rs *runState, event notify.Event) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.notifier.Notify(nctx, event); err != nil {
		rs.log.WithError(err).WithField("event", event.Type).Error("notification delivery failed")
	}
}

// finish counts the run and archives it.
func (e *Engine) finish(rs *runState) {
	run := rs.run.Snapshot()
	observability.RunsTotal.WithLabelValues(run.PlaybookName, string(run.State)).Inc()
	rs.log.WithFields(logrus.Fields{"state": run.State, "outcome": run.Outcome}).Info("run finished")
	e.archiveRun(rs)
}

// archiveRun archives a terminal run and drops it from memory. Without an archive
// the run stays in memory.
func (e *Engine) archiveRun(rs *runState) {
	if e.archive == nil {
		return
	}
	runID := rs.run.RunID
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.archive.Save(ctx, rs.run, e.audit.Entries(runID)); err != nil {
		rs.log.WithError(err).Error("run not archived, keeping it in memory")
		return
	}
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
	e.audit.Forget(runID)
}
