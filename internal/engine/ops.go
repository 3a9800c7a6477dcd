package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/approval"
	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/decision"
	"github.com/ppiankov/playwatch/internal/investigate"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/notify"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/store"
)

// RunRecord is a run with its audit trail.
type RunRecord struct {
	Run   *model.ExecutionRun `json:"run"`
	Audit []audit.Entry       `json:"audit"`
}

// DryRunResult previews a playbook against a sample context. Nothing is
// queried and nothing is mutated.
type DryRunResult struct {
	Playbook        string                    `json:"playbook"`
	Steps           []investigate.PlannedStep `json:"steps"`
	Rules           []decision.Trace          `json:"rules"`
	WouldSelectRule *model.SelectedRule       `json:"would_select_rule"`
	ResolvedParams  map[string]any            `json:"resolved_params,omitempty"`
	Unresolved      []string                  `json:"unresolved,omitempty"`
	Gate            *model.GateResult         `json:"gate,omitempty"`
}

// DryRun previews the named playbook.
func (e *Engine) DryRun(name string, sample map[string]any) (*DryRunResult, error) {
	def, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return e.DryRunDefinition(def, sample)
}

// DryRunDocument validates a playbook document and previews it.
func (e *Engine) DryRunDocument(data []byte, sample map[string]any) (*DryRunResult, error) {
	def, res := playbook.Parse(data, e.registry.Options())
	if err := res.Err(); err != nil {
		return nil, err
	}
	return e.DryRunDefinition(def, sample)
}

// DryRunDefinition renders def's steps against sample and evaluates the
// decision tree as if the sample were the investigation result. The gate
// preview applies only the risk and confidence table.
func (e *Engine) DryRunDefinition(def *playbook.Definition, sample map[string]any) (*DryRunResult, error) {
	if sample == nil {
		sample = map[string]any{}
	}
	a, err := normalizeAlert(def, sample, e.cfg.DefaultConfidence)
	if err != nil {
		return nil, err
	}
	ctx := a.seed()

	out := &DryRunResult{Playbook: def.Name, Steps: investigate.Plan(def, ctx)}
	match, trace := decision.EvaluateTrace(def.Rules, ctx)
	out.Rules = trace
	if match != nil {
		out.WouldSelectRule = match.Selected()
		out.ResolvedParams = match.Params
		out.Unresolved = match.Unresolved
		gate := policy.Classify(match.Rule.RiskLevel, a.confidence, e.policyConfig().Thresholds)
		out.Gate = &gate
	}
	return out, nil
}

// Trigger starts a run of the named playbook for alert and returns its id.
// The run proceeds in the background; use GetRun or Wait to follow it.
func (e *Engine) Trigger(ctx context.Context, name string, alertCtx map[string]any) (string, error) {
	def, err := e.registry.Get(name)
	if err != nil {
		return "", err
	}
	a, err := normalizeAlert(def, alertCtx, e.cfg.DefaultConfidence)
	if err != nil {
		return "", err
	}
	if e.limiter != nil {
		if r := e.limiter.Allow(def.Name, a.resourceID, e.now()); r.Exceeded {
			e.log.WithFields(logrus.Fields{"playbook": def.Name, "resource_id": a.resourceID}).Warn(r.Reason)
			return "", fmt.Errorf("%w: %s", ErrRateLimited, r.Reason)
		}
	}

	run := model.NewRun(e.newID(), def.Name, def.Version, a.fields, e.now())
	run.Environment = a.environment
	run.ResourceID = a.resourceID
	run.Confidence = a.confidence
	run.MergeContext(a.seed())
	rs := newRunState(run, def, e.log)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.runs[run.RunID] = rs
	e.wg.Add(1)
	e.mu.Unlock()

	e.appendAudit(rs, audit.Entry{
		Kind:     audit.KindTrigger,
		Step:     def.Name,
		Decision: "triggered",
		Reasoning: fmt.Sprintf("alert %s/%s on %s/%s confidence %.2f, playbook %s@%s",
			a.alertType, a.severity, a.environment, a.resourceID, a.confidence, def.Name, def.Version),
	})
	rs.log.WithField("resource_id", a.resourceID).Info("run triggered")

	go func() {
		defer e.wg.Done()
		e.execute(e.ctx, rs)
	}()
	return run.RunID, nil
}

func (e *Engine) active(runID string) (*runState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.runs[runID]
	return rs, ok
}

// GetRun returns a copy of the run and its trail. Runs no longer in memory
// are read from the archive.
func (e *Engine) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if rs, ok := e.active(runID); ok {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return &RunRecord{Run: rs.run.Snapshot(), Audit: e.audit.Entries(runID)}, nil
	}
	if e.archive != nil {
		run, entries, err := e.archive.Get(ctx, runID)
		if err == nil {
			return &RunRecord{Run: run, Audit: entries}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Playbook string
	State    model.State
	Limit    int
}

// ListRuns returns in-memory and archived runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, f RunFilter) ([]*model.ExecutionRun, error) {
	seen := make(map[string]bool)
	var out []*model.ExecutionRun

	e.mu.RLock()
	for _, rs := range e.runs {
		run := rs.run.Snapshot()
		if (f.Playbook != "" && run.PlaybookName != f.Playbook) || (f.State != "" && run.State != f.State) {
			continue
		}
		seen[run.RunID] = true
		out = append(out, run)
	}
	e.mu.RUnlock()

	if e.archive != nil {
		archived, err := e.archive.List(ctx, store.Filter{Playbook: f.Playbook, State: f.State, Limit: f.Limit})
		if err != nil {
			return nil, err
		}
		for _, run := range archived {
			if !seen[run.RunID] {
				out = append(out, run)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Wait blocks until the run is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, runID string) (*model.ExecutionRun, error) {
	rs, ok := e.active(runID)
	if !ok {
		rec, err := e.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return rec.Run, nil
	}
	select {
	case <-rs.done:
		return rs.run.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Approve lets a run parked in AwaitingApproval proceed to execution.
func (e *Engine) Approve(runID, by, note string) error {
	return e.resolve(runID, verdict{approved: true, by: by, note: note})
}

// Deny ends a run parked in AwaitingApproval as Denied.
func (e *Engine) Deny(runID, by, note string) error {
	return e.resolve(runID, verdict{approved: false, by: by, note: note})
}

func (e *Engine) resolve(runID string, v verdict) error {
	rs, ok := e.active(runID)
	if !ok {
		if _, err := e.GetRun(context.Background(), runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotAwaitingApproval, runID)
	}
	if v.by == "" {
		v.by = "operator"
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.resolved || rs.run.CurrentState() != model.StateAwaitingApproval {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, runID, rs.run.CurrentState())
	}
	rs.resolved = true

	decisionText, storeFn := "approved", e.approveStored
	if !v.approved {
		decisionText, storeFn = "denied", e.denyStored
	}
	storeFn(runID, v.by, v.note, rs)
	reasoning := "by " + v.by
	if v.note != "" {
		reasoning += ": " + v.note
	}
	e.record(rs, audit.Entry{Kind: audit.KindOperator, Step: "approval", Decision: decisionText, Reasoning: reasoning})
	rs.verdicts <- v
	return nil
}

func (e *Engine) approveStored(runID, by, note string, rs *runState) {
	if e.approvals == nil {
		return
	}
	if _, err := e.approvals.Approve(runID, by, note); err != nil && !errors.Is(err, approval.ErrNotFound) {
		rs.log.WithError(err).Warn("approval file not updated")
	}
}

func (e *Engine) denyStored(runID, by, note string, rs *runState) {
	if e.approvals == nil {
		return
	}
	if _, err := e.approvals.Deny(runID, by, note); err != nil && !errors.Is(err, approval.ErrNotFound) {
		rs.log.WithError(err).Warn("approval file not updated")
	}
}

// PendingApprovals lists open approval requests. Empty without an approval store.
func (e *Engine) PendingApprovals() ([]approval.Approval, error) {
	if e.approvals == nil {
		return nil, nil
	}
	return e.approvals.List(approval.StatusPending)
}

// RollbackResult reports a manual rollback.
type RollbackResult struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	// AlreadyRolledBack is set when the snapshot had been restored before
	// and no connector call was made.
	AlreadyRolledBack bool `json:"already_rolled_back,omitempty"`
}

// rollbackLock serializes manual rollbacks of one run. It outlives any
// runState because archived runs get a fresh handle per call.
type rollbackLock struct {
	mu   sync.Mutex
	refs int
}

// lockRollback takes the manual-rollback lock for runID.
func (e *Engine) lockRollback(runID string) func() {
	e.mu.Lock()
	l, ok := e.rollbacks[runID]
	if !ok {
		l = &rollbackLock{}
		e.rollbacks[runID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.rollbacks, runID)
		}
		e.mu.Unlock()
	}
}

// Rollback restores a terminal run's snapshot on operator request. Repeating
// it after a successful restore is a no-op that reports ok. The restore holds
// the resource lock, so it waits for any run remediating the same target. A
// failed restore pages the urgent channel like an automatic one.
func (e *Engine) Rollback(ctx context.Context, runID string) (*RollbackResult, error) {
	unlock := e.lockRollback(runID)
	defer unlock()

	// Read after the lock: a rollback that just finished may have archived
	// the run with RolledBack set.
	rs, archived, err := e.terminalRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	run := rs.run.Snapshot()
	if run.RolledBack || run.SnapshotID == "" {
		if archived {
			e.audit.Forget(runID)
		}
		if run.RolledBack {
			return &RollbackResult{OK: true, SnapshotID: run.SnapshotID, AlreadyRolledBack: true}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, runID)
	}

	release, err := e.locker.Lock(ctx, run.Environment, run.ResourceID, "rollback:"+runID)
	if err != nil {
		if archived {
			e.audit.Forget(runID)
		}
		return nil, fmt.Errorf("rollback of %s: resource lock unavailable: %w", runID, err)
	}
	defer release()

	rerr := e.remediate.Rollback(ctx, run.SnapshotID)
	manual := &model.ManualRollback{At: e.now().UTC(), OK: rerr == nil}
	res := &RollbackResult{OK: rerr == nil, SnapshotID: run.SnapshotID}
	decisionText, reasoning := "rolled_back", "restored "+run.SnapshotID
	if rerr != nil {
		manual.Error = rerr.Error()
		res.Error = rerr.Error()
		decisionText, reasoning = "rollback_failed", fmt.Sprintf("restore of %s failed: %v", run.SnapshotID, rerr)
	}
	rs.run.Update(func(r *model.ExecutionRun) {
		r.ManualRollback = manual
		if rerr == nil {
			r.RolledBack = true
		}
	})
	e.appendAudit(rs, audit.Entry{Kind: audit.KindOperator, Step: "manual_rollback", Decision: decisionText, Reasoning: reasoning})

	if rerr != nil {
		rs.log.WithError(rerr).Error("manual rollback failed")
		e.send(ctx, rs, notify.Event{
			Type:      notify.EventRollbackFailed,
			Urgency:   notify.UrgencyCritical,
			Channel:   e.failures.UrgentChannel,
			RunID:     run.RunID,
			Playbook:  run.PlaybookName,
			State:     string(run.State),
			Resource:  run.ResourceID,
			Reason:    "MANUAL INTERVENTION REQUIRED: " + reasoning,
			Reasoning: e.reasoning(rs),
		})
	} else {
		rs.log.WithField("snapshot_id", run.SnapshotID).Info("manual rollback succeeded")
	}

	if archived || e.archive != nil {
		e.archiveRun(rs)
	}
	return res, nil
}

// terminalRun finds a finished run in memory or in the archive. Archived runs
// get a temporary handle whose trail continues the archived sequence.
func (e *Engine) terminalRun(ctx context.Context, runID string) (*runState, bool, error) {
	if rs, ok := e.active(runID); ok {
		if st := rs.run.CurrentState(); !st.Terminal() {
			return nil, false, fmt.Errorf("%w: %s is %s", ErrRunActive, runID, st)
		}
		return rs, false, nil
	}
	if e.archive == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run, entries, err := e.archive.Get(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, false, err
	}
	def, err := e.registry.Get(run.PlaybookName)
	if err != nil {
		def = &playbook.Definition{Name: run.PlaybookName, Version: run.PlaybookVersion}
	}
	e.audit.Restore(runID, entries)
	rs := newRunState(run, def, e.log)
	close(rs.done)
	return rs, true, nil
}
