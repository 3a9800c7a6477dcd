// Package failure decides how a failed remediation ends: it restores the
// snapshot when there is one and escalates to humans.
package failure

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/notify"
	"github.com/ppiankov/playwatch/internal/playbook"
)

// Rollbacker restores a snapshot.
type Rollbacker interface {
	Rollback(ctx context.Context, snapshotID string) error
}

// Input describes the failed run.
type Input struct {
	Run        *model.ExecutionRun // read only
	Definition *playbook.Definition
	Reason     model.Reason
	Cause      string
	Reasoning  []string // audit trail so far, oldest first
}

// Outcome is the terminal state the run must move to.
type Outcome struct {
	State       model.State
	Reason      model.Reason
	Message     string
	RolledBack  bool
	RollbackErr error
	Escalated   bool
}

// Handler runs the failure path. It never retries a rollback.
type Handler struct {
	Rollbacker    Rollbacker
	Notifier      notify.Notifier
	UrgentChannel string
	NotifyTimeout time.Duration
	Log           logrus.FieldLogger
}

// Handle rolls back when a snapshot exists and the playbook allows it, then
// escalates. A failed rollback always ends in RollbackFailed and pages the
// urgent channel in addition to the escalation channel.
func (h *Handler) Handle(ctx context.Context, in Input) Outcome {
	run := in.Run.Snapshot()
	log := h.log().WithFields(logrus.Fields{"run_id": run.RunID, "reason": in.Reason})
	onFail := in.Definition.OnFailure

	out := Outcome{State: model.StateFailed, Reason: in.Reason, Message: in.Cause}

	if run.SnapshotID != "" && onFail.Action != playbook.FailureEscalate {
		err := h.Rollbacker.Rollback(ctx, run.SnapshotID)
		switch {
		case err != nil:
			log.WithError(err).WithField("snapshot_id", run.SnapshotID).Error("rollback failed")
			out.State = model.StateRollbackFailed
			out.Reason = model.ReasonRollbackFailed
			out.RollbackErr = err
			out.Message = fmt.Sprintf("%s; rollback of %s failed: %v", in.Cause, run.SnapshotID, err)
		default:
			log.WithField("snapshot_id", run.SnapshotID).Info("rolled back")
			out.RolledBack = true
			out.Message = fmt.Sprintf("%s; rolled back to %s", in.Cause, run.SnapshotID)
			if in.Reason == model.ReasonValidationCheckFailed {
				out.State = model.StateRolledBack
			}
		}
	}

	event := notify.Event{
		Type:      notify.EventEscalation,
		Urgency:   notify.UrgencyHigh,
		Channel:   onFail.EscalationChannel,
		RunID:     run.RunID,
		Playbook:  run.PlaybookName,
		State:     string(out.State),
		Resource:  run.ResourceID,
		Reason:    fmt.Sprintf("%s: %s", out.Reason, out.Message),
		Reasoning: in.Reasoning,
	}
	if run.SelectedRule != nil {
		event.Action = run.SelectedRule.Action
	}

	if onFail.Escalate() || out.State == model.StateRollbackFailed {
		h.send(ctx, log, event)
		out.Escalated = true
	}
	if out.State == model.StateRollbackFailed {
		urgent := event
		urgent.Type = notify.EventRollbackFailed
		urgent.Urgency = notify.UrgencyCritical
		urgent.Channel = h.urgentChannel()
		urgent.Reason = "MANUAL INTERVENTION REQUIRED: " + event.Reason
		h.send(ctx, log, urgent)
	}
	return out
}

func (h *Handler) send(ctx context.Context, log logrus.FieldLogger, event notify.Event) {
	if h.Notifier == nil {
		log.WithField("event", event.Type).Warn("no notifier configured, escalation only logged")
		return
	}
	timeout := h.NotifyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Escalations must go out even when the run's own context is done.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := h.Notifier.Notify(nctx, event); err != nil {
		log.WithError(err).WithField("event", event.Type).Error("escalation delivery failed")
	}
}

func (h *Handler) urgentChannel() string {
	if h.UrgentChannel == "" {
		return notify.DefaultUrgentChannel
	}
	return h.UrgentChannel
}

func (h *Handler) log() logrus.FieldLogger {
	if h.Log == nil {
		return logrus.StandardLogger()
	}
	return h.Log
}
