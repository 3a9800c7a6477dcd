// Package remediate applies a selected remediation: it takes a rollback
// snapshot, then executes the action with bounded retries.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/retry"
)

// DefaultActionTimeout bounds one connector action call.
const DefaultActionTimeout = 60 * time.Second

// ErrSnapshotUnavailable means no rollback point could be created. Nothing
// was mutated.
var ErrSnapshotUnavailable = errors.New("snapshot unavailable")

// ActionError is returned when the action failed permanently or exhausted
// its retries.
type ActionError struct {
	Action   string
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed after %d attempt(s): %v", e.Action, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Request describes one remediation.
type Request struct {
	RunID      string
	ResourceID string
	Action     string
	Params     map[string]any
}

// Outcome is the result of a successful remediation.
type Outcome struct {
	SnapshotID string
	Attempts   int
	Result     map[string]any
}

// Executor drives the action connector.
type Executor struct {
	Actuator      connector.Actuator
	Retry         retry.Policy
	ActionTimeout time.Duration
	Log           logrus.FieldLogger
}

// Execute snapshots the resource, reports the snapshot id through onSnapshot
// before any mutating call, then runs the action. The caller must hold the
// target lock for the whole call and until validation ends.
func (x *Executor) Execute(ctx context.Context, req Request, onSnapshot func(snapshotID string)) (*Outcome, error) {
	log := x.log().WithFields(logrus.Fields{"run_id": req.RunID, "action": req.Action, "resource_id": req.ResourceID})

	var snapshotID string
	_, err := retry.Do(ctx, x.policy(), connector.IsTransient, func(ctx context.Context, attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, x.timeout())
		defer cancel()
		id, err := x.Actuator.CreateSnapshot(cctx, req.ResourceID)
		if err == nil && id == "" {
			err = connector.Permanent(errors.New("connector returned an empty snapshot id"))
		}
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("snapshot attempt failed")
			return err
		}
		snapshotID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	if onSnapshot != nil {
		onSnapshot(snapshotID)
	}
	log.WithField("snapshot_id", snapshotID).Info("snapshot created")

	var result map[string]any
	attempts, err := retry.Do(ctx, x.policy(), connector.IsTransient, func(ctx context.Context, attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, x.timeout())
		defer cancel()
		out, err := x.Actuator.ExecuteAction(cctx, req.Action, req.Params)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("action attempt failed")
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return &Outcome{SnapshotID: snapshotID, Attempts: attempts}, &ActionError{Action: req.Action, Attempts: attempts, Err: err}
	}
	return &Outcome{SnapshotID: snapshotID, Attempts: attempts, Result: result}, nil
}

// Rollback restores a snapshot. It is never retried: a failed rollback needs
// a human.
func (x *Executor) Rollback(ctx context.Context, snapshotID string) error {
	cctx, cancel := context.WithTimeout(ctx, x.timeout())
	defer cancel()
	return x.Actuator.Rollback(cctx, snapshotID)
}

func (x *Executor) policy() retry.Policy {
	if x.Retry.Attempts == 0 {
		return retry.Default()
	}
	return x.Retry
}

func (x *Executor) timeout() time.Duration {
	if x.ActionTimeout <= 0 {
		return DefaultActionTimeout
	}
	return x.ActionTimeout
}

func (x *Executor) log() logrus.FieldLogger {
	if x.Log == nil {
		return logrus.StandardLogger()
	}
	return x.Log
}
