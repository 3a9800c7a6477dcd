package model

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a run lifecycle state.
type State string

const (
	StatePending          State = "pending"
	StateInvestigating    State = "investigating"
	StateDeciding         State = "deciding"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateValidating       State = "validating"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRolledBack       State = "rolled_back"
	StateRollbackFailed   State = "rollback_failed"
	StateDenied           State = "denied"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateRollbackFailed, StateDenied:
		return true
	}
	return false
}

// transitions is the complete edge set. Any non-terminal state may also move
// to Failed (deadline, connector failure).
var transitions = map[State][]State{
	StatePending:          {StateInvestigating},
	StateInvestigating:    {StateDeciding},
	StateDeciding:         {StateAwaitingApproval, StateExecuting, StateDenied, StateCompleted},
	StateAwaitingApproval: {StateExecuting, StateDenied},
	StateExecuting:        {StateValidating, StateRolledBack, StateRollbackFailed},
	StateValidating:       {StateCompleted, StateRolledBack, StateRollbackFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrTerminalState is returned when a transition is attempted out of a terminal state.
	ErrTerminalState = errors.New("run is in a terminal state")
	// ErrInvalidTransition is returned for edges not in the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Outcome summarizes how a terminal run ended.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeRemediated     Outcome = "remediated"
	OutcomeNoAction       Outcome = "no_action"
	OutcomeDenied         Outcome = "denied"
	OutcomeFailed         Outcome = "failed"
	OutcomeRolledBack     Outcome = "rolled_back"
	OutcomeRollbackFailed Outcome = "rollback_failed"
)

// Reason is the failure and terminal-cause taxonomy.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonDefinitionError       Reason = "DefinitionError"
	ReasonInvestigationError    Reason = "InvestigationError"
	ReasonNoMatchingRule        Reason = "NoMatchingRule"
	ReasonPolicyDenied          Reason = "PolicyDenied"
	ReasonApprovalDenied        Reason = "ApprovalDenied"
	ReasonApprovalTimeout       Reason = "ApprovalTimeout"
	ReasonSnapshotUnavailable   Reason = "SnapshotUnavailable"
	ReasonExecutionError        Reason = "ExecutionError"
	ReasonValidationCheckFailed Reason = "ValidationCheckFailed"
	ReasonRollbackFailed        Reason = "RollbackFailed"
	ReasonRunDeadlineExceeded   Reason = "RunDeadlineExceeded"
)

// outcomeFor maps a terminal state to its outcome.
func outcomeFor(s State, reason Reason) Outcome {
	switch s {
	case StateCompleted:
		if reason == ReasonNoMatchingRule {
			return OutcomeNoAction
		}
		return OutcomeRemediated
	case StateDenied:
		return OutcomeDenied
	case StateFailed:
		return OutcomeFailed
	case StateRolledBack:
		return OutcomeRolledBack
	case StateRollbackFailed:
		return OutcomeRollbackFailed
	}
	return OutcomeNone
}

// ManualRollback records an operator-initiated rollback of a terminal run.
type ManualRollback struct {
	At    time.Time `json:"at"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

// ExecutionRun is one triggered playbook instance. It is owned by the engine
// for its whole lifecycle; callers receive copies via Snapshot.
type ExecutionRun struct {
	RunID           string          `json:"run_id"`
	PlaybookName    string          `json:"playbook_name"`
	PlaybookVersion string          `json:"playbook_version"`
	TriggerContext  map[string]any  `json:"trigger_context"`
	Environment     string          `json:"environment,omitempty"`
	ResourceID      string          `json:"resource_id,omitempty"`
	Confidence      float64         `json:"confidence"`
	State           State           `json:"state"`
	Context         map[string]any  `json:"context"`
	SelectedRule    *SelectedRule   `json:"selected_rule,omitempty"`
	Gate            *GateResult     `json:"gate,omitempty"`
	SnapshotID      string          `json:"snapshot_id,omitempty"`
	RolledBack      bool            `json:"rolled_back,omitempty"` // snapshot restored, automatically or by an operator
	ActionAttempts  int             `json:"action_attempts,omitempty"`
	ActionOutcome   map[string]any  `json:"action_outcome,omitempty"`
	Checks          []CheckResult   `json:"checks,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	Outcome         Outcome         `json:"outcome,omitempty"`
	Reason          Reason          `json:"reason,omitempty"`
	Message         string          `json:"message,omitempty"`
	ManualRollback  *ManualRollback `json:"manual_rollback,omitempty"`

	mu sync.RWMutex
}

// NewRun creates a Pending run.
func NewRun(runID, playbook, version string, trigger map[string]any, now time.Time) *ExecutionRun {
	return &ExecutionRun{
		RunID:           runID,
		PlaybookName:    playbook,
		PlaybookVersion: version,
		TriggerContext:  trigger,
		State:           StatePending,
		Context:         make(map[string]any),
		StartedAt:       now.UTC(),
	}
}

// Transition moves the run to the next state. Entering a terminal state stamps
// EndedAt, Outcome, and Reason.
func (r *ExecutionRun) Transition(to State, reason Reason, message string, now time.Time) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.State
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s → %s", ErrTerminalState, from, to)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	r.State = to
	if reason != ReasonNone {
		r.Reason = reason
	}
	if message != "" {
		r.Message = message
	}
	if to.Terminal() {
		end := now.UTC()
		r.EndedAt = &end
		r.Outcome = outcomeFor(to, r.Reason)
	}
	return from, nil
}

// CurrentState returns the state under the read lock.
func (r *ExecutionRun) CurrentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State
}

// Update runs fn with the write lock held. fn must not block.
func (r *ExecutionRun) Update(fn func(r *ExecutionRun)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// MergeContext appends fields into the run context. Later writes overwrite
// earlier same-named fields.
func (r *ExecutionRun) MergeContext(fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range fields {
		r.Context[k] = v
	}
}

// ContextCopy returns a shallow copy of the run context.
func (r *ExecutionRun) ContextCopy() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyMap(r.Context)
}

// Snapshot returns a copy safe to hand to callers.
func (r *ExecutionRun) Snapshot() *ExecutionRun {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := &ExecutionRun{
		RunID:           r.RunID,
		PlaybookName:    r.PlaybookName,
		PlaybookVersion: r.PlaybookVersion,
		TriggerContext:  copyMap(r.TriggerContext),
		Environment:     r.Environment,
		ResourceID:      r.ResourceID,
		Confidence:      r.Confidence,
		State:           r.State,
		Context:         copyMap(r.Context),
		SnapshotID:      r.SnapshotID,
		RolledBack:      r.RolledBack,
		ActionAttempts:  r.ActionAttempts,
		ActionOutcome:   copyMap(r.ActionOutcome),
		Checks:          append([]CheckResult(nil), r.Checks...),
		StartedAt:       r.StartedAt,
		Outcome:         r.Outcome,
		Reason:          r.Reason,
		Message:         r.Message,
	}
	if r.SelectedRule != nil {
		sr := *r.SelectedRule
		sr.Params = copyMap(r.SelectedRule.Params)
		cp.SelectedRule = &sr
	}
	if r.Gate != nil {
		g := *r.Gate
		cp.Gate = &g
	}
	if r.EndedAt != nil {
		end := *r.EndedAt
		cp.EndedAt = &end
	}
	if r.ManualRollback != nil {
		mr := *r.ManualRollback
		cp.ManualRollback = &mr
	}
	return cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
