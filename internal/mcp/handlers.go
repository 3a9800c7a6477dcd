package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/playwatch/internal/audit"
	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/investigate"
	"github.com/ppiankov/playwatch/internal/model"
	"github.com/ppiankov/playwatch/internal/playbook"
)

// --- Input/Output types ---

// ValidateInput defines parameters for the playbook_validate tool.
type ValidateInput struct {
	Document string `json:"document" jsonschema:"playbook YAML document"`
}

// ValidateOutput lists problems found in the document.
type ValidateOutput struct {
	IsValid  bool                  `json:"is_valid"`
	Errors   []playbook.FieldError `json:"errors"`
	Warnings []playbook.FieldError `json:"warnings"`
}

// ListInput defines parameters for the playbook_list tool.
type ListInput struct {
	AlertType string `json:"alert_type,omitempty" jsonschema:"only playbooks triggered by this alert type"`
	Severity  string `json:"severity,omitempty" jsonschema:"alert severity used with alert_type"`
}

// ListOutput lists playbooks.
type ListOutput struct {
	Playbooks []playbook.Summary `json:"playbooks"`
}

// DryRunInput defines parameters for the playbook_dry_run tool.
type DryRunInput struct {
	Playbook string         `json:"playbook,omitempty" jsonschema:"name of a registered playbook"`
	Document string         `json:"document,omitempty" jsonschema:"playbook YAML to preview instead of a registered one"`
	Context  map[string]any `json:"context,omitempty" jsonschema:"sample alert and investigation fields"`
}

// DryRunOutput previews a playbook.
type DryRunOutput struct {
	Playbook       string                    `json:"playbook"`
	Steps          []investigate.PlannedStep `json:"steps"`
	Rules          []RuleTrace               `json:"rules"`
	Matched        bool                      `json:"matched"`
	Action         string                    `json:"action,omitempty"`
	RiskLevel      string                    `json:"risk_level,omitempty"`
	ResolvedParams map[string]any            `json:"resolved_params,omitempty"`
	Unresolved     []string                  `json:"unresolved,omitempty"`
	GateDecision   string                    `json:"gate_decision,omitempty"`
	GateReason     string                    `json:"gate_reason,omitempty"`
}

// RuleTrace reports one decision rule evaluation.
type RuleTrace struct {
	Index     int      `json:"index"`
	Condition string   `json:"condition"`
	Matched   bool     `json:"matched"`
	Missing   []string `json:"missing,omitempty"`
}

// TriggerInput defines parameters for the playbook_trigger tool.
type TriggerInput struct {
	Playbook string         `json:"playbook" jsonschema:"name of the playbook to run"`
	Alert    map[string]any `json:"alert" jsonschema:"alert context: alert_type, severity, environment, resource_id, confidence and any extra fields"`
}

// TriggerOutput returns the new run id.
type TriggerOutput struct {
	RunID string `json:"run_id"`
}

// RunInput addresses a run.
type RunInput struct {
	RunID string `json:"run_id" jsonschema:"run id returned by playbook_trigger"`
}

// RunOutput summarizes a run and its audit trail.
type RunOutput struct {
	RunID        string              `json:"run_id"`
	Playbook     string              `json:"playbook"`
	State        string              `json:"state"`
	Outcome      string              `json:"outcome,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Message      string              `json:"message,omitempty"`
	Environment  string              `json:"environment,omitempty"`
	ResourceID   string              `json:"resource_id,omitempty"`
	Action       string              `json:"action,omitempty"`
	Params       map[string]any      `json:"params,omitempty"`
	SnapshotID   string              `json:"snapshot_id,omitempty"`
	RolledBack   bool                `json:"rolled_back,omitempty"`
	Checks       []model.CheckResult `json:"checks,omitempty"`
	StartedAt    string              `json:"started_at"`
	EndedAt      string              `json:"ended_at,omitempty"`
	AuditEntries []audit.Entry       `json:"audit"`
}

// RollbackOutput reports a manual rollback.
type RollbackOutput struct {
	OK                bool   `json:"ok"`
	Error             string `json:"error,omitempty"`
	SnapshotID        string `json:"snapshot_id,omitempty"`
	AlreadyRolledBack bool   `json:"already_rolled_back,omitempty"`
}

// ResolveInput defines parameters for run_approve and run_deny.
type ResolveInput struct {
	RunID string `json:"run_id" jsonschema:"run waiting for approval"`
	By    string `json:"by,omitempty" jsonschema:"who is deciding"`
	Note  string `json:"note,omitempty" jsonschema:"free-form justification"`
}

// ResolveOutput confirms the decision.
type ResolveOutput struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// PendingInput is empty.
type PendingInput struct{}

// PendingOutput lists all pending approvals.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single approval request.
type PendingItem struct {
	RunID     string `json:"run_id"`
	Playbook  string `json:"playbook"`
	Action    string `json:"action"`
	RiskLevel string `json:"risk_level"`
	Resource  string `json:"resource"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// --- Handlers ---

func (s *Server) handleValidate(ctx context.Context, req *mcpsdk.CallToolRequest, input ValidateInput) (*mcpsdk.CallToolResult, ValidateOutput, error) {
	res := s.engine.Validate([]byte(input.Document))
	out := ValidateOutput{
		IsValid:  res.IsValid(),
		Errors:   append([]playbook.FieldError{}, res.Errors...),
		Warnings: append([]playbook.FieldError{}, res.Warnings...),
	}
	if !out.IsValid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleList(ctx context.Context, req *mcpsdk.CallToolRequest, input ListInput) (*mcpsdk.CallToolResult, ListOutput, error) {
	var list []playbook.Summary
	if input.AlertType != "" {
		list = s.engine.Match(input.AlertType, input.Severity)
	} else {
		list = s.engine.ListPlaybooks()
	}
	return nil, ListOutput{Playbooks: append([]playbook.Summary{}, list...)}, nil
}

func (s *Server) handleDryRun(ctx context.Context, req *mcpsdk.CallToolRequest, input DryRunInput) (*mcpsdk.CallToolResult, DryRunOutput, error) {
	var (
		res *engine.DryRunResult
		err error
	)
	switch {
	case input.Document != "":
		res, err = s.engine.DryRunDocument([]byte(input.Document), input.Context)
	case input.Playbook != "":
		res, err = s.engine.DryRun(input.Playbook, input.Context)
	default:
		return nil, DryRunOutput{}, errors.New("playbook or document is required")
	}
	if err != nil {
		return nil, DryRunOutput{}, err
	}

	out := DryRunOutput{
		Playbook:   res.Playbook,
		Steps:      append([]investigate.PlannedStep{}, res.Steps...),
		Rules:      make([]RuleTrace, len(res.Rules)),
		Unresolved: res.Unresolved,
	}
	for i, tr := range res.Rules {
		out.Rules[i] = RuleTrace{Index: tr.Index, Condition: tr.Condition, Matched: tr.Matched, Missing: tr.Missing}
	}
	if rule := res.WouldSelectRule; rule != nil {
		out.Matched = true
		out.Action = rule.Action
		out.RiskLevel = string(rule.RiskLevel)
		out.ResolvedParams = res.ResolvedParams
	}
	if res.Gate != nil {
		out.GateDecision = string(res.Gate.Decision)
		out.GateReason = res.Gate.Reason
	}
	return nil, out, nil
}

func (s *Server) handleTrigger(ctx context.Context, req *mcpsdk.CallToolRequest, input TriggerInput) (*mcpsdk.CallToolResult, TriggerOutput, error) {
	if input.Playbook == "" {
		return nil, TriggerOutput{}, errors.New("playbook is required")
	}
	id, err := s.engine.Trigger(ctx, input.Playbook, input.Alert)
	if err != nil {
		return nil, TriggerOutput{}, err
	}
	s.log.WithField("run_id", id).Info("run triggered over mcp")
	return nil, TriggerOutput{RunID: id}, nil
}

func (s *Server) handleGetRun(ctx context.Context, req *mcpsdk.CallToolRequest, input RunInput) (*mcpsdk.CallToolResult, RunOutput, error) {
	rec, err := s.engine.GetRun(ctx, input.RunID)
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(rec), nil
}

func runOutput(rec *engine.RunRecord) RunOutput {
	run := rec.Run
	out := RunOutput{
		RunID:        run.RunID,
		Playbook:     run.PlaybookName,
		State:        string(run.State),
		Outcome:      string(run.Outcome),
		Reason:       string(run.Reason),
		Message:      run.Message,
		Environment:  run.Environment,
		ResourceID:   run.ResourceID,
		SnapshotID:   run.SnapshotID,
		RolledBack:   run.RolledBack,
		Checks:       run.Checks,
		StartedAt:    run.StartedAt.UTC().Format(time.RFC3339),
		AuditEntries: append([]audit.Entry{}, rec.Audit...),
	}
	if run.SelectedRule != nil {
		out.Action = run.SelectedRule.Action
		out.Params = run.SelectedRule.Params
	}
	if run.EndedAt != nil {
		out.EndedAt = run.EndedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleRollback(ctx context.Context, req *mcpsdk.CallToolRequest, input RunInput) (*mcpsdk.CallToolResult, RollbackOutput, error) {
	res, err := s.engine.Rollback(ctx, input.RunID)
	if err != nil {
		return nil, RollbackOutput{}, err
	}
	out := RollbackOutput{
		OK:                res.OK,
		Error:             res.Error,
		SnapshotID:        res.SnapshotID,
		AlreadyRolledBack: res.AlreadyRolledBack,
	}
	if !res.OK {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	if err := s.engine.Approve(input.RunID, operator(input.By), input.Note); err != nil {
		return nil, ResolveOutput{}, err
	}
	return nil, ResolveOutput{RunID: input.RunID, Status: "approved"}, nil
}

func (s *Server) handleDeny(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	if err := s.engine.Deny(input.RunID, operator(input.By), input.Note); err != nil {
		return nil, ResolveOutput{}, err
	}
	return nil, ResolveOutput{RunID: input.RunID, Status: "denied"}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.engine.PendingApprovals()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, len(list))
	for i, a := range list {
		items[i] = PendingItem{
			RunID:     a.RunID,
			Playbook:  a.Playbook,
			Action:    a.Action,
			RiskLevel: a.RiskLevel,
			Resource:  a.Resource,
			Reason:    a.Reason,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, PendingOutput{Approvals: items}, nil
}

func operator(by string) string {
	if by == "" {
		return "mcp"
	}
	return fmt.Sprintf("mcp:%s", by)
}
