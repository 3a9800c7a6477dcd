package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/playwatch/internal/engine"
)

// Server exposes engine operations as MCP tools so agents can validate,
// preview, and drive playbooks.
type Server struct {
	mcpServer *mcpsdk.Server
	engine    *engine.Engine
	log       logrus.FieldLogger
}

// New creates an MCP server over eng.
func New(eng *engine.Engine, version string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		engine: eng,
		log:    log.WithField("component", "mcp"),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "playwatch",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on stdio. Blocks until ctx is cancelled or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all playwatch tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "playbook_validate",
		Description: "Validate a playbook YAML document. Returns field-path errors and warnings.",
	}, s.handleValidate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "playbook_list",
		Description: "List registered playbooks, optionally only those whose trigger matches an alert type and severity.",
	}, s.handleList)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "playbook_dry_run",
		Description: "Preview a playbook against a sample context: rendered investigation steps and the decision rule that would be selected. Nothing is queried or changed.",
	}, s.handleDryRun)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "playbook_trigger",
		Description: "Start a playbook run for an alert. Returns the run id; the run proceeds in the background.",
	}, s.handleTrigger)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "run_get",
		Description: "Get a run's state, selected rule, validation results, and audit trail.",
	}, s.handleGetRun)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "run_rollback",
		Description: "Restore the pre-remediation snapshot of a finished run. Safe to repeat.",
	}, s.handleRollback)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "run_approve",
		Description: "Approve a run waiting for human approval so its remediation executes.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "run_deny",
		Description: "Deny a run waiting for human approval. The run ends denied without changes.",
	}, s.handleDeny)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "approvals_pending",
		Description: "List runs waiting for human approval.",
	}, s.handlePending)
}
