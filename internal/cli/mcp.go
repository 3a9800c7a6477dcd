package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	pwmcp "github.com/ppiankov/playwatch/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs an in-process engine as an MCP (Model Context Protocol) server over stdio.\nExposes tools: playbook_validate, playbook_list, playbook_dry_run, playbook_trigger,\nrun_get, run_rollback, run_approve, run_deny, approvals_pending.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	// Logs go to stderr or the configured file; stdout carries the protocol.
	rt, err := buildStack(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "playwatch MCP server running on stdio")
	return pwmcp.New(rt.engine, version, log).Run(ctx)
}
