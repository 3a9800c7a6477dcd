package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	pb "github.com/ppiankov/playwatch/api/enginev1"
	"github.com/ppiankov/playwatch/internal/client"
	"github.com/ppiankov/playwatch/internal/config"
	"github.com/ppiankov/playwatch/internal/model"
)

var (
	remoteAddr string

	triggerAlert []string
	triggerWait  time.Duration

	runsPlaybook string
	runsState    string
	runsLimit    int

	resolveBy   string
	resolveNote string
)

func init() {
	for _, c := range []*cobra.Command{triggerCmd, getCmd, runsCmd, playbooksCmd, rollbackCmd, approveCmd, denyCmd, pendingCmd} {
		c.Flags().StringVar(&remoteAddr, "server", "", "playwatch gRPC address (default server.grpc_addr)")
		rootCmd.AddCommand(c)
	}
	triggerCmd.Flags().StringArrayVarP(&triggerAlert, "alert", "a", nil, "Alert field as key=value (repeatable)")
	triggerCmd.Flags().DurationVar(&triggerWait, "wait", 0, "Poll until the run is terminal or this long has passed")

	runsCmd.Flags().StringVar(&runsPlaybook, "playbook", "", "Only runs of this playbook")
	runsCmd.Flags().StringVar(&runsState, "state", "", "Only runs in this state")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to list")

	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&resolveBy, "by", "", "Operator name (default current user)")
		c.Flags().StringVar(&resolveNote, "note", "", "Justification recorded in the audit trail")
	}
}

var triggerCmd = &cobra.Command{
	Use:     "trigger <playbook>",
	Short:   "Trigger a playbook run on a playwatch server",
	Example: "  playwatch trigger high_cpu -a severity=critical -a environment=prod -a resource_id=web-1 --wait 5m",
	Args:    cobra.ExactArgs(1),
	RunE:    runTrigger,
}

var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	RunE:  runRuns,
}

var playbooksCmd = &cobra.Command{
	Use:   "playbooks",
	Short: "List playbooks loaded on the server",
	RunE:  runPlaybooks,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <run-id>",
	Short: "Restore the pre-remediation snapshot of a finished run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve a run waiting for human approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(cmd, args[0], true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <run-id>",
	Short: "Deny a run waiting for human approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResolve(cmd, args[0], false)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List runs waiting for approval",
	RunE:  runPending,
}

func dial() (*client.Client, error) {
	addr := remoteAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.GRPCAddr
	}
	return client.New(addr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	alert, err := parseContext(triggerAlert)
	if err != nil {
		return err
	}
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := c.Trigger(ctx, args[0], alert)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	if triggerWait <= 0 {
		return nil
	}

	deadline := time.Now().Add(triggerWait)
	for {
		rec, err := c.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if rec.Run.State.Terminal() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.Run.State, rec.Run.Message)
			if rec.Run.State != model.StateCompleted {
				return fmt.Errorf("run ended %s", rec.Run.State)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("run still %s after %s", rec.Run.State, triggerWait)
		}
		time.Sleep(time.Second)
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	rec, err := c.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

func runRuns(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	runs, err := c.ListRuns(context.Background(), pb.ListRunsRequest{Playbook: runsPlaybook, State: runsState, Limit: runsLimit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPLAYBOOK\tSTATE\tRESOURCE\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.PlaybookName, r.State, r.ResourceID, r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runPlaybooks(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	list, err := c.ListPlaybooks(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tALERT\tSTEPS\tRULES\tCHECKS\tSOURCE")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", p.Name, p.Version, p.AlertType, p.Steps, p.Rules, p.Checks, p.Source)
	}
	return tw.Flush()
}

func runRollback(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	res, err := c.Rollback(context.Background(), args[0])
	if err != nil {
		return err
	}
	switch {
	case !res.OK:
		return fmt.Errorf("rollback of %s failed: %s", res.SnapshotID, res.Error)
	case res.AlreadyRolledBack:
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s was already restored.\n", res.SnapshotID)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %s.\n", res.SnapshotID)
	}
	return nil
}

func runResolve(cmd *cobra.Command, runID string, approve bool) error {
	by := resolveBy
	if by == "" {
		by = currentUser()
	}
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if approve {
		err = c.Approve(context.Background(), runID, by, resolveNote)
	} else {
		err = c.Deny(context.Background(), runID, by, resolveNote)
	}
	if err != nil {
		return err
	}
	verb := "Denied"
	if approve {
		verb = "Approved"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, runID)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	list, err := c.ListPending(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPLAYBOOK\tACTION\tRISK\tRESOURCE\tREQUESTED\tREASON")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.RunID, a.Playbook, a.Action, a.RiskLevel, a.Resource, a.CreatedAt.Format(time.RFC3339), a.Reason)
	}
	return tw.Flush()
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
