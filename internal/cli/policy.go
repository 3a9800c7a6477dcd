package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/playwatch/internal/policy"
	"github.com/ppiankov/playwatch/internal/policydiff"
)

var (
	policyDiffFormat string
	policyCheckEnv   string
	policyCheckRes   string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyDiffCmd)
	policyCmd.AddCommand(policyCheckCmd)
	policyDiffCmd.Flags().StringVarP(&policyDiffFormat, "format", "f", "text", "Output format (text|json)")
	policyCheckCmd.Flags().StringVarP(&policyCheckEnv, "environment", "e", "", "Target environment")
	policyCheckCmd.Flags().StringVarP(&policyCheckRes, "resource", "r", "", "Target resource id")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy files",
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Show what changes between two policy files",
	Long:  "Compares thresholds, blast-radius limits, and action rules. Each scalar change\nis labelled stricter or looser; rule reorderings are reported because the first\nmatching rule wins.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyDiff,
}

var policyCheckCmd = &cobra.Command{
	Use:     "check <action> [policy.yaml]",
	Short:   "Show the decision a policy gives an action",
	Example: "  playwatch policy check restart_instance -e production -r orders-db-1",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runPolicyCheck,
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	oldCfg, err := policy.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}
	newCfg, err := policy.LoadConfig(args[1])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[1], err)
	}

	r := policydiff.Diff(oldCfg, newCfg)
	r.OldPath, r.NewPath = args[0], args[1]

	if policyDiffFormat == "json" {
		out, err := policydiff.FormatJSON(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), policydiff.FormatText(r))
	return nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 2 {
		path = args[1]
	} else {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Policy.Path
	}
	polCfg, hash, err := policy.LoadConfigWithHash(path)
	if err != nil {
		return err
	}
	v, err := policy.NewLocal(polCfg, hash).Authorize(cmd.Context(), args[0], policyCheckEnv, policyCheckRes)
	if err != nil {
		return err
	}
	decision := "allow"
	if !v.Allow {
		decision = "deny"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s", decision)
	if v.PolicyID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " [%s]", v.PolicyID)
	}
	if v.Reason != "" {
		fmt.Fprintf(cmd.OutOrStdout(), ": %s", v.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
