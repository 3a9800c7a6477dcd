package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/playwatch/internal/engine"
	"github.com/ppiankov/playwatch/internal/observability"
	"github.com/ppiankov/playwatch/internal/playbook"
	"github.com/ppiankov/playwatch/internal/policy"
)

var (
	dryRunContext []string
	dryRunFormat  string
)

func init() {
	rootCmd.AddCommand(dryRunCmd)
	dryRunCmd.Flags().StringArrayVarP(&dryRunContext, "context", "c", nil, "Sample context field as key=value (repeatable; values are YAML scalars)")
	dryRunCmd.Flags().StringVarP(&dryRunFormat, "format", "f", "text", "Output format (text|json)")
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <file|name>",
	Short: "Preview a playbook against a sample context",
	Long:  "Renders the investigation steps and evaluates the decision tree against the\nsample context as if it were the investigation result. Nothing is queried or changed.",
	Example: `  playwatch dry-run high_cpu -c resource_id=web-1 -c cpu_pct=95
  playwatch dry-run ./playbooks/disk.yaml -c resource_id=db-1 -c disk_pct=97`,
	Args: cobra.ExactArgs(1),
	RunE: runDryRun,
}

// parseContext turns key=value pairs into a context map. Values are decoded
// as YAML scalars so numbers and booleans keep their type.
func parseContext(pairs []string) (map[string]any, error) {
	ctx := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid context %q, want key=value", kv)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		ctx[k] = val
	}
	return ctx, nil
}

func runDryRun(cmd *cobra.Command, args []string) error {
	sample, err := parseContext(dryRunContext)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	reg, provider, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	polCfg, hash, err := policy.LoadConfigWithHash(cfg.Policy.Path)
	if err != nil {
		return err
	}
	pol := policy.NewLocal(polCfg, hash)
	eng, err := engine.New(engine.Options{
		Registry:  reg,
		Connector: provider,
		Policy:    pol,
		Config:    cfg.Engine,
		Log:       observability.Discard(),
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	target := args[0]
	var res *engine.DryRunResult
	if _, statErr := os.Stat(target); statErr == nil && playbook.IsDocument(target) {
		data, err := os.ReadFile(target)
		if err != nil {
			return err
		}
		res, err = eng.DryRunDocument(data, sample)
		if err != nil {
			return err
		}
	} else {
		if cfg.PlaybookDir != "" {
			if _, err := reg.LoadDir(cfg.PlaybookDir); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		}
		res, err = eng.DryRun(target, sample)
		if err != nil {
			return err
		}
	}

	if dryRunFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printDryRun(cmd.OutOrStdout(), res)
	return nil
}

func printDryRun(w io.Writer, res *engine.DryRunResult) {
	fmt.Fprintf(w, "Playbook: %s\n\nInvestigation:\n", res.Playbook)
	for _, s := range res.Steps {
		opt := ""
		if s.Optional {
			opt = " (optional)"
		}
		fmt.Fprintf(w, "  [batch %d] %s%s  %s  %s\n", s.Batch, s.Name, opt, s.QueryType, s.Query)
		if len(s.Missing) > 0 {
			fmt.Fprintf(w, "            missing: %s\n", strings.Join(s.Missing, ", "))
		}
	}

	fmt.Fprintln(w, "\nDecision tree:")
	for _, r := range res.Rules {
		mark := " "
		if r.Matched {
			mark = "*"
		}
		line := fmt.Sprintf("  %s %d. %s", mark, r.Index, r.Condition)
		if len(r.Missing) > 0 {
			line += fmt.Sprintf("  (missing: %s)", strings.Join(r.Missing, ", "))
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	rule := res.WouldSelectRule
	if rule == nil {
		fmt.Fprintln(w, "No rule matches: the run would escalate without remediation.")
		return
	}
	fmt.Fprintf(w, "Would select: %s (risk %s)\n", rule.Action, rule.RiskLevel)
	keys := make([]string, 0, len(res.ResolvedParams))
	for k := range res.ResolvedParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %v\n", k, res.ResolvedParams[k])
	}
	if len(res.Unresolved) > 0 {
		fmt.Fprintf(w, "  unresolved: %s\n", strings.Join(res.Unresolved, ", "))
	}
	if res.Gate != nil {
		fmt.Fprintf(w, "Gate: %s (%s)\n", res.Gate.Decision, res.Gate.Reason)
	}
}
