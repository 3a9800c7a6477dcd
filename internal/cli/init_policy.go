package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/playwatch/internal/config"
	"github.com/ppiankov/playwatch/internal/policy"
)

var initForce bool

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	rootCmd.AddCommand(initConfigCmd)
	for _, c := range []*cobra.Command{initPolicyCmd, initConfigCmd} {
		c.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	}
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml with comments",
	Long:  "Creates ~/.playwatch/policy.yaml with default gate thresholds, blast-radius limits, and rules.\nEdit this file to customize which remediations may run where.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeDefault(cmd, "policy.yaml", policy.DefaultConfigYAML())
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Generate default config.yaml with comments",
	Long:  "Creates ~/.playwatch/config.yaml with engine timeouts, connector, notification,\nstorage, and server settings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeDefault(cmd, "config.yaml", config.DefaultYAML())
	},
}

func writeDefault(cmd *cobra.Command, name, content string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	dir := filepath.Join(home, ".playwatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists at %s (use --force to overwrite)", name, path)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
