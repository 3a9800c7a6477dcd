package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/playwatch/internal/config"
	"github.com/ppiankov/playwatch/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "playwatch",
	Short: "Alert-driven playbook execution engine",
	Long:  "Runs declarative remediation playbooks for infrastructure alerts: investigate, decide, gate on risk and policy, remediate, validate, and roll back on failure.",
	// Errors are printed once by Execute.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.playwatch/config.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and builds the logger it describes.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.ApplyDefaults()
	log, err := observability.ConfigureLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
