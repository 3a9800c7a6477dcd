package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/playwatch/internal/systemd"
)

var (
	unitOpts   = systemd.DefaultUnitOptions()
	unitOutput string
)

func init() {
	rootCmd.AddCommand(initSystemdCmd)
	f := initSystemdCmd.Flags()
	f.StringVar(&unitOpts.Binary, "binary", unitOpts.Binary, "Path of the playwatch binary")
	f.StringVar(&unitOpts.ConfigPath, "unit-config", unitOpts.ConfigPath, "Config path passed to serve")
	f.StringVar(&unitOpts.User, "user", unitOpts.User, "Service user")
	f.StringVar(&unitOpts.StateDir, "state-dir", unitOpts.StateDir, "Writable state directory")
	f.StringVarP(&unitOutput, "output", "o", "", "Write the unit here instead of stdout and record its hash")
}

var initSystemdCmd = &cobra.Command{
	Use:   "init-systemd",
	Short: "Generate a hardened systemd unit for playwatch serve",
	Long:  "Prints the unit, or writes it to --output and records its SHA-256 in the state\ndirectory so serve can warn when the installed unit is modified.",
	RunE:  runInitSystemd,
}

func runInitSystemd(cmd *cobra.Command, args []string) error {
	unit := systemd.ServiceUnit(unitOpts)
	if unitOutput == "" {
		fmt.Fprint(cmd.OutOrStdout(), unit)
		return nil
	}

	if err := os.WriteFile(unitOutput, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("failed to write unit: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", unitOutput)

	hashPath := filepath.Join(unitOpts.StateDir, "unit-file.sha256")
	if err := os.MkdirAll(unitOpts.StateDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "warning: unit hash not recorded: %v\n", err)
		return nil
	}
	if err := systemd.RecordUnitFileHash(unitOutput, hashPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: unit hash not recorded: %v\n", err)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded unit hash in %s\n", hashPath)
	return nil
}
