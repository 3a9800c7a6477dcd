package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/playwatch/internal/playbook"
)

var validateFormat string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateFormat, "format", "f", "text", "Output format (text|json)")
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate playbook documents",
	Long:  "Parses each document and checks required fields, enums, template references,\ndecision conditions, and that every action has a connector handler.\nExits 1 if any document has errors. Warnings do not fail validation.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

type fileResult struct {
	File string `json:"file"`
	*playbook.Result
	IsValid bool `json:"is_valid"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	results := make([]fileResult, 0, len(args))
	invalid := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res := playbook.Validate(data, reg.Options())
		if !res.IsValid() {
			invalid++
		}
		results = append(results, fileResult{File: path, Result: res, IsValid: res.IsValid()})
	}

	out := cmd.OutOrStdout()
	if validateFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printValidation(out, results)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d document(s) invalid", invalid, len(args))
	}
	return nil
}

func printValidation(w io.Writer, results []fileResult) {
	for _, r := range results {
		status := "OK"
		if !r.IsValid {
			status = "INVALID"
		}
		fmt.Fprintf(w, "%s: %s\n", r.File, status)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  error   %s\n", e)
		}
		for _, e := range r.Warnings {
			fmt.Fprintf(w, "  warning %s\n", e)
		}
	}
}
