package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"3tcapital/ms_nfse_emissor/internal/application/xsd"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/logger"
)

var errInvalidDocument = errors.New("document is not valid")

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a DPS document against the embedded schemas",
		Long: `Validate runs the structural checks and every requested schema
against an XML file and prints the comprehensive report. Use "-" to read
from standard input. The exit status is non-zero when the document is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			v, err := xsd.NewValidator(logger.NewWithWriter(os.Stderr, "nfsectl", "error", "cli"))
			if err != nil {
				return err
			}
			schemas, _ := cmd.Flags().GetStringSlice("schema")
			report := v.ComprehensiveReport(string(data), schemas...)

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Valid:      %t\n", report.Valid)
				fmt.Fprintf(out, "Compliance: %.1f%%\n", report.Compliance)
				for _, r := range report.Reports {
					fmt.Fprintf(out, "\n%s (%d errors, %d warnings)\n", r.Schema, len(r.Errors), len(r.Warnings))
					for _, issue := range r.Errors {
						fmt.Fprintf(out, "  error   %s\n", issue)
					}
					for _, issue := range r.Warnings {
						fmt.Fprintf(out, "  warning %s\n", issue)
					}
				}
				if len(report.Recommendations) > 0 {
					fmt.Fprintf(out, "\nRecommendations:\n  %s\n", strings.Join(report.Recommendations, "\n  "))
				}
			}
			if !report.Valid {
				return errInvalidDocument
			}
			return nil
		},
	}

	cmd.Flags().StringSliceP("schema", "s", nil, "Schemas to validate against (default: all)")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}
