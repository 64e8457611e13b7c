package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"3tcapital/ms_nfse_emissor/internal/bootstrap"
	corehealth "3tcapital/ms_nfse_emissor/internal/core/health"
)

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run the readiness checks and report each component",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Emission.TestConnection(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "SEFIN connection: %v\n", err)
				}
				status := app.Health.Status(ctx)

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s (%s): %s\n", status.Service, status.Version, status.Environment, status.Status)
				for _, c := range status.Components {
					line := fmt.Sprintf("  %-12s %-9s %4dms", c.Name, c.Status, c.DurationMs)
					if c.Detail != "" {
						line += "  " + c.Detail
					}
					fmt.Fprintln(out, line)
				}
				if status.Status == corehealth.StateDown {
					return errors.New("service is down")
				}
				return nil
			})
		},
	}
	addLogLevel(cmd)
	return cmd
}
