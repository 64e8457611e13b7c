package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"3tcapital/ms_nfse_emissor/internal/bootstrap"
	"3tcapital/ms_nfse_emissor/internal/core/emission"
)

func parseOrderID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid order id %q", arg)
	}
	return id, nil
}

func emitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit [orderID]",
		Short: "Emit the NFS-e for an order synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Emission.ProcessEmission(ctx, orderID, force)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().BoolP("force", "f", false, "Emit again even if the order already has an NFS-e")
	addLogLevel(cmd)

	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [orderID]",
		Short: "Show the emission record of an order and its remote status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lookup emission.Lookup
			lookup.AccessKey, _ = cmd.Flags().GetString("key")
			if len(args) == 1 {
				id, err := parseOrderID(args[0])
				if err != nil {
					return err
				}
				lookup.OrderID = id
			}
			if lookup.OrderID == 0 && lookup.AccessKey == "" {
				return fmt.Errorf("an order id or --key is required")
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				view, err := app.Emission.QueryStatus(ctx, lookup)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}

	cmd.Flags().StringP("key", "k", "", "Look up by NFS-e access key instead of order id")
	addLogLevel(cmd)

	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel [orderID]",
		Short: "Cancel the NFS-e of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Emission.CancelNfse(ctx, orderID, reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (protocol %s, status %s)\n", res.AccessKey, res.Protocol, res.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringP("reason", "r", "", "Cancellation reason sent to the tax authority")
	_ = cmd.MarkFlagRequired("reason")
	addLogLevel(cmd)

	return cmd
}
