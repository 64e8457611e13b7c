package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"3tcapital/ms_nfse_emissor/internal/bootstrap"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the emission queue",
	}

	cmd.AddCommand(queueAddCmd())
	cmd.AddCommand(queueDrainCmd())
	cmd.AddCommand(queueStatsCmd())
	cmd.AddCommand(queueResetCmd())
	cmd.AddCommand(queueRetryCmd())
	cmd.AddCommand(queueFailedCmd())

	return cmd
}

func queueAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [orderID]",
		Short: "Queue an order for emission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			delay, _ := cmd.Flags().GetDuration("delay")
			priority, _ := cmd.Flags().GetInt("priority")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				id, err := app.Queue.AddToQueue(ctx, orderID, queue.TriggerManual, delay, priority)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued order %d as item %d\n", orderID, id)
				return nil
			})
		},
	}

	cmd.Flags().Duration("delay", 0, "Delay before the item becomes eligible")
	cmd.Flags().Int("priority", 5, "Item priority, lower runs first")
	addLogLevel(cmd)

	return cmd
}

func queueDrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one maintenance and drain cycle, as the scheduler does",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.Automation.RunDrain(ctx)
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	addLogLevel(cmd)
	return cmd
}

func queueStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				health, err := app.Queue.GetQueueHealth(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), health)
			})
		},
	}
	addLogLevel(cmd)
	return cmd
}

func queueResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Return items stuck in processing to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.Queue.ResetStuckItems(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d items\n", n)
				return nil
			})
		},
	}

	cmd.Flags().Duration("older-than", 0, "Processing age that counts as stuck (default: configured threshold)")
	addLogLevel(cmd)

	return cmd
}

func queueRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed items that still have attempts left",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.Queue.RetryFailedItems(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d items\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntP("limit", "n", 50, "Maximum items to requeue")
	addLogLevel(cmd)

	return cmd
}

func queueFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed items",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				items, err := app.Queue.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No failed items")
					return nil
				}
				fmt.Fprintf(out, "%-8s %-10s %-8s %-20s %s\n", "ITEM", "ORDER", "TRIES", "UPDATED", "ERROR")
				for _, it := range items {
					fmt.Fprintf(out, "%-8d %-10d %-8d %-20s %s\n",
						it.ID, it.OrderID, it.Attempts, it.UpdatedAt.Format(time.DateTime), it.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntP("limit", "n", 50, "Maximum items to list")
	addLogLevel(cmd)

	return cmd
}
