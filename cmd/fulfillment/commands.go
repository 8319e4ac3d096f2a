package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-order-fulfillment/internal/app"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/queue"
	"github.com/spf13/cobra"
)

func triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <orderId>",
		Short: "Enqueue the completion workflow for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobID, err := a.Orchestrator.TriggerWorkflow(ctx, orderID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), jobID)
				return nil
			})
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "publish <topic> <json>",
		Short:   "Publish a raw event onto the bus",
		Example: `  fulfillment publish payment:completed '{"orderId":42}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Bus.Publish(ctx, args[0], []byte(args[1]))
			})
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the workflow queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "queue:     %s\n", a.Queue.Name())
				fmt.Fprintf(out, "waiting:   %d\n", s.Waiting)
				fmt.Fprintf(out, "active:    %d\n", s.Active)
				fmt.Fprintf(out, "delayed:   %d\n", s.Delayed)
				fmt.Fprintf(out, "completed: %d\n", s.Completed)
				fmt.Fprintf(out, "failed:    %d\n", s.Failed)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Move jobs abandoned by dead workers back to waiting",
		Long:  "Moves every job in the active list back to waiting. Stop all workers first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d jobs\n", n)
				return nil
			})
		},
	})
	var limit int64
	failed := &cobra.Command{
		Use:   "failed",
		Short: "Show the most recent permanently failed chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ids, err := a.Queue.Recent(ctx, queue.StateFailed, limit)
				if err != nil {
					return err
				}
				for _, id := range ids {
					job, err := a.Queue.Get(ctx, id)
					if err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t(expired)\n", id)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\torder=%d\t%s\n", id, job.OrderID, job.LastError)
				}
				return nil
			})
		},
	}
	failed.Flags().Int64VarP(&limit, "limit", "n", 20, "maximum jobs to list")
	cmd.AddCommand(failed)
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo catalog and a paid order into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				store, ok := a.Store.(*postgres.Store)
				if !ok {
					return fmt.Errorf("seed needs STORE_DRIVER=%s", app.DriverPostgres)
				}
				mug, err := store.SeedProduct(ctx, "Blue Mug", 1000, 10)
				if err != nil {
					return err
				}
				tea, err := store.SeedProduct(ctx, "Green Tea", 500, 1)
				if err != nil {
					return err
				}
				orderID, err := store.SeedOrder(ctx, 1, orders.StatusPaid, []orders.OrderItem{
					{ProductID: mug, Quantity: 2},
					{ProductID: tea, Quantity: 1},
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded order %d (products %d, %d)\n", orderID, mug, tea)
				return nil
			})
		},
	}
}
