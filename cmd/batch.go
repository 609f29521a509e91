package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/app"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Inspect or drive a single batch",
}

var batchProgressCmd = &cobra.Command{
	Use:   "progress <id>",
	Short: "Print the progress of a batch as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Batches.GetProgress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var batchProcessCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Drive a batch from this terminal until it is done or interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		id := args[0]
		for {
			out, err := a.Driver.Step(ctx, id)
			if err != nil {
				return fmt.Errorf("step: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s remaining=%d next_in=%s\n", out.Result, out.Remaining, out.Delay)
			if out.Done() {
				log.Info("batch done", zap.String("batch_id", id), zap.String("status", out.Status.String()))
				return nil
			}

			t := time.NewTimer(out.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				// the next invocation resumes from the queue
				return nil
			case <-t.C:
			}
		}
	},
}

func init() {
	batchCmd.AddCommand(batchProgressCmd)
	batchCmd.AddCommand(batchProcessCmd)
}
