package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qms-infoclinica/ire/internal/app"
	"github.com/qms-infoclinica/ire/internal/worker"
)

// NewWorkerCmd creates the worker command: runs the pool that drains pending
// raw records through the engine until interrupted.
func NewWorkerCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool that drains pending raw records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *DB) error {
				settings := app.EffectiveEngineSettings()
				engine := newEngine(db)
				pool := worker.New(engine, db, settings.Workers)

				ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				err := pool.Run(ctx, batchSize)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", worker.DefaultBatchSize, "Max raw records claimed per poll")

	return cmd
}
