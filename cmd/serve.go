package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with in-process workers and scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, logger, err := build()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		defer a.Close()     //nolint:errcheck

		ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.Serve(ctx); err != nil {
			logger.Error("server stopped", zap.Error(err))
			return err
		}
		logger.Info("server stopped")
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue consumers and the scheduler without the HTTP API",
	Long: `Run queue consumers and the scheduler without the HTTP API.

Requires APP_QUEUE_BACKEND=kafka: the memory backend only carries tasks
enqueued by the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, logger, err := build()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
		defer a.Close()     //nolint:errcheck

		if a.Config.QueueBackend != "kafka" {
			return errors.New("worker requires APP_QUEUE_BACKEND=kafka")
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Work(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

// commandContext returns cmd's context, or Background when run outside
// Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
