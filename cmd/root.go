// Package cmd holds the apmingest command line.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"apmingest/internal/app"
	"apmingest/internal/config"
	"apmingest/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "apmingest",
	Short: "Error and performance ingestion service",
	Long: `apmingest ingests exceptions and performance samples, groups errors into
issues, rolls up latency percentiles and raises alerts.

SERVICE
  serve                    HTTP API, queue consumers and scheduler
  worker                   Queue consumers and scheduler only

MAINTENANCE
  create-project           Create a project and print its token
  recompute-fingerprints   Re-derive issue fingerprints, merging duplicates
  cleanup                  Delete a project's events older than N days

Configuration is read from APP_* environment variables and .env.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads config and a logger. Subcommands own the returned logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// build loads config and constructs the application.
func build() (*app.App, *zap.Logger, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}
