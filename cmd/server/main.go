// Package main is the entry point for the OTLP usage tracker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fidde/otlp_usage_tracker/internal/config"
	"github.com/fidde/otlp_usage_tracker/internal/ingest"
	"github.com/fidde/otlp_usage_tracker/internal/storage"
	"github.com/fidde/otlp_usage_tracker/internal/storage/factory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "otlp-usage-tracker",
		Short: "Session and message usage accounting from OTLP metrics",
		Long: `Receives OTLP/HTTP JSON metrics from AI coding agents, correlates cost and
token usage into sessions and messages, and serves the results over a REST API.

Running without a subcommand is the same as "serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML)")

	root.AddCommand(
		newServeCmd(&configPath),
		newReplayCmd(&configPath),
	)

	return root
}

// app is the wiring shared by serve and replay.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Store
	registry *prometheus.Registry
	pipeline *ingest.Pipeline
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := factory.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipeline := ingest.New(store,
		ingest.WithLogger(logger),
		ingest.WithMetrics(ingest.NewMetrics(registry)),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		pipeline: pipeline,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing storage", "error", err)
	}
}
