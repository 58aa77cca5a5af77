package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fidde/otlp_usage_tracker/internal/api"
	"github.com/fidde/otlp_usage_tracker/internal/receiver"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the OTLP receiver and the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	httpReceiver := receiver.NewHTTPReceiver(a.cfg.Receiver.Addr, a.pipeline, receiver.Options{
		MaxBodyBytes: a.cfg.Receiver.MaxBodyBytes,
		Logger:       a.logger,
	})
	apiServer := api.NewServer(a.cfg.API.Addr, a.store, api.Options{
		Gatherer: a.registry,
		Logger:   a.logger,
	})

	errChan := make(chan error, 2)

	go func() {
		a.logger.Info("starting OTLP HTTP receiver", "addr", a.cfg.Receiver.Addr)
		if err := httpReceiver.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("OTLP HTTP receiver error: %w", err)
		}
	}()

	go func() {
		a.logger.Info("starting REST API server", "addr", a.cfg.API.Addr)
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	a.logger.Info("servers started",
		"otlp_metrics", fmt.Sprintf("http://%s/v1/metrics", a.cfg.Receiver.Addr),
		"sessions", fmt.Sprintf("http://%s/api/v1/sessions", a.cfg.API.Addr),
		"prometheus", fmt.Sprintf("http://%s/metrics", a.cfg.API.Addr),
		"storage", a.cfg.Storage.Backend,
		"clickhouse_mirror", a.cfg.Storage.ClickHouse.Enabled(),
	)

	var serveErr error
	select {
	case serveErr = <-errChan:
		a.logger.Error("server failed, shutting down", "error", serveErr)
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The receiver stops first so no payload is mid-write when storage closes.
	if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("error shutting down OTLP HTTP receiver", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("error shutting down API server", "error", err)
	}

	a.logger.Info("shutdown complete")
	return serveErr
}
