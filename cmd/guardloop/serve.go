// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/guardloop/services/guardloop/config"
	"github.com/AleutianAI/guardloop/services/guardloop/events"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/handlers"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
)

type serveOptions struct {
	addr   string
	useLLM bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guardloop HTTP server",
		Long:  `Serves loop start, status, reasoning, override and abort endpoints. Guardrail thresholds and conflict rules are reloaded when the config file changes.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.useLLM, "llm", false, "Use LLM-backed workers instead of scripted ones")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	cfg, path, err := loadConfig(root)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}

	// --- Telemetry ---
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.TracingSettings(), os.Stderr)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer flush("tracer provider", shutdownTracing)

	reg := telemetry.NewPrometheusRegistry()
	meterProvider, err := telemetry.NewPrometheusMeterProvider(reg)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}
	defer flush("meter provider", meterProvider.Shutdown)

	metrics, err := telemetry.NewMetrics(meterProvider.Meter("guardloop"))
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}

	// --- Reasoning publication ---
	var publisher guardrail.Publisher
	if cfg.Events.NATSURL != "" {
		np, err := events.NewNATSPublisher(events.Config{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			Name:          cfg.Telemetry.ServiceName,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer flush("nats publisher", np.Close)
		publisher = np
	}

	// --- Engine and controller ---
	a, err := newApp(ctx, cfg, appDeps{
		Workers:   workerSet(cfg, opts.useLLM, logger),
		Metrics:   metrics,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("error", err.Error()))
		}
	}()

	watcher, err := config.NewWatcher(path, func(next config.Config) error {
		return a.engine.UpdateSettings(next.GuardrailSettings())
	}, logger)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	go watcher.Start(ctx)

	// --- HTTP ---
	if root.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(a.ctrl, reg, cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting guardloop server",
			slog.String("address", cfg.Server.Addr),
			slog.String("storage", cfg.Storage.Backend),
			slog.String("config", path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down guardloop server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", cfg.Server.Addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := a.ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Active loops did not stop in time", slog.String("error", err.Error()))
	}
	return nil
}

// flush runs a shutdown hook with a short deadline and logs its failure.
func flush(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("Shutdown hook failed", slog.String("component", name), slog.String("error", err.Error()))
	}
}
