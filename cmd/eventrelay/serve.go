// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/daemon"
	"github.com/ManuGH/eventrelay/internal/health"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/version"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	// safe defaults until the config is loaded
	log.Configure(log.Config{Level: "info", Service: "eventrelay", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := resolveConfigPath(opts.configPath)
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Str("event", "config.load_failed").Str("config_path", path).Msg("failed to load configuration")
		return err
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Service: "eventrelay", Version: version.Version})

	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().Str("event", "config.loaded").Str("source", source).Str("path", path).Msg("configuration loaded")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().Err(err).Str("event", "startup.check_failed").Msg("pre-flight checks failed")
		return fmt.Errorf("startup checks: %w", err)
	}

	rt, err := daemon.Build(ctx, cfg, loader, version.Version)
	if err != nil {
		logger.Error().Err(err).Str("event", "daemon.build_failed").Msg("failed to wire runtime")
		return err
	}
	app, err := daemon.NewApp(rt)
	if err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))
		return err
	}

	logger.Info().Str("event", "daemon.start").Str("version", version.String()).Msg("starting eventrelay")
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str("event", "daemon.failed").Msg("daemon stopped with error")
		return err
	}
	logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped")
	return nil
}
