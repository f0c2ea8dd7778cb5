// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/log"
	"golang.org/x/sync/errgroup"
)

// App runs a wired runtime: HTTP server, config watcher, SIGHUP reloads and
// the retention janitor.
type App struct {
	Runtime *Runtime
	Manager *Manager
}

// NewApp builds the manager for rt and hands it the runtime's shutdown hooks.
func NewApp(rt *Runtime) (*App, error) {
	if rt == nil {
		return nil, ErrMissingHandler
	}
	cfg := rt.Config.Get()
	m, err := NewManager(cfg.Server, rt.API.Handler())
	if err != nil {
		return nil, err
	}
	rt.RegisterHooks(m)
	return &App{Runtime: rt, Manager: m}, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a.Manager == nil {
		return ErrMissingManager
	}
	logger := log.WithComponent("daemon")
	cfg := a.Runtime.Config.Get()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Runtime.Config.Watch(gctx); err != nil {
			logger.Warn().Err(err).Str("event", "config.watch_failed").Msg("config watcher stopped")
		}
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info().Str("event", "config.sighup").Msg("received SIGHUP, reloading configuration")
				if err := a.Runtime.Config.Reload(gctx); err != nil {
					logger.Error().Err(err).Str("event", "config.reload_failed").Msg("reload rejected, keeping current configuration")
				}
			}
		}
	})

	g.Go(func() error {
		return a.Runtime.Tracker.Run(gctx, delivery.JanitorConfig{
			Interval:      cfg.Delivery.JanitorInterval,
			Retention:     cfg.Delivery.Retention,
			Archiver:      a.Runtime.Archiver,
			KeepExhausted: !a.Runtime.DurableArchive,
		})
	})

	g.Go(func() error {
		return a.Manager.Start(gctx)
	})

	return g.Wait()
}
