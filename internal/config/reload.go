// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/rules"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Listener is called after every successful reload.
type Listener func(Config)

// Holder holds the active configuration and the routing registry built from
// it. A reload either applies completely or leaves both untouched.
type Holder struct {
	mu       sync.RWMutex
	current  Config
	loader   *Loader
	registry *rules.Holder
	logger   zerolog.Logger
	debounce time.Duration

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewHolder builds the registry for initial and returns a holder serving it.
func NewHolder(initial Config, loader *Loader) (*Holder, error) {
	reg, err := BuildRegistry(initial.Buses)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return &Holder{
		current:  initial,
		loader:   loader,
		registry: rules.NewHolder(reg),
		logger:   log.WithComponent("config"),
		debounce: DefaultDebounce,
	}, nil
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Registry is the live routing table, swapped on reload.
func (h *Holder) Registry() *rules.Holder { return h.registry }

// OnReload registers l. Listeners run synchronously in registration order.
func (h *Holder) OnReload(l Listener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Reload re-reads the file. If loading, validation or the registry build
// fails, the previous configuration stays active.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}
	reg, err := BuildRegistry(next.Buses)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.validation_failed").Msg("new topology failed to build")
		return fmt.Errorf("build registry: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.registry.Swap(reg)
	h.mu.Unlock()

	h.logChanges(prev, next, reg.Stats())
	h.notify(next)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

func (h *Holder) notify(cfg Config) {
	h.listenersMu.RLock()
	ls := append([]Listener(nil), h.listeners...)
	h.listenersMu.RUnlock()
	for _, l := range ls {
		l(cfg)
	}
}

func (h *Holder) logChanges(prev, next Config, stats rules.Stats) {
	if prev.Bus != next.Bus {
		h.logger.Info().
			Str("old_mode", prev.Bus.Mode).Str("new_mode", next.Bus.Mode).
			Float64("old_rate", prev.Bus.RatePerSecond).Float64("new_rate", next.Bus.RatePerSecond).
			Msg("config changed: bus")
	}
	if prev.Delivery.Retry != next.Delivery.Retry {
		h.logger.Info().
			Int("old_max_attempts", prev.Delivery.Retry.MaxAttempts).
			Int("new_max_attempts", next.Delivery.Retry.MaxAttempts).
			Msg("config changed: retry policy")
	}
	if prev.Delivery.Timeout != next.Delivery.Timeout {
		h.logger.Info().Dur("old", prev.Delivery.Timeout).Dur("new", next.Delivery.Timeout).
			Msg("config changed: delivery timeout (applies after restart)")
	}
	h.logger.Info().
		Int("buses", stats.Buses).
		Int("rules", stats.Rules).
		Int("targets", stats.Targets).
		Msg("routing registry swapped")
}

// Watch reloads on file changes until ctx is done. Without a config file it
// returns immediately.
func (h *Holder) Watch(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("config file watcher disabled (no config file)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	h.logger.Info().Str("event", "config.watcher_started").Str("path", path).Msg("watching config file for changes")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().Str("event", "config.file_changed").Str("op", ev.Op.String()).Msg("config file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic config reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
