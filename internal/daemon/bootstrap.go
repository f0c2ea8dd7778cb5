// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the relay together and owns its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ManuGH/eventrelay/internal/api"
	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/deadletter"
	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/dispatch"
	"github.com/ManuGH/eventrelay/internal/handlers"
	"github.com/ManuGH/eventrelay/internal/health"
	"github.com/ManuGH/eventrelay/internal/invoke"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/resilience"
	"github.com/ManuGH/eventrelay/internal/telemetry"
	"github.com/rs/zerolog"
)

// backlogThreshold marks readiness degraded once this many terminal
// failures wait for the archive.
const backlogThreshold = 100

// Runtime is a fully wired relay.
type Runtime struct {
	Config  *config.Holder
	Bus     *bus.Bus
	Tracker *delivery.Tracker
	Archive deadletter.Store
	// DurableArchive is false when the primary store may drop entries.
	DurableArchive bool
	Archiver       *deadletter.Archiver
	Catalog        *invoke.Catalog
	Health         *health.Manager
	API            *api.Server
	Telemetry      *telemetry.Provider

	closers []namedCloser
	logger  zerolog.Logger
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Build wires every component from cfg. On error, whatever was opened is
// closed again.
func Build(ctx context.Context, cfg config.Config, loader *config.Loader, version string) (_ *Runtime, err error) {
	rt := &Runtime{logger: log.WithComponent("daemon")}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		rt.logger.Warn().Err(err).Str("event", "telemetry.init_failed").Msg("telemetry initialization failed, continuing without tracing")
	} else {
		rt.Telemetry = tp
		rt.addCloser("telemetry", tp.Shutdown)
	}

	holder, err := config.NewHolder(cfg, loader)
	if err != nil {
		return nil, err
	}
	rt.Config = holder

	rt.Health = health.NewManager(version)
	store, err := rt.openArchive(ctx, cfg.DeadLetter)
	if err != nil {
		return nil, err
	}
	rt.Archive = store
	rt.Archiver = deadletter.NewArchiver(store)

	rt.Catalog = invoke.NewCatalog()
	rt.Tracker = delivery.NewTracker(cfg.Delivery.Retry)
	invoker := invoke.NewInvoker(rt.Catalog, invoke.WithTimeout(cfg.Delivery.Timeout))
	d := dispatch.New(holder.Registry(), invoker, rt.Tracker,
		dispatch.WithConcurrency(cfg.Bus.Concurrency),
		dispatch.WithArchiver(rt.Archiver))
	rt.Bus = bus.New(d, busSettings(cfg.Bus))
	rt.addCloser("bus", rt.Bus.Close)

	if err := handlers.Register(rt.Catalog, handlers.Deps{Publisher: rt.Bus.Emitter()}); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	if unknown := config.UnknownHandlers(cfg.Buses, rt.Catalog.Refs()); len(unknown) > 0 {
		rt.logger.Warn().Strs("handlers", unknown).Str("event", "config.unknown_handlers").
			Msg("targets reference handlers that are not registered; their deliveries will fail")
	}

	holder.OnReload(func(next config.Config) {
		rt.Bus.Apply(busSettings(next.Bus))
		rt.Tracker.SetPolicy(next.Delivery.Retry)
	})

	rt.Health.RegisterChecker(health.NewRegistryChecker(holder.Registry()))
	rt.Health.RegisterChecker(health.NewBacklogChecker(func() int { return len(rt.Tracker.Unarchived()) }, backlogThreshold))

	rt.API = api.New(api.Config{
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		TracingService:    tracingService(cfg.Telemetry),
	}, api.Deps{
		Publisher:   rt.Bus,
		Deliveries:  rt.Tracker,
		Registry:    holder.Registry(),
		DeadLetters: store,
		Health:      rt.Health,
		Version:     version,
	})

	stats := holder.Registry().Snapshot().Stats()
	rt.logger.Info().
		Str("event", "daemon.wired").
		Str("mode", cfg.Bus.Mode).
		Str("archive", store.Name()).
		Int("buses", stats.Buses).
		Int("rules", stats.Rules).
		Int("targets", stats.Targets).
		Msg("runtime wired")
	return rt, nil
}

func busSettings(c config.BusConfig) bus.Settings {
	return bus.Settings{Mode: bus.Mode(c.Mode), RatePerSecond: c.RatePerSecond, Burst: c.Burst}
}

func tracingService(c config.TelemetryConfig) string {
	if !c.Enabled {
		return ""
	}
	return c.ServiceName
}

// openArchive opens the primary store plus optional stream and topic copies
// and registers their health checks.
func (rt *Runtime) openArchive(ctx context.Context, c config.DeadLetterConfig) (deadletter.Store, error) {
	var primary deadletter.Store
	switch c.Backend {
	case "", "memory":
		primary = deadletter.NewMemoryStore(c.Capacity)
	case "sqlite":
		s, err := deadletter.OpenSQLite(c.Path)
		if err != nil {
			return nil, err
		}
		rt.addCloser("deadletter.sqlite", closeFunc(s))
		rt.Health.RegisterChecker(health.NewSQLiteChecker(s.DB()))
		primary = s
		rt.DurableArchive = true
	case "badger":
		s, err := deadletter.OpenBadger(c.Path)
		if err != nil {
			return nil, err
		}
		rt.addCloser("deadletter.badger", closeFunc(s))
		primary = s
		rt.DurableArchive = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	var others []deadletter.Sink
	if c.Redis.Enabled {
		rs, err := deadletter.NewRedisStream(ctx, deadletter.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Stream:   c.Redis.Stream,
			MaxLen:   c.Redis.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		g := guardSink(rs, c.Breaker)
		rt.addCloser("deadletter.redis", closeFunc(g))
		rt.Health.RegisterChecker(health.NewFuncChecker("deadletter_redis", rs.Ping))
		others = append(others, g)
	}
	if c.Kafka.Enabled {
		ks := deadletter.NewKafkaSink(deadletter.KafkaConfig{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic})
		g := guardSink(ks, c.Breaker)
		rt.addCloser("deadletter.kafka", closeFunc(g))
		rt.Health.RegisterChecker(health.NewFuncChecker("deadletter_kafka", func(context.Context) error {
			if g.State() == resilience.StateOpen {
				return resilience.ErrOpen
			}
			return nil
		}))
		others = append(others, g)
	}
	if len(others) == 0 {
		return primary, nil
	}
	return deadletter.NewFanout(primary, others...), nil
}

func guardSink(s deadletter.Sink, c config.BreakerConfig) *deadletter.Guarded {
	return deadletter.Guard(s, resilience.New("deadletter."+s.Name(), c.Threshold, c.ResetTimeout))
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

func (rt *Runtime) addCloser(name string, fn func(context.Context) error) {
	rt.closers = append(rt.closers, namedCloser{name: name, close: fn})
}

// Close releases resources in reverse order of acquisition: the bus drains
// first, then the archives close, telemetry flushes last.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// RegisterHooks hands every closer to the manager in acquisition order.
func (rt *Runtime) RegisterHooks(m *Manager) {
	for _, c := range rt.closers {
		m.RegisterShutdownHook(c.name, c.close)
	}
	rt.closers = nil
}
