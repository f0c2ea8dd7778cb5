// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/rs/zerolog"
)

// Validate checks every section and the topology. All problems are reported
// at once, each wrapped in ErrInvalidConfig.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			add("server.listenAddr %q: %v", cfg.Server.ListenAddr, err)
		}
	}
	if cfg.Server.RequestsPerMinute < 0 {
		add("server.requestsPerMinute must not be negative")
	}
	if cfg.Log.Level != "" {
		if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
			add("log.level %q is not a level", cfg.Log.Level)
		}
	}

	if !bus.Mode(cfg.Bus.Mode).Valid() {
		add("bus.mode %q must be sync or async", cfg.Bus.Mode)
	}
	if cfg.Bus.Concurrency < 0 {
		add("bus.concurrency must not be negative")
	}
	if cfg.Bus.RatePerSecond < 0 || cfg.Bus.Burst < 0 {
		add("bus.ratePerSecond and bus.burst must not be negative")
	}

	if cfg.Delivery.Timeout <= 0 {
		add("delivery.timeout must be positive")
	}
	if err := cfg.Delivery.Retry.Validate(); err != nil {
		add("delivery.retry: %v", err)
	}
	if cfg.Delivery.Retention < 0 || cfg.Delivery.JanitorInterval < 0 {
		add("delivery.retention and delivery.janitorInterval must not be negative")
	}

	switch dl := cfg.DeadLetter; dl.Backend {
	case "memory":
	case "sqlite", "badger":
		if strings.TrimSpace(dl.Path) == "" {
			add("deadLetter.path is required for backend %q", dl.Backend)
		}
	default:
		add("deadLetter.backend %q must be memory, sqlite or badger", dl.Backend)
	}
	if cfg.DeadLetter.Redis.Enabled && cfg.DeadLetter.Redis.Addr == "" {
		add("deadLetter.redis.addr is required when redis is enabled")
	}
	if k := cfg.DeadLetter.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		add("deadLetter.kafka needs brokers and a topic when enabled")
	}
	if b := cfg.DeadLetter.Breaker; b.Threshold < 0 || b.ResetTimeout < 0 {
		add("deadLetter.breaker settings must not be negative")
	}

	if t := cfg.Telemetry; t.Enabled {
		if t.ExporterType != "grpc" && t.ExporterType != "http" {
			add("telemetry.exporterType %q must be grpc or http", t.ExporterType)
		}
		if t.SamplingRate < 0 || t.SamplingRate > 1 {
			add("telemetry.samplingRate must be within [0, 1]")
		}
	}

	if len(cfg.Buses) == 0 {
		add("at least one bus is required")
	} else if _, err := BuildRegistry(cfg.Buses); err != nil {
		add("%v", err)
	}
	return errors.Join(errs...)
}
