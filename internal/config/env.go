// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/eventrelay/internal/log"
)

// EnvPrefix is shared by every environment override.
const EnvPrefix = "EVENTRELAY_"

// parseEnv reads key and converts it with parse. Missing, empty or invalid
// values fall back to defaultValue; the chosen source is logged at debug.
func parseEnv[T any](key string, defaultValue T, kind string, parse func(string) (T, error)) T {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().
			Str("key", key).
			Interface("default", defaultValue).
			Str("source", "default").
			Msg("using default value")
		return defaultValue
	}
	parsed, err := parse(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Interface("default", defaultValue).
			Msgf("invalid %s in environment variable, using default", kind)
		return defaultValue
	}
	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if isSensitive(key) {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Str("value", v)
	}
	ev.Msg("using environment variable")
	return parsed
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "password")
}

// ParseString reads a string from environment variable or returns default value.
func ParseString(key, defaultValue string) string {
	return parseEnv(key, defaultValue, "string", func(s string) (string, error) { return s, nil })
}

// ParseInt reads an integer from environment variable or returns default value.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, "integer", strconv.Atoi)
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, "float", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseDuration reads a duration in Go duration format (e.g. "5s").
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, "duration", time.ParseDuration)
}

// ParseBool accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, "boolean", func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

// ParseList reads a comma separated list, dropping blank items.
func ParseList(key string, defaultValue []string) []string {
	return parseEnv(key, defaultValue, "list", func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	})
}

// applyEnv overlays EVENTRELAY_* variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = ParseString(EnvPrefix+"LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.RequestsPerMinute = ParseInt(EnvPrefix+"REQUESTS_PER_MINUTE", cfg.Server.RequestsPerMinute)
	cfg.Server.ShutdownTimeout = ParseDuration(EnvPrefix+"SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Log.Level = ParseString(EnvPrefix+"LOG_LEVEL", cfg.Log.Level)

	cfg.Bus.Mode = ParseString(EnvPrefix+"BUS_MODE", cfg.Bus.Mode)
	cfg.Bus.Concurrency = ParseInt(EnvPrefix+"BUS_CONCURRENCY", cfg.Bus.Concurrency)
	cfg.Bus.RatePerSecond = ParseFloat(EnvPrefix+"BUS_RATE", cfg.Bus.RatePerSecond)
	cfg.Bus.Burst = ParseInt(EnvPrefix+"BUS_BURST", cfg.Bus.Burst)

	d := &cfg.Delivery
	d.Timeout = ParseDuration(EnvPrefix+"DELIVERY_TIMEOUT", d.Timeout)
	d.Retention = ParseDuration(EnvPrefix+"DELIVERY_RETENTION", d.Retention)
	d.Retry.MaxAttempts = ParseInt(EnvPrefix+"RETRY_MAX_ATTEMPTS", d.Retry.MaxAttempts)
	d.Retry.InitialBackoff = ParseDuration(EnvPrefix+"RETRY_INITIAL_BACKOFF", d.Retry.InitialBackoff)
	d.Retry.Multiplier = ParseFloat(EnvPrefix+"RETRY_MULTIPLIER", d.Retry.Multiplier)
	d.Retry.MaxBackoff = ParseDuration(EnvPrefix+"RETRY_MAX_BACKOFF", d.Retry.MaxBackoff)
	d.Retry.Jitter = ParseFloat(EnvPrefix+"RETRY_JITTER", d.Retry.Jitter)

	dl := &cfg.DeadLetter
	dl.Backend = ParseString(EnvPrefix+"DEADLETTER_BACKEND", dl.Backend)
	dl.Path = ParseString(EnvPrefix+"DEADLETTER_PATH", dl.Path)
	dl.Redis.Enabled = ParseBool(EnvPrefix+"REDIS_ENABLED", dl.Redis.Enabled)
	dl.Redis.Addr = ParseString(EnvPrefix+"REDIS_ADDR", dl.Redis.Addr)
	dl.Redis.Password = ParseString(EnvPrefix+"REDIS_PASSWORD", dl.Redis.Password)
	dl.Kafka.Enabled = ParseBool(EnvPrefix+"KAFKA_ENABLED", dl.Kafka.Enabled)
	dl.Kafka.Brokers = ParseList(EnvPrefix+"KAFKA_BROKERS", dl.Kafka.Brokers)
	dl.Kafka.Topic = ParseString(EnvPrefix+"KAFKA_TOPIC", dl.Kafka.Topic)

	tc := &cfg.Telemetry
	tc.Enabled = ParseBool(EnvPrefix+"TRACING_ENABLED", tc.Enabled)
	tc.ExporterType = ParseString(EnvPrefix+"OTLP_EXPORTER", tc.ExporterType)
	tc.Endpoint = ParseString(EnvPrefix+"OTLP_ENDPOINT", tc.Endpoint)
	tc.SamplingRate = ParseFloat(EnvPrefix+"TRACING_SAMPLE_RATE", tc.SamplingRate)
}
