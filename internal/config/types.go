// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the relay configuration: server and bus settings, the
// retry policy, dead-letter backends and the bus/rule/target topology.
package config

import (
	"time"

	"github.com/ManuGH/eventrelay/internal/delivery"
)

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Bus        BusConfig        `yaml:"bus"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Buses      []BusDefinition  `yaml:"buses"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RequestsPerMinute limits publish requests per client IP; 0 disables.
	RequestsPerMinute int `yaml:"requestsPerMinute"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type BusConfig struct {
	// Mode is "sync" or "async".
	Mode          string  `yaml:"mode"`
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type DeliveryConfig struct {
	Timeout         time.Duration        `yaml:"timeout"`
	Retry           delivery.RetryPolicy `yaml:"retry"`
	Retention       time.Duration        `yaml:"retention"`
	JanitorInterval time.Duration        `yaml:"janitorInterval"`
}

// DeadLetterConfig selects the archive. Backend is the queryable primary
// store; Redis and Kafka, when enabled, receive a copy of every entry.
type DeadLetterConfig struct {
	// Backend is "memory", "sqlite" or "badger".
	Backend  string      `yaml:"backend"`
	Capacity int         `yaml:"capacity"`
	Path     string      `yaml:"path"`
	Redis    RedisConfig `yaml:"redis"`
	Kafka    KafkaConfig `yaml:"kafka"`
	// Breaker guards the Redis and Kafka copies.
	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"resetTimeout"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"maxLen"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// BusDefinition declares one bus with its rules.
type BusDefinition struct {
	Name  string           `yaml:"name"`
	Rules []RuleDefinition `yaml:"rules"`
}

// RuleDefinition is a set pattern plus the targets it fans out to.
type RuleDefinition struct {
	ID      string             `yaml:"id"`
	Pattern PatternDefinition  `yaml:"pattern"`
	Targets []TargetDefinition `yaml:"targets"`
}

type PatternDefinition struct {
	Source     []string            `yaml:"source,omitempty"`
	DetailType []string            `yaml:"detailType,omitempty"`
	Detail     map[string][]string `yaml:"detail,omitempty"`
}

type TargetDefinition struct {
	ID          string            `yaml:"id"`
	Handler     string            `yaml:"handler"`
	Environment map[string]string `yaml:"environment,omitempty"`
}
