// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/handlers"
)

// DefaultBusName is the bus of the built-in topology.
const DefaultBusName = "demo-event-bus"

// Default returns the settings used when no file is given, including the
// built-in demo topology.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			RequestsPerMinute: 600,
		},
		Log: LogConfig{Level: "info"},
		Bus: BusConfig{
			Mode:        "async",
			Concurrency: 16,
		},
		Delivery: DeliveryConfig{
			Timeout:         10 * time.Second,
			Retry:           delivery.DefaultRetryPolicy(),
			Retention:       time.Hour,
			JanitorInterval: time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			Backend:  "memory",
			Capacity: 10000,
			Redis:    RedisConfig{Addr: "localhost:6379", Stream: "eventrelay:deadletters"},
			Kafka:    KafkaConfig{Topic: "eventrelay.deadletters"},
			Breaker:  BreakerConfig{Threshold: 5, ResetTimeout: 30 * time.Second},
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "eventrelay",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Buses: []BusDefinition{DefaultTopology()},
	}
}

// DefaultTopology wires the demo handlers: one rule per source, with
// payments fanned out to processing and notification.
func DefaultTopology() BusDefinition {
	return BusDefinition{
		Name: DefaultBusName,
		Rules: []RuleDefinition{
			{
				ID:      "orderCreatedRule",
				Pattern: PatternDefinition{Source: []string{"custom.orders"}, DetailType: []string{"OrderCreated"}},
				Targets: []TargetDefinition{{
					ID:          "orderProcessingTarget",
					Handler:     handlers.RefOrderProcessing,
					Environment: map[string]string{handlers.EnvEventBusName: DefaultBusName},
				}},
			},
			{
				ID:      "paymentCompletedRule",
				Pattern: PatternDefinition{Source: []string{"custom.payments"}, DetailType: []string{"PaymentCompleted"}},
				Targets: []TargetDefinition{
					{ID: "paymentProcessingTarget", Handler: handlers.RefPaymentProcessing},
					{ID: "paymentNotificationTarget", Handler: handlers.RefNotification},
				},
			},
			{
				ID:      "inventoryUpdatedRule",
				Pattern: PatternDefinition{Source: []string{"custom.inventory"}, DetailType: []string{"InventoryUpdated"}},
				Targets: []TargetDefinition{{ID: "inventoryUpdateTarget", Handler: handlers.RefInventoryUpdate}},
			},
			{
				ID:      "userRegisteredRule",
				Pattern: PatternDefinition{Source: []string{"custom.users"}, DetailType: []string{"UserRegistered"}},
				Targets: []TargetDefinition{{ID: "userRegistrationTarget", Handler: handlers.RefUserRegistration}},
			},
		},
	}
}
