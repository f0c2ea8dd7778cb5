// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the relay over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ManuGH/eventrelay/internal/api/middleware"
	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/deadletter"
	"github.com/ManuGH/eventrelay/internal/health"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/rules"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxBatchEntries caps one publish request.
const MaxBatchEntries = 10

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) (bus.PublishResult, error)
}

// DeliveryReader answers delivery queries.
type DeliveryReader interface {
	RecordsFor(eventID string) []model.DeliveryRecord
	OutcomesFor(eventID string) []model.InvocationOutcome
	Counts() map[model.DeliveryState]int
}

// Deps are the collaborators of the server. DeadLetters and Health may be nil.
type Deps struct {
	Publisher   Publisher
	Deliveries  DeliveryReader
	Registry    rules.Source
	DeadLetters deadletter.Store
	Health      *health.Manager
	Version     string
}

// Config controls the HTTP surface.
type Config struct {
	// RequestsPerMinute limits publish requests per client IP; 0 disables.
	RequestsPerMinute int
	TracingService    string
	// MaxBodyBytes bounds publish bodies.
	MaxBodyBytes int64
}

// Server holds the routed handler.
type Server struct {
	deps    Deps
	cfg     Config
	handler http.Handler
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{deps: deps, cfg: cfg}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() chi.Router {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:  true,
		TracingService: s.cfg.TracingService,
		EnableLogging:  true,
	})

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.ServeHealth)
		r.Get("/readyz", s.deps.Health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(middleware.RateLimitConfig{
			RequestLimit: s.cfg.RequestsPerMinute,
			WindowSize:   time.Minute,
		})).Post("/events", s.handlePublish)
		r.Get("/events/{eventID}/outcomes", s.handleOutcomes)
		r.Get("/events/{eventID}/deliveries", s.handleDeliveries)
		r.Get("/deadletters", s.handleDeadLetters)
		r.Get("/deadletters/*", s.handleDeadLetter)
		r.Get("/rules", s.handleRules)
		r.Get("/status", s.handleStatus)
	})
	return r
}
