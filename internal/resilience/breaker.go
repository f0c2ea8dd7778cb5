// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resilience guards slow or failing dependencies.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/eventrelay/internal/metrics"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned without calling the guarded function while the breaker
// is open or a half-open probe is already running.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker opens after Threshold consecutive failures and lets a single probe
// through once ResetTimeout has passed.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a closed breaker. Non-positive settings fall back to 5
// failures and 30 seconds.
func New(name string, threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetBreakerState(name, string(b.state))
	return b
}

// Name identifies the breaker in metrics.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker rejects the call. Context cancellation by
// the caller is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, ok := b.allow()
	if !ok {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.success()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release(probe)
	default:
		b.failure(probe)
	}
	return err
}

func (b *Breaker) allow() (probe bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, false
		}
		b.transition(StateHalfOpen)
		fallthrough
	default:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(StateClosed)
}

func (b *Breaker) failure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if probe {
		b.probing = false
		metrics.RecordBreakerTrip(b.name, "half_open_failure")
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		metrics.RecordBreakerTrip(b.name, "threshold_exceeded")
		b.transition(StateOpen)
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// transition requires b.mu.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.state = next
	if next == StateOpen {
		b.openedAt = b.now()
	}
	metrics.SetBreakerState(b.name, string(next))
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
