// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"io"

	"github.com/ManuGH/eventrelay/internal/resilience"
)

// Guarded fails writes fast while the breaker is open, so a dead secondary
// sink does not stall every archive call for its full network timeout.
type Guarded struct {
	sink    Sink
	breaker *resilience.Breaker
}

// Guard wraps sink with b.
func Guard(sink Sink, b *resilience.Breaker) *Guarded {
	return &Guarded{sink: sink, breaker: b}
}

func (g *Guarded) Name() string { return g.sink.Name() }

func (g *Guarded) Write(ctx context.Context, e Entry) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.sink.Write(ctx, e)
	})
}

// State exposes the breaker position for health checks.
func (g *Guarded) State() resilience.State { return g.breaker.State() }

// Close closes the wrapped sink when it holds resources.
func (g *Guarded) Close() error {
	if c, ok := g.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
