// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Fanout writes every entry to a queryable primary store and to any number
// of secondary sinks. A write succeeds only when every sink accepted it.
type Fanout struct {
	primary Store
	others  []Sink
}

// NewFanout returns a fanout over primary and others.
func NewFanout(primary Store, others ...Sink) *Fanout {
	return &Fanout{primary: primary, others: others}
}

func (f *Fanout) Name() string {
	names := []string{f.primary.Name()}
	for _, s := range f.others {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (f *Fanout) Write(ctx context.Context, e Entry) error {
	var errs []error
	if err := f.primary.Write(ctx, e); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", f.primary.Name(), err))
	}
	for _, s := range f.others {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) List(ctx context.Context, limit int) ([]Entry, error) {
	return f.primary.List(ctx, limit)
}

func (f *Fanout) Get(ctx context.Context, id string) (Entry, error) {
	return f.primary.Get(ctx, id)
}

// Sinks returns every sink, primary first.
func (f *Fanout) Sinks() []Sink {
	return append([]Sink{f.primary}, f.others...)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.Sinks() {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
