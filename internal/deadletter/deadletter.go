// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package deadletter archives deliveries that exhausted their retries.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/metrics"
	"github.com/ManuGH/eventrelay/internal/model"
)

// ErrNotFound is returned by Store.Get for unknown ids.
var ErrNotFound = errors.New("dead letter not found")

// Entry is the archived form of a terminal failure. ID is the delivery key
// in its string form, so re-archiving the same delivery overwrites it.
type Entry struct {
	ID        string                    `json:"id"`
	Key       model.DeliveryKey         `json:"key"`
	Event     model.Event               `json:"event"`
	Attempts  int                       `json:"attempts"`
	Status    model.Status              `json:"status,omitempty"`
	ErrorKind model.ErrorKind           `json:"errorKind,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Outcomes  []model.InvocationOutcome `json:"outcomes"`
	FailedAt  time.Time                 `json:"failedAt"`
}

// EntryFrom converts a tracker failure.
func EntryFrom(f delivery.Failure) Entry {
	e := Entry{
		ID:       f.Record.Key.String(),
		Key:      f.Record.Key,
		Event:    f.Event,
		Attempts: f.Record.Attempts(),
		Reason:   f.Record.Reason,
		Outcomes: f.Record.Outcomes,
		FailedAt: f.Record.UpdatedAt.UTC(),
	}
	if last, ok := f.Record.Last(); ok {
		e.Status = last.Status
		e.ErrorKind = last.ErrorKind
		e.Error = last.Error
	}
	if e.Reason != "" && e.ErrorKind == model.ErrorKindNone {
		e.ErrorKind = model.ErrorKindAborted
	}
	return e
}

// Sink receives dead letters.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
}

// Store is a Sink that can be queried.
type Store interface {
	Sink
	List(ctx context.Context, limit int) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
}

// Archiver adapts a Sink to delivery.Archiver.
type Archiver struct {
	sink Sink
}

// NewArchiver returns an archiver writing to sink.
func NewArchiver(sink Sink) *Archiver {
	return &Archiver{sink: sink}
}

// Archive implements delivery.Archiver.
func (a *Archiver) Archive(ctx context.Context, f delivery.Failure) error {
	err := a.sink.Write(ctx, EntryFrom(f))
	metrics.IncDeadLetter(a.sink.Name(), err)
	return err
}

var _ delivery.Archiver = (*Archiver)(nil)

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
