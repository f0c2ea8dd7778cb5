// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package delivery tracks every (event, rule, target) delivery through its
// retry state machine and keeps the outcomes queryable.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/metrics"
	"github.com/ManuGH/eventrelay/internal/model"
)

const shardCount = 32

var (
	ErrUnknownDelivery = errors.New("unknown delivery")
	ErrTerminal        = errors.New("delivery already terminal")
)

// Failure is a terminally failed delivery together with the event it carried.
type Failure struct {
	Record model.DeliveryRecord
	Event  model.Event
}

// Archiver accepts terminal failures, typically a dead-letter sink.
type Archiver interface {
	Archive(ctx context.Context, f Failure) error
}

type entry struct {
	seq    uint64
	rec    model.DeliveryRecord
	event  model.Event
	policy RetryPolicy
}

type shard struct {
	mu      sync.Mutex
	entries map[model.DeliveryKey]*entry
	byEvent map[string][]model.DeliveryKey
}

// Tracker is the one mutable structure shared by all deliveries. Updates are
// serialized per key; keys hash onto independent shards.
type Tracker struct {
	policy atomic.Pointer[RetryPolicy]
	now    func() time.Time
	seq    atomic.Uint64
	size   atomic.Int64
	shards [shardCount]*shard
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns an empty tracker applying policy to new deliveries.
func NewTracker(policy RetryPolicy, opts ...TrackerOption) *Tracker {
	t := &Tracker{now: time.Now}
	t.policy.Store(&policy)
	for i := range t.shards {
		t.shards[i] = &shard{
			entries: make(map[model.DeliveryKey]*entry),
			byEvent: make(map[string][]model.DeliveryKey),
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the policy applied to deliveries begun from now on.
func (t *Tracker) Policy() RetryPolicy { return *t.policy.Load() }

// SetPolicy replaces the policy for future deliveries. Deliveries already
// begun keep the policy they started with.
func (t *Tracker) SetPolicy(p RetryPolicy) { t.policy.Store(&p) }

func (t *Tracker) shardFor(k model.DeliveryKey) *shard {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.WriteString(k.EventID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(k.RuleID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(k.TargetID)
	return t.shards[d.Sum64()%shardCount]
}

// Begin registers a Pending delivery. It reports false if the key is known.
func (t *Tracker) Begin(k model.DeliveryKey, ev model.Event) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = &entry{
		seq:    t.seq.Add(1),
		event:  ev,
		policy: t.Policy(),
		rec: model.DeliveryRecord{
			Key:       k,
			State:     model.DeliveryPending,
			UpdatedAt: t.now(),
		},
	}
	s.byEvent[k.EventID] = append(s.byEvent[k.EventID], k)
	metrics.TrackedDeliveries.Set(float64(t.size.Add(1)))
	return true
}

// Record appends an outcome and advances the state machine: success ends in
// Succeeded, a retryable failure below the attempt limit moves to Retrying,
// anything else ends in Exhausted.
func (t *Tracker) Record(o model.InvocationOutcome) (model.DeliveryRecord, error) {
	k := o.Key()
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, k)
	}
	if e.rec.State.Terminal() {
		return snapshot(e.rec), fmt.Errorf("%w: %s", ErrTerminal, k)
	}

	e.rec.Outcomes = append(e.rec.Outcomes, o)
	e.rec.UpdatedAt = t.now()
	switch {
	case o.Status == model.StatusSuccess:
		e.rec.State = model.DeliverySucceeded
	case e.policy.Retryable(o.Status, len(e.rec.Outcomes)):
		e.rec.State = model.DeliveryRetrying
	default:
		e.rec.State = model.DeliveryExhausted
	}
	return snapshot(e.rec), nil
}

// ShouldRetry reports whether the delivery awaits another attempt.
func (t *Tracker) ShouldRetry(k model.DeliveryKey) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	return ok && e.rec.State == model.DeliveryRetrying
}

// Backoff returns the delay before the attempt after the given one, using
// the policy the delivery began with.
func (t *Tracker) Backoff(k model.DeliveryKey, attempt int) time.Duration {
	s := t.shardFor(k)
	s.mu.Lock()
	e, ok := s.entries[k]
	s.mu.Unlock()
	if !ok {
		return t.Policy().Backoff(attempt)
	}
	return e.policy.Backoff(attempt)
}

// Resume moves a Retrying delivery back to Pending before its next attempt.
func (t *Tracker) Resume(k model.DeliveryKey) error {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, k)
	}
	if e.rec.State != model.DeliveryRetrying {
		return fmt.Errorf("delivery %s is %s, not %s", k, e.rec.State, model.DeliveryRetrying)
	}
	e.rec.State = model.DeliveryPending
	e.rec.UpdatedAt = t.now()
	return nil
}

// Abandon terminates a non-terminal delivery as Exhausted with reason, for
// deliveries cut short by shutdown.
func (t *Tracker) Abandon(k model.DeliveryKey, reason string) (model.DeliveryRecord, error) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, k)
	}
	if e.rec.State.Terminal() {
		return snapshot(e.rec), fmt.Errorf("%w: %s", ErrTerminal, k)
	}
	e.rec.State = model.DeliveryExhausted
	e.rec.Reason = reason
	e.rec.UpdatedAt = t.now()
	return snapshot(e.rec), nil
}

// MarkArchived flags a terminal failure as accepted by a dead-letter sink,
// which makes it eligible for pruning.
func (t *Tracker) MarkArchived(k model.DeliveryKey) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || e.rec.State != model.DeliveryExhausted {
		return false
	}
	e.rec.Archived = true
	return true
}

// Get returns a copy of one delivery record.
func (t *Tracker) Get(k model.DeliveryKey) (model.DeliveryRecord, bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return model.DeliveryRecord{}, false
	}
	return snapshot(e.rec), true
}

// RecordsFor returns the deliveries of one event in the order they began.
func (t *Tracker) RecordsFor(eventID string) []model.DeliveryRecord {
	type seqRec struct {
		seq uint64
		rec model.DeliveryRecord
	}
	var found []seqRec
	for _, s := range t.shards {
		s.mu.Lock()
		for _, k := range s.byEvent[eventID] {
			if e, ok := s.entries[k]; ok {
				found = append(found, seqRec{seq: e.seq, rec: snapshot(e.rec)})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]model.DeliveryRecord, len(found))
	for i, f := range found {
		out[i] = f.rec
	}
	return out
}

// OutcomesFor returns every recorded attempt of one event, grouped by
// delivery in begin order and by attempt within a delivery.
func (t *Tracker) OutcomesFor(eventID string) []model.InvocationOutcome {
	var out []model.InvocationOutcome
	for _, rec := range t.RecordsFor(eventID) {
		out = append(out, rec.Outcomes...)
	}
	return out
}

// TerminalFailures returns all Exhausted deliveries, oldest first.
func (t *Tracker) TerminalFailures() []model.DeliveryRecord {
	var out []model.DeliveryRecord
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.rec.State == model.DeliveryExhausted {
				out = append(out, snapshot(e.rec))
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// Unarchived returns Exhausted deliveries no sink has accepted yet.
func (t *Tracker) Unarchived() []Failure {
	var out []Failure
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.rec.State == model.DeliveryExhausted && !e.rec.Archived {
				out = append(out, Failure{Record: snapshot(e.rec), Event: e.event})
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Counts returns the number of tracked deliveries per state.
func (t *Tracker) Counts() map[model.DeliveryState]int {
	out := make(map[model.DeliveryState]int, 4)
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			out[e.rec.State]++
		}
		s.mu.Unlock()
	}
	return out
}

// Len is the number of tracked deliveries.
func (t *Tracker) Len() int { return int(t.size.Load()) }

// Prune drops terminal records last updated before now-retention. Exhausted
// records are kept until archived.
func (t *Tracker) Prune(retention time.Duration) int {
	return t.prune(retention, false)
}

func (t *Tracker) prune(retention time.Duration, keepExhausted bool) int {
	cutoff := t.now().Add(-retention)
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !e.rec.State.Terminal() || e.rec.UpdatedAt.After(cutoff) {
				continue
			}
			if e.rec.State == model.DeliveryExhausted && (keepExhausted || !e.rec.Archived) {
				continue
			}
			delete(s.entries, k)
			keys := slices.DeleteFunc(s.byEvent[k.EventID], func(x model.DeliveryKey) bool { return x == k })
			if len(keys) == 0 {
				delete(s.byEvent, k.EventID)
			} else {
				s.byEvent[k.EventID] = keys
			}
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		metrics.TrackedDeliveries.Set(float64(t.size.Add(-int64(removed))))
		metrics.PrunedDeliveriesTotal.Add(float64(removed))
	}
	return removed
}

// JanitorConfig drives Run.
type JanitorConfig struct {
	Interval  time.Duration
	Retention time.Duration
	// Archiver, when set, is offered unarchived failures on every tick.
	Archiver Archiver
	// KeepExhausted retains exhausted records even once archived. Set it
	// when the archive may drop entries, such as a bounded memory store.
	KeepExhausted bool
}

// Run prunes on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, cfg JanitorConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	logger := log.WithComponent("delivery.janitor")
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			archived := 0
			if cfg.Archiver != nil {
				for _, f := range t.Unarchived() {
					if err := cfg.Archiver.Archive(ctx, f); err != nil {
						logger.Warn().Err(err).Str("event", "janitor.archive_failed").Str("key", f.Record.Key.String()).Msg("dead-letter sink rejected failure")
						continue
					}
					if t.MarkArchived(f.Record.Key) {
						archived++
					}
				}
			}
			removed := t.prune(cfg.Retention, cfg.KeepExhausted)
			if removed > 0 || archived > 0 {
				logger.Debug().Str("event", "janitor.tick").Int("pruned", removed).Int("archived", archived).Int("tracked", t.Len()).Msg("retention pass complete")
			}
		}
	}
}

func snapshot(r model.DeliveryRecord) model.DeliveryRecord {
	r.Outcomes = slices.Clone(r.Outcomes)
	return r
}
