// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dispatch fans a published event out to every target of every
// matching rule and drives each delivery through its retries.
package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/metrics"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/rules"
	"github.com/ManuGH/eventrelay/internal/telemetry"
)

// archiveTimeout bounds a dead-letter write, which runs even after the
// delivery context was cancelled.
const archiveTimeout = 5 * time.Second

// Invoker performs one attempt at one target.
type Invoker interface {
	Invoke(ctx context.Context, target model.Target, ev model.Event, attempt int) model.InvocationOutcome
}

// Waiter blocks for d or until ctx is done.
type Waiter func(ctx context.Context, d time.Duration) error

// Dispatcher routes events using the current registry snapshot.
type Dispatcher struct {
	registry rules.Source
	invoker  Invoker
	tracker  *delivery.Tracker
	archiver delivery.Archiver
	limit    int
	wait     Waiter
	tracer   trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency caps concurrent handler invocations per dispatched event.
// Backoff waits do not count against the cap. Zero or less means no cap.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.limit = n }
}

// WithArchiver hands exhausted deliveries to a dead-letter sink.
func WithArchiver(a delivery.Archiver) Option {
	return func(d *Dispatcher) { d.archiver = a }
}

// WithWaiter replaces the backoff timer, for tests.
func WithWaiter(w Waiter) Option {
	return func(d *Dispatcher) {
		if w != nil {
			d.wait = w
		}
	}
}

// New returns a dispatcher.
func New(src rules.Source, inv Invoker, tr *delivery.Tracker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: src,
		invoker:  inv,
		tracker:  tr,
		wait:     sleep,
		tracer:   telemetry.Tracer("eventrelay/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tracker exposes the delivery tracker for queries.
func (d *Dispatcher) Tracker() *delivery.Tracker { return d.tracker }

// Route is one (rule, target) pair an event will be delivered through.
type Route struct {
	Rule   model.Rule
	Target model.Target
}

// Key returns the delivery key of ev along this route.
func (r Route) Key(eventID string) model.DeliveryKey {
	return model.DeliveryKey{EventID: eventID, RuleID: r.Rule.ID, TargetID: r.Target.ID}
}

// Plan is the routing decision for one event, taken against one registry
// snapshot.
type Plan struct {
	Event    model.Event
	BusKnown bool
	Routes   []Route
}

// Plan matches ev against the current snapshot. A target bound to several
// matching rules appears once per rule.
func (d *Dispatcher) Plan(ev model.Event) Plan {
	return PlanOn(d.registry.Snapshot(), ev)
}

// PlanOn matches ev against reg.
func PlanOn(reg *rules.Registry, ev model.Event) Plan {
	p := Plan{Event: ev, BusKnown: reg.HasBus(ev.BusName)}
	if !p.BusKnown {
		return p
	}
	for _, rule := range reg.RulesFor(ev.BusName) {
		if !rules.Matches(ev, rule) {
			continue
		}
		metrics.IncRuleMatch(ev.BusName, rule.ID)
		for _, target := range reg.TargetsFor(ev.BusName, rule.ID) {
			p.Routes = append(p.Routes, Route{Rule: rule, Target: target})
		}
	}
	return p
}

// Dispatch delivers ev and waits until every delivery is terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event) []model.DeliveryRecord {
	h := d.Execute(ctx, d.Plan(ev))
	<-h.Done()
	return h.Records()
}

// Schedule starts delivering ev and returns immediately.
func (d *Dispatcher) Schedule(ctx context.Context, ev model.Event) *Handle {
	return d.Execute(ctx, d.Plan(ev))
}

// Execute starts the deliveries of a plan. Every delivery is registered with
// the tracker before Execute returns. Deliveries share nothing but ctx: a
// failing, slow or panicking target does not affect its siblings.
//
// Executing a plan twice does not deliver twice. Keys the tracker already
// knows are skipped and reported as the tracker holds them.
func (d *Dispatcher) Execute(ctx context.Context, p Plan) *Handle {
	h := &Handle{done: make(chan struct{}), records: make([]model.DeliveryRecord, len(p.Routes))}
	if len(p.Routes) == 0 {
		if p.BusKnown {
			metrics.IncUnmatched(p.Event.BusName)
			logger := log.WithComponent("dispatch")
			logger.Debug().
				Str("event", "dispatch.unmatched").
				Str(log.FieldEventID, p.Event.ID).
				Str(log.FieldSource, p.Event.Source).
				Str(log.FieldDetailType, p.Event.DetailType).
				Msg("no rule matched, event dropped")
		}
		close(h.done)
		return h
	}

	h.keys = make([]model.DeliveryKey, len(p.Routes))
	owned := make([]bool, len(p.Routes))
	for i, r := range p.Routes {
		k := r.Key(p.Event.ID)
		h.keys[i] = k
		// a key already in the tracker belongs to an earlier run of this plan
		if owned[i] = d.tracker.Begin(k, p.Event); owned[i] {
			metrics.InflightDeliveries.Inc()
		} else {
			logger := log.WithComponent("dispatch")
			logger.Warn().Str("event", "dispatch.duplicate").Str("key", k.String()).Msg("delivery already started, not executing again")
		}
	}

	var sem *semaphore.Weighted
	if d.limit > 0 {
		sem = semaphore.NewWeighted(int64(d.limit))
	}

	go func() {
		defer close(h.done)
		var g errgroup.Group
		for i, r := range p.Routes {
			if !owned[i] {
				continue
			}
			g.Go(func() error {
				h.records[i] = d.deliver(ctx, sem, p.Event, r)
				return nil
			})
		}
		_ = g.Wait()
		for i, k := range h.keys {
			if !owned[i] {
				h.records[i], _ = d.tracker.Get(k)
			}
		}
	}()
	return h
}

// invoke runs one attempt. With a limit, the slot is held for the attempt
// only, never across a backoff.
func (d *Dispatcher) invoke(ctx context.Context, sem *semaphore.Weighted, r Route, ev model.Event, attempt int) model.InvocationOutcome {
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			now := time.Now()
			return model.InvocationOutcome{
				EventID:    ev.ID,
				RuleID:     r.Rule.ID,
				TargetID:   r.Target.ID,
				Attempt:    attempt,
				Status:     model.StatusFailed,
				ErrorKind:  model.ErrorKindAborted,
				Error:      "invocation aborted: " + err.Error(),
				StartedAt:  now,
				FinishedAt: now,
			}
		}
		defer sem.Release(1)
	}
	return d.invoker.Invoke(ctx, r.Target, ev, attempt)
}

func (d *Dispatcher) deliver(ctx context.Context, sem *semaphore.Weighted, ev model.Event, r Route) model.DeliveryRecord {
	k := r.Key(ev.ID)
	ctx, span := d.tracer.Start(ctx, "deliver "+r.Target.ID,
		trace.WithAttributes(telemetry.DeliveryAttributes(r.Rule.ID, r.Target.ID, r.Target.HandlerRef, 0)...))
	defer span.End()
	defer metrics.InflightDeliveries.Dec()

	logger := log.WithComponent("dispatch").With().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldRuleID, r.Rule.ID).
		Str(log.FieldTargetID, r.Target.ID).
		Logger()

	for attempt := 1; ; attempt++ {
		out := d.invoke(ctx, sem, r, ev, attempt)
		rec, err := d.tracker.Record(out)
		if err != nil {
			logger.Error().Err(err).Str("event", "delivery.record_failed").Int(log.FieldAttempt, attempt).Msg("outcome could not be recorded")
			return rec
		}

		switch rec.State {
		case model.DeliverySucceeded:
			metrics.IncTerminal(r.Target.ID, string(rec.State))
			span.SetAttributes(telemetry.OutcomeAttributes(string(out.Status), "")...)
			return rec

		case model.DeliveryExhausted:
			metrics.IncTerminal(r.Target.ID, string(rec.State))
			span.SetAttributes(telemetry.OutcomeAttributes(string(out.Status), string(out.ErrorKind))...)
			logger.Warn().
				Str("event", "delivery.exhausted").
				Int(log.FieldAttempt, attempt).
				Str("error_kind", string(out.ErrorKind)).
				Str("error", out.Error).
				Msg("delivery exhausted")
			return d.archive(ctx, ev, rec)

		case model.DeliveryRetrying:
			backoff := d.tracker.Backoff(k, attempt)
			metrics.IncRetry(r.Target.ID)
			logger.Info().
				Str("event", "delivery.retry").
				Int(log.FieldAttempt, attempt).
				Str(log.FieldStatus, string(out.Status)).
				Dur("backoff", backoff).
				Msg("delivery failed, retry scheduled")

			if werr := d.wait(ctx, backoff); werr != nil {
				rec, err = d.tracker.Abandon(k, "aborted during backoff: "+werr.Error())
				if err != nil {
					return rec
				}
				metrics.IncTerminal(r.Target.ID, string(rec.State))
				logger.Warn().Str("event", "delivery.aborted").Int(log.FieldAttempt, attempt).Msg("delivery aborted by shutdown")
				return d.archive(ctx, ev, rec)
			}
			if err := d.tracker.Resume(k); err != nil {
				logger.Error().Err(err).Str("event", "delivery.resume_failed").Msg("delivery could not be resumed")
				rec, _ = d.tracker.Get(k)
				return rec
			}

		default:
			return rec
		}
	}
}

func (d *Dispatcher) archive(ctx context.Context, ev model.Event, rec model.DeliveryRecord) model.DeliveryRecord {
	if d.archiver == nil {
		return rec
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := d.archiver.Archive(actx, delivery.Failure{Record: rec, Event: ev}); err != nil {
		logger := log.WithComponent("dispatch")
		logger.Error().Err(err).
			Str("event", "deadletter.write_failed").
			Str("key", rec.Key.String()).
			Msg("dead-letter sink rejected failure, janitor will retry")
		return rec
	}
	if d.tracker.MarkArchived(rec.Key) {
		rec.Archived = true
	}
	return rec
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
