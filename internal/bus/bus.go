// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus is the publish entry point: it validates events, stamps them
// and hands them to the dispatcher in sync or async mode.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ManuGH/eventrelay/internal/dispatch"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/metrics"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/telemetry"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("bus closed")
	// ErrThrottled is returned when the publish admission limit is exceeded.
	ErrThrottled = errors.New("publish throttled")
)

// Mode selects whether Publish waits for deliveries.
type Mode string

const (
	// ModeSync waits until every delivery is terminal.
	ModeSync Mode = "sync"
	// ModeAsync returns once deliveries are scheduled.
	ModeAsync Mode = "async"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeSync || m == ModeAsync }

// Settings are the reloadable knobs of a bus.
type Settings struct {
	Mode Mode
	// RatePerSecond caps accepted publishes; 0 disables the throttle.
	RatePerSecond float64
	Burst         int
}

type admission struct {
	settings Settings
	limiter  *rate.Limiter
}

// PublishResult acknowledges an accepted event. Records is filled in sync
// mode once every delivery is terminal.
type PublishResult struct {
	EventID     string                 `json:"eventId"`
	PublishedAt time.Time              `json:"publishedAt"`
	Deliveries  []model.DeliveryKey    `json:"deliveries"`
	Records     []model.DeliveryRecord `json:"records,omitempty"`
}

// Bus accepts events for every bus declared in the registry.
type Bus struct {
	dispatcher *dispatch.Dispatcher
	admission  atomic.Pointer[admission]
	now        func() time.Time
	newID      func() string
	tracer     trace.Tracer

	lifecycle context.Context
	stop      context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithIDGenerator overrides the event id source.
func WithIDGenerator(gen func() string) Option {
	return func(b *Bus) { b.newID = gen }
}

// New returns a bus publishing through d.
func New(d *dispatch.Dispatcher, s Settings, opts ...Option) *Bus {
	b := &Bus{
		dispatcher: d,
		now:        time.Now,
		newID:      uuid.NewString,
		tracer:     telemetry.Tracer("eventrelay/bus"),
	}
	b.lifecycle, b.stop = context.WithCancel(context.Background())
	b.Apply(s)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Apply swaps mode and throttle settings. Publishes already admitted are
// not affected.
func (b *Bus) Apply(s Settings) {
	if !s.Mode.Valid() {
		s.Mode = ModeAsync
	}
	a := &admission{settings: s}
	if s.RatePerSecond > 0 {
		burst := s.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(s.RatePerSecond), burst)
	}
	b.admission.Store(a)
}

// Settings returns the active settings.
func (b *Bus) Settings() Settings { return b.admission.Load().settings }

// Dispatcher exposes the dispatcher, mainly for its tracker.
func (b *Bus) Dispatcher() *dispatch.Dispatcher { return b.dispatcher }

// Publish accepts ev, assigns its id and publish time and dispatches it. The
// returned error only ever describes acceptance: validation, unknown bus,
// throttling or a closed bus. Delivery failures are recorded in the tracker.
//
// Deliveries never inherit the caller's cancellation; only Close aborts
// them. In sync mode Publish waits for every delivery to become terminal,
// unless ctx ends first, in which case it returns the accepted keys without
// records while the deliveries carry on.
func (b *Bus) Publish(ctx context.Context, ev model.Event) (PublishResult, error) {
	return b.publish(ctx, ev, b.admission.Load().settings.Mode)
}

// PublishAsync is Publish with async semantics regardless of the mode.
func (b *Bus) PublishAsync(ctx context.Context, ev model.Event) (PublishResult, error) {
	return b.publish(ctx, ev, ModeAsync)
}

// Emitter returns a publisher for handlers that chain events. It always
// publishes async, so an invocation never waits on, or times out because
// of, the deliveries it triggers.
func (b *Bus) Emitter() Emitter { return Emitter{bus: b} }

// Emitter publishes through PublishAsync.
type Emitter struct {
	bus *Bus
}

func (e Emitter) Publish(ctx context.Context, ev model.Event) (PublishResult, error) {
	return e.bus.PublishAsync(ctx, ev)
}

func (b *Bus) publish(ctx context.Context, ev model.Event, mode Mode) (PublishResult, error) {
	if err := ev.Validate(); err != nil {
		metrics.IncRejected(ev.BusName, "validation")
		return PublishResult{}, err
	}

	adm := b.admission.Load()
	if adm.limiter != nil && !adm.limiter.Allow() {
		metrics.IncRejected(ev.BusName, "throttled")
		return PublishResult{}, ErrThrottled
	}

	ev.ID = b.newID()
	ev.PublishedAt = b.now().UTC()
	ev.Detail = ev.CloneDetail()

	plan := b.dispatcher.Plan(ev)
	if !plan.BusKnown {
		metrics.IncRejected(ev.BusName, "unknown_bus")
		return PublishResult{}, &model.ValidationError{Field: "busName", Reason: fmt.Sprintf("bus %q does not exist", ev.BusName)}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		metrics.IncRejected(ev.BusName, "closed")
		return PublishResult{}, ErrClosed
	}
	b.inflight.Add(1)
	b.mu.RUnlock()

	ctx, span := b.tracer.Start(ctx, "publish "+ev.DetailType,
		trace.WithAttributes(telemetry.EventAttributes(ev.BusName, ev.ID, ev.Source, ev.DetailType)...))
	defer span.End()

	metrics.IncPublished(ev.BusName, ev.Source)
	logger := log.WithComponent("bus")
	logger.Debug().
		Str("event", "bus.published").
		Str(log.FieldBus, ev.BusName).
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldSource, ev.Source).
		Str(log.FieldDetailType, ev.DetailType).
		Str("mode", string(mode)).
		Int("routes", len(plan.Routes)).
		Msg("event accepted")

	// Deliveries outlive the publish call but not the bus.
	dctx, cancel := context.WithCancel(trace.ContextWithSpan(context.WithoutCancel(ctx), span))
	stopWatch := context.AfterFunc(b.lifecycle, cancel)
	h := b.dispatcher.Execute(dctx, plan)
	go func() {
		defer b.inflight.Done()
		<-h.Done()
		stopWatch()
		cancel()
	}()

	res := PublishResult{EventID: ev.ID, PublishedAt: ev.PublishedAt, Deliveries: h.Keys()}
	if mode == ModeSync {
		if recs, err := h.Wait(ctx); err == nil {
			res.Records = recs
		}
	}
	return res, nil
}

// Close stops accepting events and waits for scheduled deliveries. If ctx
// ends first, remaining deliveries are aborted, which marks them terminal,
// and Close returns ctx.Err() once they have unwound.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		b.stop()
		return nil
	case <-ctx.Done():
		b.stop()
		<-drained
		logger := log.WithComponent("bus")
		logger.Warn().Str("event", "bus.close_aborted").Msg("in-flight deliveries aborted on close")
		return ctx.Err()
	}
}
