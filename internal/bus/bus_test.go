// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/dispatch"
	"github.com/ManuGH/eventrelay/internal/handlers"
	"github.com/ManuGH/eventrelay/internal/invoke"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const demoBus = "demo-event-bus"

func demoRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	b := rules.NewBuilder()
	require.NoError(t, b.AddBus(demoBus))
	add := func(id, source, kind string, targets ...model.Target) {
		require.NoError(t, b.Register(model.Rule{ID: id, BusName: demoBus, Pattern: rules.MustSetPattern([]string{source}, []string{kind})}))
		for _, tg := range targets {
			tg.RuleID = id
			require.NoError(t, b.BindTarget(demoBus, tg))
		}
	}
	add("orderCreatedRule", "custom.orders", "OrderCreated",
		model.Target{ID: "orderProcessingTarget", HandlerRef: handlers.RefOrderProcessing, Environment: map[string]string{handlers.EnvEventBusName: demoBus}})
	add("paymentCompletedRule", "custom.payments", "PaymentCompleted",
		model.Target{ID: "paymentProcessingTarget", HandlerRef: handlers.RefPaymentProcessing},
		model.Target{ID: "paymentNotificationTarget", HandlerRef: handlers.RefNotification})
	add("inventoryUpdatedRule", "custom.inventory", "InventoryUpdated",
		model.Target{ID: "inventoryUpdateTarget", HandlerRef: handlers.RefInventoryUpdate})
	add("userRegisteredRule", "custom.users", "UserRegistered",
		model.Target{ID: "userRegistrationTarget", HandlerRef: handlers.RefUserRegistration})
	return b.Freeze()
}

func newBus(t *testing.T, s bus.Settings, opts ...dispatch.Option) (*bus.Bus, *delivery.Tracker) {
	t.Helper()
	catalog := invoke.NewCatalog()
	tracker := delivery.NewTracker(delivery.DefaultRetryPolicy())
	opts = append([]dispatch.Option{dispatch.WithWaiter(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })}, opts...)
	d := dispatch.New(demoRegistry(t), invoke.NewInvoker(catalog, invoke.WithTimeout(time.Second)), tracker, opts...)
	b := bus.New(d, s)
	require.NoError(t, handlers.Register(catalog, handlers.Deps{Publisher: b.Emitter()}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b, tracker
}

func payment(amount float64) model.Event {
	return model.Event{
		Source:     "custom.payments",
		DetailType: "PaymentCompleted",
		BusName:    demoBus,
		Detail:     map[string]any{"orderId": "42", "amount": amount},
	}
}

func byTarget(recs []model.DeliveryRecord) map[string]model.DeliveryRecord {
	out := make(map[string]model.DeliveryRecord, len(recs))
	for _, r := range recs {
		out[r.Key.TargetID] = r
	}
	return out
}

func TestPublishValidation(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeSync})

	tests := []struct {
		name  string
		event model.Event
		field string
	}{
		{"missing source", model.Event{DetailType: "k", BusName: demoBus}, "source"},
		{"missing detail type", model.Event{Source: "s", BusName: demoBus}, "detailType"},
		{"missing bus", model.Event{Source: "s", DetailType: "k"}, "busName"},
		{"unknown bus", model.Event{Source: "s", DetailType: "k", BusName: "nope"}, "busName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Publish(context.Background(), tt.event)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrValidation)
			var ve *model.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, ve.Field, tt.field)
		})
	}
	assert.Zero(t, tracker.Len(), "rejected events must not reach the dispatcher")
}

func TestPublishAssignsIdentity(t *testing.T) {
	b, _ := newBus(t, bus.Settings{Mode: bus.ModeSync})
	before := time.Now().UTC()

	res, err := b.Publish(context.Background(), model.Event{Source: "custom.users", DetailType: "UserRegistered", BusName: demoBus})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.PublishedAt.Before(before))

	res2, err := b.Publish(context.Background(), model.Event{Source: "custom.users", DetailType: "UserRegistered", BusName: demoBus})
	require.NoError(t, err)
	assert.NotEqual(t, res.EventID, res2.EventID)
}

func TestLargePaymentFailsOnlyPaymentTarget(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeSync})

	res, err := b.Publish(context.Background(), payment(1500))
	require.NoError(t, err, "delivery failures never fail the publish")

	recs := byTarget(res.Records)
	require.Len(t, recs, 2)

	pay := recs["paymentProcessingTarget"]
	assert.Equal(t, model.DeliveryExhausted, pay.State)
	assert.Equal(t, 3, pay.Attempts())
	last, _ := pay.Last()
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, model.ErrorKindBusiness, last.ErrorKind)

	note := recs["paymentNotificationTarget"]
	assert.Equal(t, model.DeliverySucceeded, note.State)
	assert.Equal(t, 1, note.Attempts())
	assert.Equal(t, "Payment of $1500 for order 42 has been processed.", note.Outcomes[0].Result["notificationContent"])

	assert.Len(t, tracker.OutcomesFor(res.EventID), 4)
	require.Len(t, tracker.TerminalFailures(), 1)
}

func TestSmallPaymentSucceedsEverywhere(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeSync})

	res, err := b.Publish(context.Background(), payment(200))
	require.NoError(t, err)

	recs := byTarget(res.Records)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, model.DeliverySucceeded, rec.State, rec.Key.TargetID)
		assert.Equal(t, 1, rec.Attempts())
	}
	assert.Equal(t, "42", recs["paymentProcessingTarget"].Outcomes[0].Result["orderId"])
	assert.Empty(t, tracker.TerminalFailures())
}

func TestUnmatchedEventIsAccepted(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeSync})

	res, err := b.Publish(context.Background(), model.Event{Source: "custom.marketing", DetailType: "CampaignStarted", BusName: demoBus})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.Empty(t, res.Deliveries)
	assert.Empty(t, tracker.OutcomesFor(res.EventID))
}

func TestAsyncPublishReturnsBeforeDelivery(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeAsync})

	res, err := b.Publish(context.Background(), payment(200))
	require.NoError(t, err)
	assert.Len(t, res.Deliveries, 2)
	assert.Nil(t, res.Records)

	require.NoError(t, b.Close(context.Background()))
	for _, rec := range tracker.RecordsFor(res.EventID) {
		assert.Equal(t, model.DeliverySucceeded, rec.State)
	}
}

func TestAsyncDeliveriesOutliveCallerContext(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeAsync})

	ctx, cancel := context.WithCancel(context.Background())
	res, err := b.Publish(ctx, payment(200))
	cancel()
	require.NoError(t, err)

	require.NoError(t, b.Close(context.Background()))
	recs := tracker.RecordsFor(res.EventID)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, model.DeliverySucceeded, rec.State)
	}
}

func TestOrderChainsPaymentEvent(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeAsync})

	_, err := b.Publish(context.Background(), model.Event{
		Source: "custom.orders", DetailType: "OrderCreated", BusName: demoBus,
		Detail: map[string]any{"orderId": "42", "amount": 200.0},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tracker.Counts()[model.DeliverySucceeded] == 3
	}, 5*time.Second, 5*time.Millisecond, "order, payment and notification deliveries")
	require.NoError(t, b.Close(context.Background()))
}

func sleepWaiter(d time.Duration) dispatch.Option {
	return dispatch.WithWaiter(func(ctx context.Context, _ time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func TestSyncOrderDoesNotWaitOnChainedRetries(t *testing.T) {
	catalog := invoke.NewCatalog()
	tracker := delivery.NewTracker(delivery.DefaultRetryPolicy())
	d := dispatch.New(demoRegistry(t), invoke.NewInvoker(catalog, invoke.WithTimeout(100*time.Millisecond)), tracker, sleepWaiter(150*time.Millisecond))
	b := bus.New(d, bus.Settings{Mode: bus.ModeSync})
	require.NoError(t, handlers.Register(catalog, handlers.Deps{Publisher: b.Emitter()}))

	res, err := b.Publish(context.Background(), model.Event{
		Source: "custom.orders", DetailType: "OrderCreated", BusName: demoBus,
		Detail: map[string]any{"orderId": "42", "amount": 1500.0},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, model.DeliverySucceeded, res.Records[0].State)
	assert.Equal(t, 1, res.Records[0].Attempts())

	require.NoError(t, b.Close(context.Background()))

	failed := tracker.TerminalFailures()
	require.Len(t, failed, 1)
	assert.Equal(t, "paymentProcessingTarget", failed[0].Key.TargetID)
	assert.Equal(t, 3, failed[0].Attempts())
	last, _ := failed[0].Last()
	assert.Equal(t, model.ErrorKindBusiness, last.ErrorKind)

	assert.Equal(t, 2, tracker.Counts()[model.DeliverySucceeded], "order and notification")
	assert.Equal(t, 3, tracker.Len(), "a single PaymentCompleted event")
}

func TestSyncDeliveriesOutliveCallerContext(t *testing.T) {
	b, tracker := newBus(t, bus.Settings{Mode: bus.ModeSync}, sleepWaiter(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res, err := b.Publish(ctx, payment(1500))
	require.NoError(t, err)
	assert.Len(t, res.Deliveries, 2)
	assert.Nil(t, res.Records, "caller gave up before the retries finished")

	require.NoError(t, b.Close(context.Background()))
	recs := byTarget(tracker.RecordsFor(res.EventID))
	pay := recs["paymentProcessingTarget"]
	assert.Equal(t, model.DeliveryExhausted, pay.State)
	assert.Equal(t, 3, pay.Attempts())
	last, _ := pay.Last()
	assert.Equal(t, model.ErrorKindBusiness, last.ErrorKind)
	assert.Equal(t, model.DeliverySucceeded, recs["paymentNotificationTarget"].State)
}

func TestPublishAfterClose(t *testing.T) {
	b, _ := newBus(t, bus.Settings{Mode: bus.ModeAsync})
	require.NoError(t, b.Close(context.Background()))

	_, err := b.Publish(context.Background(), payment(200))
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestThrottle(t *testing.T) {
	b, _ := newBus(t, bus.Settings{Mode: bus.ModeSync, RatePerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		_, err := b.Publish(context.Background(), payment(10))
		require.NoError(t, err)
	}
	_, err := b.Publish(context.Background(), payment(10))
	assert.ErrorIs(t, err, bus.ErrThrottled)

	b.Apply(bus.Settings{Mode: bus.ModeSync})
	_, err = b.Publish(context.Background(), payment(10))
	assert.NoError(t, err)
}

func TestCloseTimeoutAbortsBackoff(t *testing.T) {
	catalog := invoke.NewCatalog()
	catalog.MustRegister(handlers.RefPaymentProcessing, invoke.HandlerFunc(func(context.Context, invoke.Request) (invoke.Response, error) {
		return nil, errors.New("gateway unavailable")
	}))
	catalog.MustRegister(handlers.RefNotification, invoke.HandlerFunc(func(context.Context, invoke.Request) (invoke.Response, error) {
		return invoke.Response{}, nil
	}))
	tracker := delivery.NewTracker(delivery.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour, Multiplier: 2, MaxBackoff: time.Hour})
	b := bus.New(dispatch.New(demoRegistry(t), invoke.NewInvoker(catalog), tracker), bus.Settings{Mode: bus.ModeAsync})

	res, err := b.Publish(context.Background(), payment(200))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tracker.ShouldRetry(res.Deliveries[0]) || tracker.ShouldRetry(res.Deliveries[1]) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)

	failures := tracker.TerminalFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "paymentProcessingTarget", failures[0].Key.TargetID)
	assert.Equal(t, 1, failures[0].Attempts())
	assert.Contains(t, failures[0].Reason, "aborted")
}

func TestModeFallback(t *testing.T) {
	b, _ := newBus(t, bus.Settings{Mode: "bogus"})
	assert.Equal(t, bus.ModeAsync, b.Settings().Mode)
}
