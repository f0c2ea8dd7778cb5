// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package invoke

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testEvent() model.Event {
	return model.Event{
		ID:         "evt-1",
		Source:     "custom.payments",
		DetailType: "PaymentCompleted",
		BusName:    "demo-event-bus",
		Detail:     map[string]any{"orderId": "42", "amount": 200.0, "items": []any{"a"}},
	}
}

func newInvoker(t *testing.T, ref string, h Handler, opts ...Option) (*Invoker, model.Target) {
	t.Helper()
	c := NewCatalog()
	require.NoError(t, c.Register(ref, h))
	return NewInvoker(c, opts...), model.Target{ID: ref + "Target", RuleID: "rule", HandlerRef: ref}
}

func TestInvokeSuccessKeepsPayloadVerbatim(t *testing.T) {
	var got Request
	inv, target := newInvoker(t, "payment", HandlerFunc(func(_ context.Context, req Request) (Response, error) {
		got = req
		return Response{"message": "Payment processed successfully", "orderId": req.Detail["orderId"]}, nil
	}))
	target.Environment = map[string]string{"EVENT_BUS_NAME": "demo-event-bus"}

	out := inv.Invoke(context.Background(), target, testEvent(), 1)

	assert.Equal(t, model.StatusSuccess, out.Status)
	assert.Equal(t, model.ErrorKindNone, out.ErrorKind)
	assert.Equal(t, map[string]any{"message": "Payment processed successfully", "orderId": "42"}, out.Result)
	assert.Equal(t, "evt-1", out.EventID)
	assert.Equal(t, "rule", out.RuleID)
	assert.Equal(t, "paymentTarget", out.TargetID)
	assert.Equal(t, 1, out.Attempt)
	assert.False(t, out.FinishedAt.Before(out.StartedAt))

	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "PaymentCompleted", got.DetailType)
	assert.Equal(t, "demo-event-bus", got.Environment["EVENT_BUS_NAME"])
}

func TestInvokeClassification(t *testing.T) {
	tests := []struct {
		name     string
		handler  HandlerFunc
		status   model.Status
		kind     model.ErrorKind
		contains string
	}{
		{
			name: "business error",
			handler: func(context.Context, Request) (Response, error) {
				return nil, NewBusinessError("PaymentRejected", "amount %d exceeds limit", 1500)
			},
			status:   model.StatusFailed,
			kind:     model.ErrorKindBusiness,
			contains: "amount 1500 exceeds limit",
		},
		{
			name: "wrapped business error",
			handler: func(context.Context, Request) (Response, error) {
				return nil, fmt.Errorf("charge: %w", &BusinessError{Message: "card declined"})
			},
			status:   model.StatusFailed,
			kind:     model.ErrorKindBusiness,
			contains: "card declined",
		},
		{
			name: "infrastructure error",
			handler: func(context.Context, Request) (Response, error) {
				return nil, errors.New("connection refused")
			},
			status:   model.StatusFailed,
			kind:     model.ErrorKindInfrastructure,
			contains: "connection refused",
		},
		{
			name: "panic",
			handler: func(context.Context, Request) (Response, error) {
				panic("nil map write")
			},
			status:   model.StatusFailed,
			kind:     model.ErrorKindPanic,
			contains: "nil map write",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, target := newInvoker(t, "h", tt.handler)
			out := inv.Invoke(context.Background(), target, testEvent(), 2)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.kind, out.ErrorKind)
			assert.Contains(t, out.Error, tt.contains)
			assert.Nil(t, out.Result)
			assert.Equal(t, 2, out.Attempt)
		})
	}
}

func TestInvokeUnknownHandler(t *testing.T) {
	inv := NewInvoker(NewCatalog())
	out := inv.Invoke(context.Background(), model.Target{ID: "t", RuleID: "r", HandlerRef: "ghost"}, testEvent(), 1)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ErrorKindInfrastructure, out.ErrorKind)
	assert.Contains(t, out.Error, "ghost")
}

func TestInvokeTimeoutCancelsOnlyThisCall(t *testing.T) {
	inv, target := newInvoker(t, "slow", HandlerFunc(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(20*time.Millisecond))

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	out := inv.Invoke(parent, target, testEvent(), 1)

	assert.Equal(t, model.StatusTimedOut, out.Status)
	assert.Equal(t, model.ErrorKindTimeout, out.ErrorKind)
	assert.Equal(t, "handler did not finish within 20ms", out.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoError(t, parent.Err(), "parent context must survive a handler timeout")
}

func TestInvokeIgnoringHandlerStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	inv, target := newInvoker(t, "stuck", HandlerFunc(func(context.Context, Request) (Response, error) {
		<-release
		return Response{"late": true}, nil
	}), WithTimeout(10*time.Millisecond))

	out := inv.Invoke(context.Background(), target, testEvent(), 1)
	close(release)

	assert.Equal(t, model.StatusTimedOut, out.Status)
	assert.Nil(t, out.Result)
}

func TestInvokeReportsCallerDeadline(t *testing.T) {
	inv, target := newInvoker(t, "slow", HandlerFunc(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := inv.Invoke(ctx, target, testEvent(), 1)
	assert.Equal(t, model.StatusTimedOut, out.Status)
	assert.Equal(t, model.ErrorKindTimeout, out.ErrorKind)
	assert.Equal(t, "caller deadline expired before the handler finished", out.Error)
	assert.NotContains(t, out.Error, "1m0s")
}

func TestInvokeParentCancelIsAborted(t *testing.T) {
	inv, target := newInvoker(t, "slow", HandlerFunc(func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	out := inv.Invoke(ctx, target, testEvent(), 1)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ErrorKindAborted, out.ErrorKind)
}

func TestHandlerCannotMutateEvent(t *testing.T) {
	inv, target := newInvoker(t, "mutator", HandlerFunc(func(_ context.Context, req Request) (Response, error) {
		req.Detail["orderId"] = "hijacked"
		req.Detail["items"].([]any)[0] = "z"
		return Response{}, nil
	}))
	ev := testEvent()

	out := inv.Invoke(context.Background(), target, ev, 1)
	require.Equal(t, model.StatusSuccess, out.Status)
	assert.Equal(t, "42", ev.Detail["orderId"])
	assert.Equal(t, "a", ev.Detail["items"].([]any)[0])
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	noop := HandlerFunc(func(context.Context, Request) (Response, error) { return nil, nil })

	require.NoError(t, c.Register("b", noop))
	require.NoError(t, c.Register("a", noop))
	assert.Error(t, c.Register("a", noop))
	assert.Error(t, c.Register("", noop))
	assert.Error(t, c.Register("nil", nil))
	assert.Equal(t, []string{"a", "b"}, c.Refs())

	_, ok := c.Lookup("a")
	assert.True(t, ok)
	_, ok = c.Lookup("zzz")
	assert.False(t, ok)

	assert.Panics(t, func() { c.MustRegister("a", noop) })
}

func TestBusinessErrorFormatting(t *testing.T) {
	assert.Equal(t, "declined", (&BusinessError{Message: "declined"}).Error())
	assert.Equal(t, "E1: declined", (&BusinessError{Code: "E1", Message: "declined"}).Error())
	assert.False(t, IsBusinessError(errors.New("x")))
}
