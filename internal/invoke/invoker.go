// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package invoke

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/metrics"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a single invocation when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Invoker turns a handler call into an InvocationOutcome. It never returns an
// error and never panics on behalf of a handler.
type Invoker struct {
	resolver Resolver
	timeout  time.Duration
	now      func() time.Time
	tracer   trace.Tracer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout sets the per-invocation timeout. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Invoker) {
		if now != nil {
			i.now = now
		}
	}
}

// NewInvoker returns an invoker resolving handlers through r.
func NewInvoker(r Resolver, opts ...Option) *Invoker {
	i := &Invoker{
		resolver: r,
		timeout:  DefaultTimeout,
		now:      time.Now,
		tracer:   telemetry.Tracer("eventrelay/invoke"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Timeout returns the configured per-invocation timeout.
func (i *Invoker) Timeout() time.Duration { return i.timeout }

type callResult struct {
	resp  Response
	err   error
	panic any
	stack []byte
}

// Invoke delivers ev to target once. The timeout cancels only this call's
// context; a handler that ignores cancellation keeps running in the
// background but its late result is discarded.
func (i *Invoker) Invoke(ctx context.Context, target model.Target, ev model.Event, attempt int) model.InvocationOutcome {
	out := model.InvocationOutcome{
		EventID:   ev.ID,
		RuleID:    target.RuleID,
		TargetID:  target.ID,
		Attempt:   attempt,
		StartedAt: i.now(),
	}

	ctx, span := i.tracer.Start(ctx, "invoke "+target.HandlerRef,
		trace.WithAttributes(telemetry.DeliveryAttributes(target.RuleID, target.ID, target.HandlerRef, attempt)...))
	defer span.End()

	logger := log.WithComponent("invoke").With().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldRuleID, target.RuleID).
		Str(log.FieldTargetID, target.ID).
		Int(log.FieldAttempt, attempt).
		Logger()

	defer func() {
		out.FinishedAt = i.now()
		span.SetAttributes(telemetry.OutcomeAttributes(string(out.Status), string(out.ErrorKind))...)
		if out.Status != model.StatusSuccess {
			span.SetStatus(codes.Error, out.Error)
			span.SetAttributes(telemetry.ErrorAttributes(nil, string(out.ErrorKind))...)
		}
		metrics.ObserveInvocation(target.ID, string(out.Status), string(out.ErrorKind), out.FinishedAt.Sub(out.StartedAt))
	}()

	h, ok := i.resolver.Lookup(target.HandlerRef)
	if !ok {
		out.Status = model.StatusFailed
		out.ErrorKind = model.ErrorKindInfrastructure
		out.Error = fmt.Sprintf("%s: %q", ErrHandlerNotFound, target.HandlerRef)
		logger.Error().Str("event", "invoke.handler_missing").Str(log.FieldHandlerRef, target.HandlerRef).Msg("no handler registered for target")
		return out
	}

	req := Request{
		EventID:     ev.ID,
		Attempt:     attempt,
		Source:      ev.Source,
		DetailType:  ev.DetailType,
		Detail:      ev.CloneDetail(),
		Environment: maps.Clone(target.Environment),
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		var res callResult
		defer func() {
			if r := recover(); r != nil {
				res = callResult{panic: r, stack: debug.Stack()}
			}
			done <- res
		}()
		res.resp, res.err = h.Handle(callCtx, req)
	}()

	select {
	case res := <-done:
		i.classify(&out, res, callCtx.Err(), ctx.Err())
	case <-callCtx.Done():
		i.classifyContext(&out, callCtx.Err(), ctx.Err())
	}

	entry := logger.Debug()
	if out.Status != model.StatusSuccess {
		entry = logger.Warn()
	}
	entry.Str("event", "invoke.finished").
		Str(log.FieldStatus, string(out.Status)).
		Str("error_kind", string(out.ErrorKind)).
		Str("error", out.Error).
		Msg("handler invocation finished")
	return out
}

func (i *Invoker) classify(out *model.InvocationOutcome, res callResult, callErr, parentErr error) {
	switch {
	case res.panic != nil:
		out.Status = model.StatusFailed
		out.ErrorKind = model.ErrorKindPanic
		out.Error = fmt.Sprintf("handler panicked: %v", res.panic)
		logger := log.WithComponent("invoke")
		logger.Error().
			Str("event", "invoke.panic").
			Str(log.FieldEventID, out.EventID).
			Str(log.FieldTargetID, out.TargetID).
			Bytes("stack", res.stack).
			Msg("handler panicked")
	case res.err == nil:
		out.Status = model.StatusSuccess
		out.Result = map[string]any(res.resp)
	case IsBusinessError(res.err):
		out.Status = model.StatusFailed
		out.ErrorKind = model.ErrorKindBusiness
		out.Error = res.err.Error()
	case callErr != nil && errors.Is(res.err, callErr):
		i.classifyContext(out, callErr, parentErr)
	default:
		out.Status = model.StatusFailed
		out.ErrorKind = model.ErrorKindInfrastructure
		out.Error = res.err.Error()
	}
}

func (i *Invoker) classifyContext(out *model.InvocationOutcome, callErr, parentErr error) {
	if errors.Is(callErr, context.DeadlineExceeded) {
		i.timedOut(out, errors.Is(parentErr, context.DeadlineExceeded))
		return
	}
	out.Status = model.StatusFailed
	out.ErrorKind = model.ErrorKindAborted
	if parentErr == nil {
		parentErr = callErr
	}
	out.Error = "invocation aborted: " + parentErr.Error()
}

func (i *Invoker) timedOut(out *model.InvocationOutcome, callerDeadline bool) {
	out.Status = model.StatusTimedOut
	out.ErrorKind = model.ErrorKindTimeout
	if callerDeadline {
		out.Error = "caller deadline expired before the handler finished"
		return
	}
	out.Error = fmt.Sprintf("handler did not finish within %s", i.timeout)
}
