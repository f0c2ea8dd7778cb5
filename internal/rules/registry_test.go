// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBus = "demo-event-bus"

func paymentBuilder(t *testing.T) *Builder {
	t.Helper()
	b := NewBuilder()
	require.NoError(t, b.AddBus(testBus))
	require.NoError(t, b.Register(model.Rule{
		ID:      "paymentCompletedRule",
		BusName: testBus,
		Pattern: MustSetPattern([]string{"custom.payments"}, []string{"PaymentCompleted"}),
	}))
	require.NoError(t, b.BindTarget(testBus, model.Target{ID: "paymentProcessingTarget", RuleID: "paymentCompletedRule", HandlerRef: "paymentProcessing"}))
	require.NoError(t, b.BindTarget(testBus, model.Target{ID: "paymentNotificationTarget", RuleID: "paymentCompletedRule", HandlerRef: "notification"}))
	return b
}

func TestRegistryLookups(t *testing.T) {
	reg := paymentBuilder(t).Freeze()

	require.True(t, reg.HasBus(testBus))
	require.False(t, reg.HasBus("other"))

	rs := reg.RulesFor(testBus)
	require.Len(t, rs, 1)
	assert.Equal(t, "paymentCompletedRule", rs[0].ID)

	ts := reg.TargetsFor(testBus, "paymentCompletedRule")
	var ids []string
	for _, tg := range ts {
		ids = append(ids, tg.ID)
	}
	if diff := cmp.Diff([]string{"paymentProcessingTarget", "paymentNotificationTarget"}, ids); diff != "" {
		t.Fatalf("target order mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, reg.RulesFor("unknown"))
	assert.Empty(t, reg.TargetsFor(testBus, "unknown"))
	assert.Equal(t, Stats{Buses: 1, Rules: 1, Targets: 2}, reg.Stats())
}

func TestRegistrationErrors(t *testing.T) {
	b := paymentBuilder(t)

	tests := []struct {
		name string
		err  error
	}{
		{"unknown bus for rule", b.Register(model.Rule{ID: "r", BusName: "nope", Pattern: MustSetPattern(nil, nil)})},
		{"duplicate rule", b.Register(model.Rule{ID: "paymentCompletedRule", BusName: testBus, Pattern: MustSetPattern(nil, nil)})},
		{"missing pattern", b.Register(model.Rule{ID: "r2", BusName: testBus})},
		{"blank rule id", b.Register(model.Rule{BusName: testBus, Pattern: MustSetPattern(nil, nil)})},
		{"unknown rule for target", b.BindTarget(testBus, model.Target{ID: "t", RuleID: "missing", HandlerRef: "h"})},
		{"unknown bus for target", b.BindTarget("nope", model.Target{ID: "t", RuleID: "paymentCompletedRule", HandlerRef: "h"})},
		{"duplicate target", b.BindTarget(testBus, model.Target{ID: "paymentProcessingTarget", RuleID: "paymentCompletedRule", HandlerRef: "h"})},
		{"missing handler", b.BindTarget(testBus, model.Target{ID: "t2", RuleID: "paymentCompletedRule"})},
		{"duplicate bus", b.AddBus(testBus)},
		{"blank bus", b.AddBus("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, errors.Is(tt.err, model.ErrConfiguration), "got %v", tt.err)
		})
	}
}

func TestRegistrationErrorEscapesNames(t *testing.T) {
	b := paymentBuilder(t)

	err := b.Register(model.Rule{ID: "r", BusName: "ops\" bus\n", Pattern: MustSetPattern(nil, nil)})
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, `bus "ops\" bus\n" does not exist`, cfgErr.Reason)

	err = b.BindTarget(testBus, model.Target{ID: "t", RuleID: `say "hi"`, HandlerRef: "h"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, `rule "say \"hi\"" does not exist on bus "demo-event-bus"`, cfgErr.Reason)
}

func TestInvalidPatternRejectedAtRegistration(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddBus(testBus))
	err := b.Register(model.Rule{ID: "bad", BusName: testBus, Pattern: All()})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestFreezeIsolatedFromBuilder(t *testing.T) {
	b := paymentBuilder(t)
	frozen := b.Freeze()

	require.NoError(t, b.Register(model.Rule{ID: "late", BusName: testBus, Pattern: MustSetPattern(nil, nil)}))
	require.NoError(t, b.BindTarget(testBus, model.Target{ID: "extra", RuleID: "paymentCompletedRule", HandlerRef: "h"}))

	assert.Len(t, frozen.RulesFor(testBus), 1)
	assert.Len(t, frozen.TargetsFor(testBus, "paymentCompletedRule"), 2)
	assert.Len(t, b.Freeze().RulesFor(testBus), 2)
}

func TestBindTargetCopiesEnvironment(t *testing.T) {
	b := paymentBuilder(t)
	env := map[string]string{"EVENT_BUS_NAME": testBus}
	require.NoError(t, b.BindTarget(testBus, model.Target{ID: "env", RuleID: "paymentCompletedRule", HandlerRef: "h", Environment: env}))
	env["EVENT_BUS_NAME"] = "changed"

	ts := b.Freeze().TargetsFor(testBus, "paymentCompletedRule")
	assert.Equal(t, testBus, ts[2].Environment["EVENT_BUS_NAME"])
}

func TestHolderSwapIsAtomic(t *testing.T) {
	first := paymentBuilder(t).Freeze()
	h := NewHolder(first)
	require.Same(t, first, h.Snapshot())

	next := NewBuilder().Freeze()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				snap := h.Snapshot()
				if snap != first && snap != next {
					t.Error("observed unknown registry")
					return
				}
			}
		}()
	}
	prev := h.Swap(next)
	wg.Wait()

	assert.Same(t, first, prev)
	assert.Same(t, next, h.Snapshot())
	assert.Same(t, next, h.Swap(nil))
}

func TestDescribe(t *testing.T) {
	views := paymentBuilder(t).Freeze().Describe()
	require.Len(t, views, 1)
	assert.Equal(t, testBus, views[0].Bus)
	assert.Len(t, views[0].Targets, 2)
}
