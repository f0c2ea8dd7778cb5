// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_invocations_total",
		Help: "Handler invocations by target and outcome",
	}, []string{"target", "status", "error_kind"})

	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventrelay_invocation_duration_seconds",
		Help:    "Handler invocation latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"target", "status"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_retries_total",
		Help: "Delivery retries scheduled by target",
	}, []string{"target"})

	DeliveriesTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_deliveries_terminal_total",
		Help: "Deliveries reaching a terminal state",
	}, []string{"target", "state"}) // state=Succeeded|Exhausted

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_dead_letters_total",
		Help: "Dead-letter writes by sink and result",
	}, []string{"sink", "result"}) // result=ok|error

	DeadLettersEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_dead_letters_evicted_total",
		Help: "Dead letters dropped by a bounded sink to make room",
	}, []string{"sink"})

	TrackedDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventrelay_tracked_deliveries",
		Help: "Delivery records currently held by the tracker",
	})

	PrunedDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventrelay_pruned_deliveries_total",
		Help: "Terminal delivery records removed by the retention janitor",
	})
)

// ObserveInvocation records one handler attempt.
func ObserveInvocation(target, status, errorKind string, d time.Duration) {
	target = orUnknown(target)
	InvocationsTotal.WithLabelValues(target, status, errorKind).Inc()
	InvocationDuration.WithLabelValues(target, status).Observe(d.Seconds())
}

// IncRetry records a scheduled retry.
func IncRetry(target string) {
	RetriesTotal.WithLabelValues(orUnknown(target)).Inc()
}

// IncTerminal records a delivery reaching Succeeded or Exhausted.
func IncTerminal(target, state string) {
	DeliveriesTerminalTotal.WithLabelValues(orUnknown(target), state).Inc()
}

// IncDeadLetter records a dead-letter write attempt.
func IncDeadLetter(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	DeadLettersTotal.WithLabelValues(orUnknown(sink), result).Inc()
}

// IncDeadLetterEvicted records n entries dropped by a bounded sink.
func IncDeadLetterEvicted(sink string, n int) {
	DeadLettersEvictedTotal.WithLabelValues(orUnknown(sink)).Add(float64(n))
}
