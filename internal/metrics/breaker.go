// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventrelay_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"breaker"})

	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_breaker_trips_total",
		Help: "Circuit breaker transitions to open",
	}, []string{"breaker", "reason"}) // reason=threshold_exceeded|half_open_failure
)

// SetBreakerState publishes the state of a named breaker.
func SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(orUnknown(name)).Set(v)
}

// RecordBreakerTrip counts a transition to open.
func RecordBreakerTrip(name, reason string) {
	BreakerTripsTotal.WithLabelValues(orUnknown(name), reason).Inc()
}
