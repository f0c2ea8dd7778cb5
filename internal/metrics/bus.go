// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_events_published_total",
		Help: "Total number of events accepted by a bus",
	}, []string{"bus", "source"})

	EventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_events_rejected_total",
		Help: "Total number of publish calls refused, by reason",
	}, []string{"bus", "reason"}) // reason=validation|unknown_bus|throttled|closed

	EventsUnmatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_events_unmatched_total",
		Help: "Total number of accepted events no rule matched",
	}, []string{"bus"})

	RuleMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventrelay_rule_matches_total",
		Help: "Total number of rule matches",
	}, []string{"bus", "rule"})

	InflightDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventrelay_inflight_deliveries",
		Help: "Deliveries scheduled and not yet terminal",
	})
)

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// IncPublished records an accepted event.
func IncPublished(bus, source string) {
	EventsPublishedTotal.WithLabelValues(orUnknown(bus), orUnknown(source)).Inc()
}

// IncRejected records a refused publish call with a concrete reason.
func IncRejected(bus, reason string) {
	EventsRejectedTotal.WithLabelValues(orUnknown(bus), orUnknown(reason)).Inc()
}

// IncUnmatched records an event that produced no deliveries.
func IncUnmatched(bus string) {
	EventsUnmatchedTotal.WithLabelValues(orUnknown(bus)).Inc()
}

// IncRuleMatch records one rule matching one event.
func IncRuleMatch(bus, rule string) {
	RuleMatchesTotal.WithLabelValues(orUnknown(bus), orUnknown(rule)).Inc()
}
