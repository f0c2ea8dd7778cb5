// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by publish, dispatch and invoke spans.
const (
	BusNameKey    = "eventrelay.bus"
	EventIDKey    = "eventrelay.event.id"
	SourceKey     = "eventrelay.event.source"
	DetailTypeKey = "eventrelay.event.detail_type"

	RuleIDKey     = "eventrelay.rule.id"
	TargetIDKey   = "eventrelay.target.id"
	HandlerRefKey = "eventrelay.target.handler"

	AttemptKey   = "eventrelay.delivery.attempt"
	StatusKey    = "eventrelay.delivery.status"
	ErrorKindKey = "eventrelay.delivery.error_kind"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// EventAttributes describes a published event.
func EventAttributes(bus, eventID, source, detailType string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if bus != "" {
		attrs = append(attrs, attribute.String(BusNameKey, bus))
	}
	if eventID != "" {
		attrs = append(attrs, attribute.String(EventIDKey, eventID))
	}
	attrs = append(attrs,
		attribute.String(SourceKey, source),
		attribute.String(DetailTypeKey, detailType),
	)
	return attrs
}

// DeliveryAttributes describes one attempt at one target.
func DeliveryAttributes(ruleID, targetID, handlerRef string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RuleIDKey, ruleID),
		attribute.String(TargetIDKey, targetID),
		attribute.String(HandlerRefKey, handlerRef),
		attribute.Int(AttemptKey, attempt),
	}
}

// OutcomeAttributes records how an attempt ended.
func OutcomeAttributes(status, errorKind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(StatusKey, status)}
	if errorKind != "" {
		attrs = append(attrs, attribute.String(ErrorKindKey, errorKind))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
