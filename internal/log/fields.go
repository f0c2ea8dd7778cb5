// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldEventID       = "event_id"

	// Routing fields
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldBus        = "bus"
	FieldRuleID     = "rule_id"
	FieldTargetID   = "target_id"
	FieldHandlerRef = "handler_ref"
	FieldSource     = "source"
	FieldDetailType = "detail_type"

	// Delivery fields
	FieldAttempt  = "attempt"
	FieldStatus   = "status"
	FieldDuration = "duration_ms"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath = "path"
)
