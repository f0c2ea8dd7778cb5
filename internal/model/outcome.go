// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"fmt"
	"time"
)

// Status is the result class of a single handler invocation.
type Status string

const (
	StatusSuccess  Status = "Success"
	StatusFailed   Status = "Failed"
	StatusTimedOut Status = "TimedOut"
)

// Retryable reports whether the retry policy applies to the status.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusTimedOut
}

// ErrorKind refines a failed outcome for operators. It does not influence
// retry decisions: every non-success is retried the same way.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindBusiness       ErrorKind = "business"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
	ErrorKindPanic          ErrorKind = "panic"
	ErrorKindAborted        ErrorKind = "aborted"
)

// DeliveryKey identifies one delivery: an event routed through one rule to one
// target. A target bound to two matching rules yields two keys.
type DeliveryKey struct {
	EventID  string `json:"eventId"`
	RuleID   string `json:"ruleId"`
	TargetID string `json:"targetId"`
}

func (k DeliveryKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.EventID, k.RuleID, k.TargetID)
}

// InvocationOutcome is what one attempt at delivering an event produced.
type InvocationOutcome struct {
	EventID    string         `json:"eventId"`
	RuleID     string         `json:"ruleId"`
	TargetID   string         `json:"targetId"`
	Attempt    int            `json:"attempt"`
	Status     Status         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"errorKind,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// Key returns the delivery the outcome belongs to.
func (o InvocationOutcome) Key() DeliveryKey {
	return DeliveryKey{EventID: o.EventID, RuleID: o.RuleID, TargetID: o.TargetID}
}

// DeliveryState is the position of a delivery in its retry state machine:
// Pending -> {Succeeded | Retrying} -> Pending ... -> {Succeeded | Exhausted}.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "Pending"
	DeliveryRetrying  DeliveryState = "Retrying"
	DeliverySucceeded DeliveryState = "Succeeded"
	DeliveryExhausted DeliveryState = "Exhausted"
)

// Terminal reports whether no further attempt will be made.
func (s DeliveryState) Terminal() bool {
	return s == DeliverySucceeded || s == DeliveryExhausted
}

// DeliveryRecord aggregates all outcomes of one delivery. Reason is set when
// the delivery was terminated without a final attempt, e.g. on shutdown.
type DeliveryRecord struct {
	Key       DeliveryKey         `json:"key"`
	State     DeliveryState       `json:"state"`
	Outcomes  []InvocationOutcome `json:"outcomes"`
	Reason    string              `json:"reason,omitempty"`
	Archived  bool                `json:"archived,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Attempts is the number of recorded outcomes.
func (r DeliveryRecord) Attempts() int { return len(r.Outcomes) }

// Last returns the most recent outcome, if any.
func (r DeliveryRecord) Last() (InvocationOutcome, bool) {
	if len(r.Outcomes) == 0 {
		return InvocationOutcome{}, false
	}
	return r.Outcomes[len(r.Outcomes)-1], true
}
