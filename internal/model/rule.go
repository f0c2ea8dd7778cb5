// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

// Pattern decides whether an event satisfies a rule. Implementations must be
// pure and safe for concurrent use; they are evaluated for every published
// event against every rule on its bus.
type Pattern interface {
	Matches(e Event) bool
	// Validate rejects malformed patterns at registration time so Matches
	// never has to report an error.
	Validate() error
}

// Rule is a declarative subscription on a bus.
type Rule struct {
	ID          string  `json:"id"`
	BusName     string  `json:"busName"`
	Description string  `json:"description,omitempty"`
	Pattern     Pattern `json:"pattern"`
}

// Target binds a handler to a rule. HandlerRef is resolved by the invoker's
// handler catalog; Environment is injected into every invocation.
type Target struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"ruleId"`
	HandlerRef  string            `json:"handlerRef"`
	Environment map[string]string `json:"environment,omitempty"`
}
