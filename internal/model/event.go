// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package model holds the value types shared by the routing engine: events,
// rules, targets and the outcomes of delivering one to the other.
package model

import (
	"strings"
	"time"
)

// Event is a published fact. Once the bus assigned ID and PublishedAt the value
// is never mutated; retries re-deliver the same Event.
type Event struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	DetailType  string         `json:"detailType"`
	Detail      map[string]any `json:"detail,omitempty"`
	BusName     string         `json:"busName"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// Validate checks the fields a producer must supply before the event can be
// matched against any rule.
func (e Event) Validate() error {
	var missing []string
	if strings.TrimSpace(e.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(e.DetailType) == "" {
		missing = append(missing, "detailType")
	}
	if strings.TrimSpace(e.BusName) == "" {
		missing = append(missing, "busName")
	}
	if len(missing) > 0 {
		return &ValidationError{Field: strings.Join(missing, ","), Reason: "required"}
	}
	return nil
}

// CloneDetail returns a deep copy of the event payload so a handler can never
// observe another handler's mutations.
func (e Event) CloneDetail() map[string]any {
	if e.Detail == nil {
		return map[string]any{}
	}
	return cloneMap(e.Detail)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
