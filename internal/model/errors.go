// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed events. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration classifies malformed rules, targets or bus definitions
	// rejected at registration time.
	ErrConfiguration = errors.New("configuration error")
)

// ValidationError describes why an event was refused at publish time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConfigurationError describes a registry entry that cannot be accepted.
type ConfigurationError struct {
	Kind   string // "bus", "rule" or "target"
	ID     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }
