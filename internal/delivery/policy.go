// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package delivery

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ManuGH/eventrelay/internal/model"
)

// RetryPolicy decides how often and how soon a failed delivery is retried.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"maxAttempts" json:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff" json:"initialBackoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
	// Jitter spreads each delay by up to +/- Jitter*delay. 0 disables it.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s backoff capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
	}
}

// Validate rejects policies that cannot terminate or make no sense.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("maxAttempts must be >= 1"))
	}
	if p.InitialBackoff < 0 {
		errs = append(errs, errors.New("initialBackoff must not be negative"))
	}
	if p.Multiplier < 1 {
		errs = append(errs, errors.New("multiplier must be >= 1"))
	}
	if p.MaxBackoff < p.InitialBackoff {
		errs = append(errs, errors.New("maxBackoff must be >= initialBackoff"))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, errors.New("jitter must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// Retryable reports whether another attempt follows the given outcome.
func (p RetryPolicy) Retryable(status model.Status, attempt int) bool {
	return status.Retryable() && attempt < p.MaxAttempts
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if ceiling := float64(p.MaxBackoff); p.MaxBackoff > 0 && d > ceiling {
		d = ceiling
	}
	if p.Jitter > 0 && d > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
