// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package invoke calls target handlers behind a failure boundary: every
// return, error, panic or timeout becomes an InvocationOutcome.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Request is what a handler receives. Detail is a private copy.
type Request struct {
	EventID     string            `json:"eventId"`
	Attempt     int               `json:"attempt"`
	Source      string            `json:"source"`
	DetailType  string            `json:"detailType"`
	Detail      map[string]any    `json:"detail"`
	Environment map[string]string `json:"environment,omitempty"`
}

// Response is the handler's success payload. It is recorded verbatim.
type Response map[string]any

// Handler is the contract every target implements. Returning a
// *BusinessError marks a domain rejection; any other error is an
// infrastructure fault. Handlers should honour ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// BusinessError is a domain-level rejection raised by a handler.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewBusinessError builds a BusinessError with a formatted message.
func NewBusinessError(code, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsBusinessError reports whether err wraps a *BusinessError.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// ErrHandlerNotFound is returned when a handlerRef has no registered handler.
var ErrHandlerNotFound = errors.New("handler not found")

// Resolver maps handler references to handlers.
type Resolver interface {
	Lookup(ref string) (Handler, bool)
}

// Catalog is the default Resolver. Registration normally happens at startup;
// lookups are safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{handlers: make(map[string]Handler)}
}

// Register adds a handler under ref. Refs are unique.
func (c *Catalog) Register(ref string, h Handler) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("handler ref is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", ref)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.handlers[ref]; dup {
		return fmt.Errorf("handler %q already registered", ref)
	}
	c.handlers[ref] = h
	return nil
}

// MustRegister is Register for static wiring.
func (c *Catalog) MustRegister(ref string, h Handler) {
	if err := c.Register(ref, h); err != nil {
		panic(err)
	}
}

// Lookup implements Resolver.
func (c *Catalog) Lookup(ref string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[ref]
	return h, ok
}

// Refs lists registered refs in sorted order.
func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for ref := range c.handlers {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
