// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ManuGH/eventrelay/internal/model"
)

// SetPattern is the default pattern: an event matches when its source is in
// the source set and its detail type is in the detail-type set. An empty set
// matches anything. Optional detail constraints require a top-level detail
// attribute to equal one of the listed values.
type SetPattern struct {
	sources     set
	detailTypes set
	detail      map[string]set
}

type set map[string]struct{}

func newSet(values []string) set {
	if len(values) == 0 {
		return nil
	}
	s := make(set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s set) admits(v string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[v]
	return ok
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PatternOption adds optional constraints to a SetPattern.
type PatternOption func(*SetPattern)

// WithDetail requires detail[key] to equal one of values. Numbers and booleans
// are compared by their canonical string form ("1500", "true").
func WithDetail(key string, values ...string) PatternOption {
	return func(p *SetPattern) {
		if p.detail == nil {
			p.detail = make(map[string]set)
		}
		p.detail[key] = newSet(values)
	}
}

// NewSetPattern compiles a set-membership pattern and validates it.
func NewSetPattern(sources, detailTypes []string, opts ...PatternOption) (*SetPattern, error) {
	p := &SetPattern{
		sources:     newSet(sources),
		detailTypes: newSet(detailTypes),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustSetPattern is NewSetPattern for static rule tables.
func MustSetPattern(sources, detailTypes []string, opts ...PatternOption) *SetPattern {
	p, err := NewSetPattern(sources, detailTypes, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches implements model.Pattern. It does not allocate for source and
// detail-type checks.
func (p *SetPattern) Matches(e model.Event) bool {
	if !p.sources.admits(e.Source) || !p.detailTypes.admits(e.DetailType) {
		return false
	}
	for key, allowed := range p.detail {
		v, ok := e.Detail[key]
		if !ok {
			return false
		}
		s, ok := scalarString(v)
		if !ok || !allowed.admits(s) {
			return false
		}
	}
	return true
}

// Validate implements model.Pattern.
func (p *SetPattern) Validate() error {
	if p == nil {
		return errors.New("pattern is nil")
	}
	for v := range p.sources {
		if strings.TrimSpace(v) == "" {
			return errors.New("source values must not be blank")
		}
	}
	for v := range p.detailTypes {
		if strings.TrimSpace(v) == "" {
			return errors.New("detailType values must not be blank")
		}
	}
	for key, allowed := range p.detail {
		if strings.TrimSpace(key) == "" {
			return errors.New("detail keys must not be blank")
		}
		if len(allowed) == 0 {
			return fmt.Errorf("detail %q needs at least one value", key)
		}
	}
	return nil
}

// Sources returns the sorted source set.
func (p *SetPattern) Sources() []string { return p.sources.sorted() }

// DetailTypes returns the sorted detail-type set.
func (p *SetPattern) DetailTypes() []string { return p.detailTypes.sorted() }

// MarshalJSON renders the pattern in the familiar bus pattern shape.
func (p *SetPattern) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(p.sources) > 0 {
		out["source"] = p.sources.sorted()
	}
	if len(p.detailTypes) > 0 {
		out["detail-type"] = p.detailTypes.sorted()
	}
	if len(p.detail) > 0 {
		d := make(map[string][]string, len(p.detail))
		for k, s := range p.detail {
			d[k] = s.sorted()
		}
		out["detail"] = d
	}
	return json.Marshal(out)
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// PredicateFunc adapts an arbitrary function into a pattern.
type PredicateFunc func(model.Event) bool

func (f PredicateFunc) Matches(e model.Event) bool { return f(e) }

func (f PredicateFunc) Validate() error {
	if f == nil {
		return errors.New("predicate is nil")
	}
	return nil
}

// All matches when every child pattern matches.
func All(patterns ...model.Pattern) model.Pattern {
	return allPattern(patterns)
}

type allPattern []model.Pattern

func (a allPattern) Matches(e model.Event) bool {
	for _, p := range a {
		if !p.Matches(e) {
			return false
		}
	}
	return true
}

func (a allPattern) Validate() error {
	if len(a) == 0 {
		return errors.New("composite pattern is empty")
	}
	for i, p := range a {
		if p == nil {
			return fmt.Errorf("pattern %d is nil", i)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pattern %d: %w", i, err)
		}
	}
	return nil
}
