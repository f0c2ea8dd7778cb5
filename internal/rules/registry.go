// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rules holds the routing tables: event patterns, the matcher and the
// build-then-freeze registry of buses, rules and their targets.
package rules

import (
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ManuGH/eventrelay/internal/model"
)

// Builder collects bus, rule and target definitions during setup. It is not
// safe for concurrent use; call Freeze once setup is complete.
type Builder struct {
	buses map[string]*busTable
	order []string
}

type busTable struct {
	rules     []model.Rule
	ruleIndex map[string]int
	targets   map[string][]model.Target
	targetIDs map[string]map[string]struct{}
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{buses: make(map[string]*busTable)}
}

// AddBus declares a bus. Rules can only be registered on declared buses.
func (b *Builder) AddBus(name string) error {
	if strings.TrimSpace(name) == "" {
		return &model.ConfigurationError{Kind: "bus", Reason: "name is required"}
	}
	if _, ok := b.buses[name]; ok {
		return &model.ConfigurationError{Kind: "bus", ID: name, Reason: "already declared"}
	}
	b.buses[name] = &busTable{
		ruleIndex: make(map[string]int),
		targets:   make(map[string][]model.Target),
		targetIDs: make(map[string]map[string]struct{}),
	}
	b.order = append(b.order, name)
	return nil
}

// Register adds a rule to its bus.
func (b *Builder) Register(rule model.Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return &model.ConfigurationError{Kind: "rule", Reason: "id is required"}
	}
	bus, ok := b.buses[rule.BusName]
	if !ok {
		return &model.ConfigurationError{Kind: "rule", ID: rule.ID, Reason: "bus " + strconv.Quote(rule.BusName) + " does not exist"}
	}
	if _, dup := bus.ruleIndex[rule.ID]; dup {
		return &model.ConfigurationError{Kind: "rule", ID: rule.ID, Reason: "already registered on bus " + strconv.Quote(rule.BusName)}
	}
	if rule.Pattern == nil {
		return &model.ConfigurationError{Kind: "rule", ID: rule.ID, Reason: "pattern is required"}
	}
	if err := rule.Pattern.Validate(); err != nil {
		return &model.ConfigurationError{Kind: "rule", ID: rule.ID, Reason: "invalid pattern: " + err.Error()}
	}
	bus.ruleIndex[rule.ID] = len(bus.rules)
	bus.rules = append(bus.rules, rule)
	return nil
}

// BindTarget attaches a target to an already registered rule on busName.
// Targets keep their binding order.
func (b *Builder) BindTarget(busName string, t model.Target) error {
	if strings.TrimSpace(t.ID) == "" {
		return &model.ConfigurationError{Kind: "target", Reason: "id is required"}
	}
	if strings.TrimSpace(t.HandlerRef) == "" {
		return &model.ConfigurationError{Kind: "target", ID: t.ID, Reason: "handler reference is required"}
	}
	bus, ok := b.buses[busName]
	if !ok {
		return &model.ConfigurationError{Kind: "target", ID: t.ID, Reason: "bus " + strconv.Quote(busName) + " does not exist"}
	}
	if _, ok := bus.ruleIndex[t.RuleID]; !ok {
		return &model.ConfigurationError{Kind: "target", ID: t.ID, Reason: "rule " + strconv.Quote(t.RuleID) + " does not exist on bus " + strconv.Quote(busName)}
	}
	ids := bus.targetIDs[t.RuleID]
	if ids == nil {
		ids = make(map[string]struct{})
		bus.targetIDs[t.RuleID] = ids
	}
	if _, dup := ids[t.ID]; dup {
		return &model.ConfigurationError{Kind: "target", ID: t.ID, Reason: "already bound to rule " + strconv.Quote(t.RuleID)}
	}
	ids[t.ID] = struct{}{}
	t.Environment = maps.Clone(t.Environment)
	bus.targets[t.RuleID] = append(bus.targets[t.RuleID], t)
	return nil
}

// Freeze returns an immutable registry. The builder may keep being used to
// produce a different registry later; the frozen copy is unaffected.
func (b *Builder) Freeze() *Registry {
	r := &Registry{
		buses:   make(map[string][]model.Rule, len(b.buses)),
		targets: make(map[ruleRef][]model.Target),
		order:   append([]string(nil), b.order...),
	}
	for name, bus := range b.buses {
		r.buses[name] = append([]model.Rule(nil), bus.rules...)
		for ruleID, ts := range bus.targets {
			r.targets[ruleRef{bus: name, rule: ruleID}] = append([]model.Target(nil), ts...)
		}
	}
	return r
}

type ruleRef struct {
	bus  string
	rule string
}

// Registry is a frozen routing table. All lookups are lock-free and safe for
// concurrent use. Returned slices are shared and must not be modified.
type Registry struct {
	buses   map[string][]model.Rule
	targets map[ruleRef][]model.Target
	order   []string
}

// HasBus reports whether the bus was declared.
func (r *Registry) HasBus(name string) bool {
	_, ok := r.buses[name]
	return ok
}

// Buses returns bus names in declaration order.
func (r *Registry) Buses() []string {
	return append([]string(nil), r.order...)
}

// RulesFor returns the rules of a bus in registration order.
func (r *Registry) RulesFor(busName string) []model.Rule {
	return r.buses[busName]
}

// TargetsFor returns the targets bound to a rule in binding order.
func (r *Registry) TargetsFor(busName, ruleID string) []model.Target {
	return r.targets[ruleRef{bus: busName, rule: ruleID}]
}

// Stats summarises the registry for health checks and logs.
type Stats struct {
	Buses   int `json:"buses"`
	Rules   int `json:"rules"`
	Targets int `json:"targets"`
}

// Stats counts registry entries.
func (r *Registry) Stats() Stats {
	s := Stats{Buses: len(r.buses)}
	for _, rs := range r.buses {
		s.Rules += len(rs)
	}
	for _, ts := range r.targets {
		s.Targets += len(ts)
	}
	return s
}

// RuleView is a flattened rule with its targets, used by the API.
type RuleView struct {
	Bus     string         `json:"bus"`
	Rule    model.Rule     `json:"rule"`
	Targets []model.Target `json:"targets"`
}

// Describe lists every rule with its targets, ordered by bus then rule.
func (r *Registry) Describe() []RuleView {
	buses := append([]string(nil), r.order...)
	if len(buses) != len(r.buses) {
		buses = buses[:0]
		for name := range r.buses {
			buses = append(buses, name)
		}
		sort.Strings(buses)
	}
	var out []RuleView
	for _, name := range buses {
		for _, rule := range r.buses[name] {
			out = append(out, RuleView{Bus: name, Rule: rule, Targets: r.TargetsFor(name, rule.ID)})
		}
	}
	return out
}

// Source yields the registry a publish call should use.
type Source interface {
	Snapshot() *Registry
}

// Holder publishes frozen registries to concurrent readers. Swapping replaces
// the whole table at once, so a publish that loaded a snapshot keeps seeing it
// for its entire dispatch.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder returns a holder serving initial.
func NewHolder(initial *Registry) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = NewBuilder().Freeze()
	}
	h.current.Store(initial)
	return h
}

// Snapshot implements Source.
func (h *Holder) Snapshot() *Registry {
	return h.current.Load()
}

// Swap installs next and returns the previous registry.
func (h *Holder) Swap(next *Registry) *Registry {
	if next == nil {
		return h.current.Load()
	}
	return h.current.Swap(next)
}

// Snapshot implements Source for a registry that never changes.
func (r *Registry) Snapshot() *Registry { return r }
