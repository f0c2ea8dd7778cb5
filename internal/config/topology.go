// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"slices"

	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/ManuGH/eventrelay/internal/rules"
)

// BuildRegistry compiles bus definitions into a frozen registry. The first
// configuration error aborts the build.
func BuildRegistry(buses []BusDefinition) (*rules.Registry, error) {
	b := rules.NewBuilder()
	for _, def := range buses {
		if err := b.AddBus(def.Name); err != nil {
			return nil, err
		}
		for _, rd := range def.Rules {
			pattern, err := compilePattern(rd.Pattern)
			if err != nil {
				return nil, &model.ConfigurationError{Kind: "rule", ID: rd.ID, Reason: "invalid pattern: " + err.Error()}
			}
			if err := b.Register(model.Rule{ID: rd.ID, BusName: def.Name, Pattern: pattern}); err != nil {
				return nil, err
			}
			for _, td := range rd.Targets {
				t := model.Target{ID: td.ID, RuleID: rd.ID, HandlerRef: td.Handler, Environment: td.Environment}
				if err := b.BindTarget(def.Name, t); err != nil {
					return nil, err
				}
			}
		}
	}
	return b.Freeze(), nil
}

func compilePattern(p PatternDefinition) (*rules.SetPattern, error) {
	var opts []rules.PatternOption
	keys := make([]string, 0, len(p.Detail))
	for k := range p.Detail {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		opts = append(opts, rules.WithDetail(k, p.Detail[k]...))
	}
	return rules.NewSetPattern(p.Source, p.DetailType, opts...)
}

// UnknownHandlers lists handler references no resolver entry serves. Such
// targets fail at invocation time rather than at load time.
func UnknownHandlers(buses []BusDefinition, known []string) []string {
	var out []string
	for _, def := range buses {
		for _, rd := range def.Rules {
			for _, td := range rd.Targets {
				if !slices.Contains(known, td.Handler) && !slices.Contains(out, td.Handler) {
					out = append(out, td.Handler)
				}
			}
		}
	}
	return out
}
