// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rules

import "github.com/ManuGH/eventrelay/internal/model"

// Matches reports whether the event satisfies the rule. Rules without a
// pattern never match; the registry refuses them anyway.
func Matches(e model.Event, r model.Rule) bool {
	if r.Pattern == nil {
		return false
	}
	return r.Pattern.Matches(e)
}

// Matching returns the subset of rules the event satisfies, in rule order.
func Matching(e model.Event, rules []model.Rule) []model.Rule {
	var out []model.Rule
	for _, r := range rules {
		if Matches(e, r) {
			out = append(out, r)
		}
	}
	return out
}
