// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import "fmt"

// Condition compares one reviewer's score with a constant.
type Condition struct {
	Role  ReviewerRole `json:"role" yaml:"role"`
	Op    string       `json:"op" yaml:"op"`
	Value float64      `json:"value" yaml:"value"`
}

// ConflictRule flags a belief conflict when all its conditions hold.
//
// Rules are configuration. A rule never fires on a degraded verdict: a
// neutral default score says nothing about what the reviewer believes.
type ConflictRule struct {
	Tag        string      `json:"tag" yaml:"tag"`
	Severity   float64     `json:"severity" yaml:"severity"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// DefaultConflictRules returns the stock cross-checks.
func DefaultConflictRules() []ConflictRule {
	return []ConflictRule{
		{
			Tag:      "critic_pessimist_disagreement",
			Severity: 0.6,
			Conditions: []Condition{
				{Role: RoleCritic, Op: ">=", Value: 0.8},
				{Role: RolePessimist, Op: "<=", Value: 0.4},
			},
		},
		{
			Tag:      "ceo_ignores_drift",
			Severity: 0.5,
			Conditions: []Condition{
				{Role: RoleCEO, Op: ">=", Value: 0.8},
				{Role: RoleDriftAnalyzer, Op: ">=", Value: 0.5},
			},
		},
	}
}

func (r ConflictRule) validate() error {
	if r.Tag == "" {
		return fmt.Errorf("conflict rule without tag")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("conflict rule %q has no conditions", r.Tag)
	}
	for _, c := range r.Conditions {
		if _, err := compare(c.Op, 0, 0); err != nil {
			return fmt.Errorf("conflict rule %q: %w", r.Tag, err)
		}
	}
	return nil
}

// Matches reports whether every condition holds for the given verdicts.
func (r ConflictRule) Matches(verdicts []ReviewerVerdict) bool {
	byRole := make(map[ReviewerRole]ReviewerVerdict, len(verdicts))
	for _, v := range verdicts {
		byRole[v.Role] = v
	}

	for _, c := range r.Conditions {
		v, ok := byRole[c.Role]
		if !ok || v.Degraded {
			return false
		}
		holds, err := compare(c.Op, v.Score, c.Value)
		if err != nil || !holds {
			return false
		}
	}
	return len(r.Conditions) > 0
}

// DetectConflicts evaluates rules in order and returns the tags that fired.
func DetectConflicts(rules []ConflictRule, verdicts []ReviewerVerdict) []ConflictRule {
	fired := make([]ConflictRule, 0)
	for _, rule := range rules {
		if rule.Matches(verdicts) {
			fired = append(fired, rule)
		}
	}
	return fired
}

func compare(op string, left, right float64) (bool, error) {
	switch op {
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	case "==":
		return left == right, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
