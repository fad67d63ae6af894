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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdicts(critic, pessimist, ceo, drift float64) []ReviewerVerdict {
	return []ReviewerVerdict{
		{Role: RoleCritic, Score: critic},
		{Role: RolePessimist, Score: pessimist},
		{Role: RoleCEO, Score: ceo},
		{Role: RoleDriftAnalyzer, Score: drift},
	}
}

func TestDetectConflicts(t *testing.T) {
	rules := DefaultConflictRules()

	tests := []struct {
		name     string
		verdicts []ReviewerVerdict
		want     []string
	}{
		{"no conflict", verdicts(0.7, 0.7, 0.7, 0.1), nil},
		{"critic and pessimist disagree", verdicts(0.9, 0.3, 0.7, 0.1), []string{"critic_pessimist_disagreement"}},
		{"ceo ignores drift", verdicts(0.7, 0.7, 0.85, 0.6), []string{"ceo_ignores_drift"}},
		{"both", verdicts(0.9, 0.2, 0.9, 0.9), []string{"critic_pessimist_disagreement", "ceo_ignores_drift"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, r := range DetectConflicts(rules, tt.verdicts) {
				got = append(got, r.Tag)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConflictRule_SkipsDegraded(t *testing.T) {
	vs := verdicts(0.9, 0.3, 0.7, 0.1)
	vs[1].Degraded = true
	assert.Empty(t, DetectConflicts(DefaultConflictRules(), vs))
}

func TestSettings_Validate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	tests := []struct {
		name   string
		mutate func(s *Settings)
	}{
		{"weights off", func(s *Settings) { s.Reflection.Reviewers[0].Weight = 0.9 }},
		{"duplicate role", func(s *Settings) { s.Reflection.Reviewers[1].Role = RoleCritic }},
		{"threshold out of range", func(s *Settings) { s.Decision.AlignmentThreshold = 1.5 }},
		{"zero echo threshold", func(s *Settings) { s.Bias.EchoThreshold = 0 }},
		{"no timeout", func(s *Settings) { s.Reflection.ReviewerTimeout = 0 }},
		{"bad operator", func(s *Settings) {
			s.Reflection.ConflictRules = []ConflictRule{{Tag: "x", Conditions: []Condition{{Role: RoleCEO, Op: "~", Value: 1}}}}
		}},
		{"rule without conditions", func(s *Settings) {
			s.Reflection.ConflictRules = []ConflictRule{{Tag: "x"}}
		}},
		{"negative ceiling", func(s *Settings) { s.DefaultMaxReruns = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}

	s := DefaultSettings()
	s.Reflection.ReviewerTimeout = time.Second
	assert.NoError(t, s.Validate())
}
