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
	"fmt"
	"math"
	"time"
)

// Settings holds every tunable of the guardrail engine.
type Settings struct {
	Bias       BiasSettings
	Fatigue    FatigueSettings
	Decision   DecisionSettings
	Reflection ReflectionSettings

	// DefaultMaxReruns is the rerun ceiling given to new lineages.
	DefaultMaxReruns int
}

// BiasSettings configures echo detection.
type BiasSettings struct {
	// EchoThreshold is the lineage occurrence count at which a tag echoes.
	EchoThreshold int
}

// FatigueSettings configures the fatigue ratchet.
type FatigueSettings struct {
	MinImprovement float64
	Step           float64
	Decay          float64
	Critical       float64
}

// DecisionSettings configures the rerun thresholds.
type DecisionSettings struct {
	AlignmentThreshold float64
	DriftThreshold     float64
}

// ReviewerSpec binds a reviewer role to a worker and its score field.
type ReviewerSpec struct {
	Role      ReviewerRole
	WorkerKey string

	// ScoreField is the output key holding the reviewer's score.
	ScoreField string

	// Weight is the reviewer's share of aggregate alignment. The drift
	// analyzer has weight 0; its score becomes the drift score.
	Weight float64
}

// ReflectionSettings configures the reviewer fan-out.
type ReflectionSettings struct {
	Reviewers       []ReviewerSpec
	NeutralScore    float64
	ReviewerTimeout time.Duration
	ConflictRules   []ConflictRule
}

// DefaultReviewers returns the critic, pessimist, ceo and drift analyzer
// bindings with weights 0.3, 0.2 and 0.5.
func DefaultReviewers() []ReviewerSpec {
	return []ReviewerSpec{
		{Role: RoleCritic, WorkerKey: "critic", ScoreField: "score", Weight: 0.3},
		{Role: RolePessimist, WorkerKey: "pessimist", ScoreField: "confidence", Weight: 0.2},
		{Role: RoleCEO, WorkerKey: "ceo", ScoreField: "alignment", Weight: 0.5},
		{Role: RoleDriftAnalyzer, WorkerKey: "drift_analyzer", ScoreField: "drift", Weight: 0},
	}
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Bias: BiasSettings{EchoThreshold: 3},
		Fatigue: FatigueSettings{
			MinImprovement: 0.05,
			Step:           0.15,
			Decay:          0.05,
			Critical:       0.5,
		},
		Decision: DecisionSettings{
			AlignmentThreshold: 0.75,
			DriftThreshold:     0.25,
		},
		Reflection: ReflectionSettings{
			Reviewers:       DefaultReviewers(),
			NeutralScore:    0.5,
			ReviewerTimeout: 30 * time.Second,
			ConflictRules:   DefaultConflictRules(),
		},
		DefaultMaxReruns: 3,
	}
}

// Validate checks internal consistency of the settings.
func (s Settings) Validate() error {
	if s.Bias.EchoThreshold < 1 {
		return fmt.Errorf("bias echo threshold must be >= 1, got %d", s.Bias.EchoThreshold)
	}
	if s.DefaultMaxReruns < 0 {
		return fmt.Errorf("default max reruns must be >= 0, got %d", s.DefaultMaxReruns)
	}
	for name, v := range map[string]float64{
		"fatigue.min_improvement":      s.Fatigue.MinImprovement,
		"fatigue.step":                 s.Fatigue.Step,
		"fatigue.decay":                s.Fatigue.Decay,
		"fatigue.critical":             s.Fatigue.Critical,
		"decision.alignment_threshold": s.Decision.AlignmentThreshold,
		"decision.drift_threshold":     s.Decision.DriftThreshold,
		"reflection.neutral_score":     s.Reflection.NeutralScore,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if s.Reflection.ReviewerTimeout <= 0 {
		return fmt.Errorf("reviewer timeout must be positive")
	}

	seen := make(map[ReviewerRole]bool)
	var weights float64
	for _, r := range s.Reflection.Reviewers {
		if r.Role == "" || r.WorkerKey == "" || r.ScoreField == "" {
			return fmt.Errorf("reviewer %q needs role, worker key and score field", r.Role)
		}
		if seen[r.Role] {
			return fmt.Errorf("reviewer role %q configured twice", r.Role)
		}
		seen[r.Role] = true
		weights += r.Weight
	}
	if len(s.Reflection.Reviewers) > 0 && math.Abs(weights-1) > 1e-6 {
		return fmt.Errorf("reviewer weights must sum to 1, got %v", weights)
	}

	for _, rule := range s.Reflection.ConflictRules {
		if err := rule.validate(); err != nil {
			return err
		}
	}
	return nil
}
