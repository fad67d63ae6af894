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
	"math"
	"sync"
)

// improvementEpsilon absorbs float error so that a delta of exactly the
// minimum improvement (0.80 - 0.75) counts as an improvement.
const improvementEpsilon = 1e-9

// EvaluateFatigue applies one step of the fatigue ratchet.
//
// Description:
//
//	Without a parent there is nothing to compare against and fatigue is
//	carried over unchanged. With a parent, the loop improved if alignment
//	rose or drift fell by at least MinImprovement; fatigue then decays by
//	Decay, otherwise it rises by Step. The result is clamped to [0, 1] and
//	ForceFinalize is set once it reaches Critical.
//
// Inputs:
//
//	s - Ratchet settings.
//	parent - The parent loop's scores, nil for base loops.
//	current - This loop's scores.
//	previousFatigue - Fatigue carried from the parent.
//
// Outputs:
//
//	FatigueResult - New fatigue and flags.
func EvaluateFatigue(s FatigueSettings, parent *Scores, current Scores, previousFatigue float64) FatigueResult {
	prev := clamp01(previousFatigue)
	res := FatigueResult{Fatigue: prev, Previous: prev}

	if parent != nil {
		alignmentGain := current.Alignment - parent.Alignment
		driftGain := parent.Drift - current.Drift
		improved := alignmentGain >= s.MinImprovement-improvementEpsilon ||
			driftGain >= s.MinImprovement-improvementEpsilon

		if improved {
			res.Fatigue = clamp01(prev - s.Decay)
		} else {
			res.Fatigue = clamp01(prev + s.Step)
		}
		res.Increased = res.Fatigue > prev
	}

	res.ForceFinalize = res.Fatigue >= s.Critical-improvementEpsilon
	return res
}

// FatigueScorer applies the ratchet with settings that can change at
// runtime. It keeps no per-loop state; parent scores come from the trace
// store.
//
// Thread Safety: FatigueScorer is safe for concurrent use.
type FatigueScorer struct {
	mu       sync.RWMutex
	settings FatigueSettings
}

// NewFatigueScorer creates a scorer.
func NewFatigueScorer(s FatigueSettings) *FatigueScorer {
	return &FatigueScorer{settings: s}
}

// SetSettings replaces the ratchet settings for later calls.
func (f *FatigueScorer) SetSettings(s FatigueSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
}

// Score runs EvaluateFatigue with the current settings.
func (f *FatigueScorer) Score(parent *Scores, current Scores, previousFatigue float64) FatigueResult {
	f.mu.RLock()
	s := f.settings
	f.mu.RUnlock()
	return EvaluateFatigue(s, parent, current, previousFatigue)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
