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
	"strings"
)

// DecisionInput carries every signal the Decision Engine combines.
type DecisionInput struct {
	LoopID       string
	RerunCount   int
	MaxReruns    int
	Alignment    float64
	Drift        float64
	SummaryValid bool
	Fatigue      FatigueResult
	Bias         BiasResult
	Overrides    Overrides
}

// DecisionEngine turns reflection signals into a verdict.
//
// Description:
//
//	Rules are evaluated in fixed priority order and the first match wins:
//
//	  1. rerun ceiling reached (unless OverrideMaxReruns)  -> finalize max_reruns_reached
//	  2. fatigue forces finalization (unless OverrideFatigue) -> finalize fatigue_exceeded
//	  3. alignment below threshold                        -> rerun alignment_threshold_not_met
//	  4. drift above threshold                            -> rerun drift_threshold_exceeded
//	  5. summary invalid                                  -> rerun summary_invalid
//	  6. otherwise                                        -> finalize no_issues_detected
//
//	Bias echo is reported as a trigger but does not select a verdict.
//	Decide has no side effects; identical inputs give identical verdicts.
//
// Thread Safety: DecisionEngine is an immutable value, safe for concurrent use.
type DecisionEngine struct {
	settings DecisionSettings
}

// NewDecisionEngine creates an engine with the given thresholds.
func NewDecisionEngine(s DecisionSettings) DecisionEngine {
	return DecisionEngine{settings: s}
}

// Settings returns the engine thresholds.
func (e DecisionEngine) Settings() DecisionSettings {
	return e.settings
}

type decisionRule struct {
	decision Decision
	reason   ReasonCode
	matches  func(e DecisionEngine, in DecisionInput) bool
}

// decisionRules is the priority order. The last rule always matches.
var decisionRules = []decisionRule{
	{DecisionFinalize, ReasonMaxReruns, func(e DecisionEngine, in DecisionInput) bool {
		return in.RerunCount >= in.MaxReruns && !in.Overrides.OverrideMaxReruns
	}},
	{DecisionFinalize, ReasonFatigueExceeded, func(e DecisionEngine, in DecisionInput) bool {
		return in.Fatigue.ForceFinalize && !in.Overrides.OverrideFatigue
	}},
	{DecisionRerun, ReasonAlignmentNotMet, func(e DecisionEngine, in DecisionInput) bool {
		return in.Alignment < e.settings.AlignmentThreshold
	}},
	{DecisionRerun, ReasonDriftExceeded, func(e DecisionEngine, in DecisionInput) bool {
		return in.Drift > e.settings.DriftThreshold
	}},
	{DecisionRerun, ReasonSummaryInvalid, func(e DecisionEngine, in DecisionInput) bool {
		return !in.SummaryValid
	}},
	{DecisionFinalize, ReasonNoIssues, func(e DecisionEngine, in DecisionInput) bool {
		return true
	}},
}

// Decide evaluates the rules for in.
//
// Outputs:
//
//	Verdict - Decision, reason, fired triggers and detail. NextLoopID is
//	          set for reruns.
//	error - Wraps ErrDecisionAmbiguity for inputs no rule can judge
//	        (non-finite or out-of-range scores, negative counts).
func (e DecisionEngine) Decide(in DecisionInput) (Verdict, error) {
	if err := validateDecisionInput(in); err != nil {
		return Verdict{}, err
	}

	for _, rule := range decisionRules {
		if !rule.matches(e, in) {
			continue
		}
		v := Verdict{
			Decision: rule.decision,
			Reason:   rule.reason,
			Triggers: e.triggers(in),
			Detail:   e.detail(in, rule.reason),
		}
		if v.Decision == DecisionRerun {
			v.NextLoopID = NextLoopID(in.LoopID, in.RerunCount)
		}
		return v, nil
	}

	return Verdict{}, fmt.Errorf("%w: no rule matched loop %s", ErrDecisionAmbiguity, in.LoopID)
}

// triggers lists every signal that fired, in priority order.
func (e DecisionEngine) triggers(in DecisionInput) []Trigger {
	out := make([]Trigger, 0, 6)
	if in.RerunCount >= in.MaxReruns {
		out = append(out, TriggerMaxReruns)
	}
	if in.Fatigue.ForceFinalize {
		out = append(out, TriggerFatigue)
	}
	if in.Alignment < e.settings.AlignmentThreshold {
		out = append(out, TriggerAlignment)
	}
	if in.Drift > e.settings.DriftThreshold {
		out = append(out, TriggerDrift)
	}
	if !in.SummaryValid {
		out = append(out, TriggerSummary)
	}
	if in.Bias.Echo {
		out = append(out, TriggerBias)
	}
	if in.Overrides.Any() {
		out = append(out, TriggerOperator)
	}
	return out
}

func (e DecisionEngine) detail(in DecisionInput, reason ReasonCode) string {
	parts := []string{
		fmt.Sprintf("alignment %.2f (threshold %.2f)", in.Alignment, e.settings.AlignmentThreshold),
		fmt.Sprintf("drift %.2f (threshold %.2f)", in.Drift, e.settings.DriftThreshold),
		fmt.Sprintf("fatigue %.2f", in.Fatigue.Fatigue),
		fmt.Sprintf("reruns %d/%d", in.RerunCount, in.MaxReruns),
	}
	if !in.SummaryValid {
		parts = append(parts, "summary invalid")
	}
	if in.Bias.Echo {
		parts = append(parts, "repeated bias tags: "+strings.Join(in.Bias.RepeatedTags, ", "))
	}
	if in.Overrides.OverrideMaxReruns && in.RerunCount >= in.MaxReruns {
		parts = append(parts, "rerun ceiling overridden by "+in.Overrides.OverrideBy)
	}
	if in.Overrides.OverrideFatigue && in.Fatigue.ForceFinalize {
		parts = append(parts, "fatigue overridden by "+in.Overrides.OverrideBy)
	}
	return string(reason) + ": " + strings.Join(parts, "; ")
}

func validateDecisionInput(in DecisionInput) error {
	for name, v := range map[string]float64{
		"alignment": in.Alignment,
		"drift":     in.Drift,
		"fatigue":   in.Fatigue.Fatigue,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s score %v for loop %s", ErrDecisionAmbiguity, name, v, in.LoopID)
		}
	}
	if in.RerunCount < 0 || in.MaxReruns < 0 {
		return fmt.Errorf("%w: rerun count %d / ceiling %d for loop %s",
			ErrDecisionAmbiguity, in.RerunCount, in.MaxReruns, in.LoopID)
	}
	if in.LoopID == "" {
		return fmt.Errorf("%w: empty loop id", ErrDecisionAmbiguity)
	}
	return nil
}
