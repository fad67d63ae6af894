// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
)

// Script drives the scripted workers.
//
// Every list is indexed by the rerun number of the loop id (0 for the base
// loop); iterations past the end of a list reuse its last entry. The same
// lineage therefore always produces the same verdicts.
type Script struct {
	// Scores holds each reviewer's score per iteration.
	Scores map[guardrail.ReviewerRole][]float64

	// Tags holds the bias tags each reviewer reports per iteration.
	Tags map[guardrail.ReviewerRole][][]guardrail.BiasTag

	// SummaryValid holds the validator's verdict per iteration. Empty
	// means always valid.
	SummaryValid []bool
}

// DefaultScript returns a lineage that misses the alignment threshold on
// its first iteration and clears every threshold on the first rerun.
func DefaultScript() Script {
	return Script{
		Scores: map[guardrail.ReviewerRole][]float64{
			guardrail.RoleCritic:        {0.6, 0.8, 0.9},
			guardrail.RolePessimist:     {0.5, 0.7, 0.85},
			guardrail.RoleCEO:           {0.65, 0.8, 0.9},
			guardrail.RoleDriftAnalyzer: {0.35, 0.2, 0.1},
		},
		Tags: map[guardrail.ReviewerRole][][]guardrail.BiasTag{
			guardrail.RoleCritic: {{{Tag: "verbosity", Severity: 0.6}}},
		},
	}
}

// ScriptedSet returns scripted workers for every role in DefaultReviewers.
func ScriptedSet(s Script) Set {
	set := Set{
		Planner:   agent.WorkerFunc(scriptedPlanner),
		Builder:   agent.WorkerFunc(scriptedBuilder),
		Validator: &ScriptedValidator{Valid: s.SummaryValid},
		Reviewers: make(map[guardrail.ReviewerRole]agent.Worker),
	}
	for _, spec := range guardrail.DefaultReviewers() {
		set.Reviewers[spec.Role] = &ScriptedReviewer{
			Field:  spec.ScoreField,
			Scores: s.Scores[spec.Role],
			Tags:   s.Tags[spec.Role],
		}
	}
	return set
}

func scriptedPlanner(_ context.Context, p agent.TaskPayload) (agent.TaskResult, error) {
	plan := "Plan: " + strings.TrimSpace(p.Instructions)
	steps := []any{"analyze", "build", "verify"}
	if fb, ok := p.PriorContext["reflection"].(map[string]any); ok {
		plan += fmt.Sprintf(" (revised after %v)", fb["reason"])
		steps = append([]any{"address feedback"}, steps...)
	}
	return agent.Success(map[string]any{"plan": plan, "steps": steps}), nil
}

func scriptedBuilder(_ context.Context, p agent.TaskPayload) (agent.TaskResult, error) {
	plan, _ := p.Body["plan"].(string)
	attempt := guardrail.RerunNumber(p.LoopID) + 1
	summary := fmt.Sprintf("attempt %d built from %q", attempt, plan)
	if _, ok := p.Body["fix_request"]; ok {
		summary += " with fixes"
	}
	return agent.Success(map[string]any{
		"artifact": map[string]any{"content": plan, "attempt": attempt},
		"summary":  summary,
	}), nil
}

// ScriptedValidator reports the scripted summary verdict.
type ScriptedValidator struct {
	Valid []bool
}

// Execute implements agent.Worker.
func (v *ScriptedValidator) Execute(_ context.Context, p agent.TaskPayload) (agent.TaskResult, error) {
	valid := true
	if len(v.Valid) > 0 {
		valid = pick(v.Valid, guardrail.RerunNumber(p.LoopID))
	}
	issues := []any{}
	if !valid {
		issues = append(issues, "summary does not match the artifact")
	}
	return agent.Success(map[string]any{"summary_valid": valid, "issues": issues}), nil
}

// ScriptedReviewer reports a scripted score in Field.
type ScriptedReviewer struct {
	Field  string
	Scores []float64
	Tags   [][]guardrail.BiasTag
}

// Execute implements agent.Worker.
func (r *ScriptedReviewer) Execute(ctx context.Context, p agent.TaskPayload) (agent.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.TaskResult{}, err
	}
	if len(r.Scores) == 0 {
		return agent.Failure("no scripted score"), nil
	}
	n := guardrail.RerunNumber(p.LoopID)

	tags := []any{}
	if len(r.Tags) > 0 {
		for _, t := range pick(r.Tags, n) {
			tags = append(tags, map[string]any{"tag": t.Tag, "severity": t.Severity})
		}
	}
	return agent.Success(map[string]any{
		r.Field:     pick(r.Scores, n),
		"bias_tags": tags,
	}), nil
}

func pick[T any](list []T, i int) T {
	if i >= len(list) {
		return list[len(list)-1]
	}
	return list[i]
}
