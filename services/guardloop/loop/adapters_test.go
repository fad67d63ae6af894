// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
)

var noop = agent.WorkerFunc(func(context.Context, agent.TaskPayload) (agent.TaskResult, error) {
	return agent.Success(nil), nil
})

func pipelineRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(nil)
	for key, class := range map[string]agent.Capability{
		PlannerKey:             agent.CapPlanning,
		BuilderKey:             agent.CapBuild,
		ValidatorKey:           agent.CapValidation,
		guardrail.ReflectorKey: agent.CapReflection,
		"critic":               agent.CapReview,
	} {
		require.NoError(t, reg.Register(agent.WorkerDescriptor{Key: key, Capabilities: []agent.Capability{class}, Worker: noop}))
	}
	return reg
}

func TestPipeline_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Pipeline)
		errMsg string
	}{
		{"default", func(p *Pipeline) {}, ""},
		{"unknown entry", func(p *Pipeline) { p.Entry = "nobody" }, "entry"},
		{"entry not a planner", func(p *Pipeline) { p.Entry = BuilderKey }, "not a planning worker"},
		{"no reflector", func(p *Pipeline) { delete(p.Defaults, agent.CapReflection) }, "no reflection worker"},
		{"non-phase successor", func(p *Pipeline) { p.Successors[BuilderKey] = agent.CapReview }, "non-phase"},
		{"default of wrong class", func(p *Pipeline) { p.Defaults[agent.CapBuild] = "critic" }, "of class"},
	}

	reg := pipelineRegistry(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPipeline()
			tt.mutate(&p)
			err := p.Validate(reg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPipeline))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPipeline_CloneIsIndependent(t *testing.T) {
	p := DefaultPipeline()
	c := p.Clone()
	c.Successors[ValidatorKey] = agent.CapBuild
	assert.Equal(t, agent.CapReflection, p.Successors[ValidatorKey])
}

func TestAdapterSet_Covers(t *testing.T) {
	reg := pipelineRegistry(t)
	assert.NoError(t, AdaptersV1().Covers(DefaultPipeline(), reg))

	partial := NewAdapterSet("partial", map[Edge]Adapter{
		{From: agent.CapPlanning, To: agent.CapBuild}:        planToBuild,
		{From: agent.CapValidation, To: agent.CapReflection}: validationToReflection,
		RerunEdge: reflectionToRerun,
	}, nil)
	err := partial.Covers(DefaultPipeline(), reg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAdapter))
	assert.Contains(t, err.Error(), "BUILD->VALIDATION")

	noRerun := NewAdapterSet("norerun", map[Edge]Adapter{
		{From: agent.CapPlanning, To: agent.CapBuild}:        planToBuild,
		{From: agent.CapBuild, To: agent.CapValidation}:      buildToValidation,
		{From: agent.CapValidation, To: agent.CapReflection}: validationToReflection,
	}, nil)
	err = noRerun.Covers(DefaultPipeline(), reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), RerunEdge.String())
}

func TestAdaptersV1_Edges(t *testing.T) {
	set := AdaptersV1()
	assert.Equal(t, "v1", set.Version())
	assert.Equal(t, []Edge{
		{From: agent.CapBuild, To: agent.CapValidation},
		{From: agent.CapPlanning, To: agent.CapBuild},
		{From: agent.CapReflection, To: agent.CapPlanning},
		{From: agent.CapValidation, To: agent.CapReflection},
	}, set.Edges())

	_, ok := set.Delegation(agent.CapValidation, agent.CapBuild)
	assert.True(t, ok)
	_, ok = set.Get(agent.CapValidation, agent.CapBuild)
	assert.False(t, ok, "fix requests apply to delegation only")
}

func TestAdapters_CarryLineageFields(t *testing.T) {
	prev := agent.TaskPayload{
		TaskID:       "t1",
		LoopID:       "loop-a",
		ProjectID:    "proj",
		StepIndex:    4,
		Instructions: "write docs",
		Persona:      "terse",
		PriorContext: map[string]any{"audience": "ops"},
	}

	next, err := planToBuild(prev, agent.TaskResult{Output: map[string]any{"plan": "p", "steps": []string{"a"}}})
	require.NoError(t, err)
	assert.Empty(t, next.TaskID, "assigned by the controller")
	assert.Zero(t, next.StepIndex)
	assert.Equal(t, "loop-a", next.LoopID)
	assert.Equal(t, "terse", next.Persona)
	assert.Equal(t, "write docs", next.Instructions)
	assert.Equal(t, "ops", next.PriorContext["audience"])
	assert.Equal(t, "p", next.PriorContext["plan"])
	assert.Equal(t, map[string]any{"plan": "p", "steps": []any{"a"}}, next.Body)

	_, hasPlan := prev.PriorContext["plan"]
	assert.False(t, hasPlan, "prev is not modified")
}

func TestAdapters_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		adapter Adapter
	}{
		{"plan", planToBuild},
		{"artifact", buildToValidation},
		{"summary_valid", validationToReflection},
		{"next_loop_id", reflectionToRerun},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.adapter(agent.TaskPayload{LoopID: "loop-a"}, agent.TaskResult{WorkerKey: "w", Output: map[string]any{}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestAdapters_ValidationToReflection(t *testing.T) {
	prev := agent.TaskPayload{
		LoopID: "loop-a",
		Body:   map[string]any{"artifact": "doc", "summary": "a doc"},
	}
	next, err := validationToReflection(prev, agent.TaskResult{Output: map[string]any{
		"summary_valid": false,
		"issues":        []any{"typo"},
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"artifact":      "doc",
		"summary":       "a doc",
		"summary_valid": false,
		"issues":        []any{"typo"},
	}, next.Body)
}

func TestAdapters_ValidationToFix(t *testing.T) {
	delegated := agent.TaskPayload{
		LoopID:       "loop-a",
		PriorContext: map[string]any{"plan": "p"},
		Body:         map[string]any{"artifact": "doc"},
	}
	next, err := validationToFix(delegated, agent.TaskResult{Output: map[string]any{"issues": []any{"typo"}}})
	require.NoError(t, err)
	assert.Equal(t, "p", next.Body["plan"])
	assert.Equal(t, "doc", next.Body["artifact"])
	assert.Equal(t, map[string]any{"issues": []any{"typo"}}, next.Body["fix_request"])
}

func TestAdapters_ReflectionToRerun(t *testing.T) {
	prev := agent.TaskPayload{
		LoopID:       "loop-a",
		Persona:      "terse",
		Instructions: "write docs",
		PriorContext: map[string]any{"plan": "p"},
		Body:         map[string]any{"artifact": "doc", "issues": []any{"typo"}},
	}
	next, err := reflectionToRerun(prev, agent.TaskResult{Output: map[string]any{
		"decision":     "rerun",
		"reason":       "alignment_threshold_not_met",
		"next_loop_id": "loop-a_r1",
		"triggers":     []any{"alignment"},
		"alignment":    0.6,
	}})
	require.NoError(t, err)
	assert.Equal(t, "loop-a_r1", next.LoopID)
	assert.Nil(t, next.Body)
	assert.Equal(t, "terse", next.Persona)
	assert.Equal(t, "loop-a", next.PriorContext["previous_loop_id"])

	fb := next.PriorContext["reflection"].(map[string]any)
	assert.Equal(t, "alignment_threshold_not_met", fb["reason"])
	assert.Equal(t, []any{"typo"}, fb["issues"])
}
