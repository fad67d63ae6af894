// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workers provides the content-generation and reviewer workers at
// the boundary of the loop core, and registers them with their contracts.
//
// Two implementations are available: scripted workers, deterministic in
// the loop id and used by the CLI demo and tests, and LLM workers backed
// by an OpenAI-compatible chat completions endpoint.
package workers

import (
	"fmt"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
)

// Contracts of the default pipeline workers.
var (
	PlannerOutput = agent.Contract{
		Name:    "plan",
		Version: 1,
		Fields: []agent.Field{
			{Name: "plan", Kind: agent.KindString, Required: true, Rule: "min=1"},
			{Name: "steps", Kind: agent.KindList, Default: []any{}},
		},
	}

	BuilderInput = agent.Contract{
		Name:    "build_request",
		Version: 1,
		Fields: []agent.Field{
			{Name: "plan", Kind: agent.KindString, Required: true},
			{Name: "steps", Kind: agent.KindList},
			{Name: "fix_request", Kind: agent.KindObject},
		},
	}

	BuilderOutput = agent.Contract{
		Name:    "artifact",
		Version: 1,
		Fields: []agent.Field{
			{Name: "artifact", Kind: agent.KindAny, Required: true},
			{Name: "summary", Kind: agent.KindString, Default: ""},
		},
	}

	ValidatorInput = agent.Contract{
		Name:    "validation_request",
		Version: 1,
		Fields: []agent.Field{
			{Name: "artifact", Kind: agent.KindAny, Required: true},
			{Name: "summary", Kind: agent.KindString},
		},
	}

	ValidatorOutput = agent.Contract{
		Name:    "validation",
		Version: 1,
		Fields: []agent.Field{
			{Name: "summary_valid", Kind: agent.KindBool, Required: true},
			{Name: "issues", Kind: agent.KindList, Default: []any{}},
		},
	}
)

// ReviewerOutput returns the output contract of a reviewer whose score is
// reported in scoreField.
func ReviewerOutput(scoreField string) agent.Contract {
	return agent.Contract{
		Name:    "review",
		Version: 1,
		Fields: []agent.Field{
			{Name: scoreField, Kind: agent.KindNumber, Required: true, Rule: "gte=0,lte=1"},
			{Name: "bias_tags", Kind: agent.KindList, Default: []any{}},
			{Name: "notes", Kind: agent.KindString, Default: ""},
		},
	}
}

// Set holds the worker implementations to register.
type Set struct {
	Planner   agent.Worker
	Builder   agent.Worker
	Validator agent.Worker

	// Reviewers maps each reviewer role to its worker.
	Reviewers map[guardrail.ReviewerRole]agent.Worker
}

// Register registers the pipeline workers and the reviewers of set.
//
// Description:
//
//	Pipeline workers are mandatory: a contract violation halts the
//	iteration. Reviewers are registered under the worker key of their
//	ReviewerSpec with an output contract that requires the spec's score
//	field. The reflector itself is registered by the guardrail engine.
//
// Inputs:
//
//	reg - Target registry.
//	set - Worker implementations. Every reviewer in reviewers must have one.
//	reviewers - Reviewer bindings, usually guardrail Settings.Reflection.Reviewers.
//
// Outputs:
//
//	error - Non-nil if a worker is missing or a registration fails.
func Register(reg *agent.Registry, set Set, reviewers []guardrail.ReviewerSpec) error {
	pipeline := []agent.WorkerDescriptor{
		{
			Key:          loop.PlannerKey,
			Name:         "Planner",
			Capabilities: []agent.Capability{agent.CapPlanning},
			Output:       PlannerOutput,
			Mandatory:    true,
			Worker:       set.Planner,
		},
		{
			Key:          loop.BuilderKey,
			Name:         "Builder",
			Capabilities: []agent.Capability{agent.CapBuild, agent.CapMemoryWrite},
			Input:        BuilderInput,
			Output:       BuilderOutput,
			Mandatory:    true,
			Worker:       set.Builder,
		},
		{
			Key:          loop.ValidatorKey,
			Name:         "Validator",
			Capabilities: []agent.Capability{agent.CapValidation},
			Input:        ValidatorInput,
			Output:       ValidatorOutput,
			Mandatory:    true,
			Worker:       set.Validator,
		},
	}
	for _, d := range pipeline {
		if err := reg.Register(d); err != nil {
			return err
		}
	}

	for _, spec := range reviewers {
		w, ok := set.Reviewers[spec.Role]
		if !ok || w == nil {
			return fmt.Errorf("no worker for reviewer %s", spec.Role)
		}
		if err := reg.Register(agent.WorkerDescriptor{
			Key:          spec.WorkerKey,
			Name:         string(spec.Role),
			Capabilities: reviewerCapabilities(spec.Role),
			Output:       ReviewerOutput(spec.ScoreField),
			Worker:       w,
		}); err != nil {
			return err
		}
	}
	return nil
}

func reviewerCapabilities(role guardrail.ReviewerRole) []agent.Capability {
	switch role {
	case guardrail.RolePessimist:
		return []agent.Capability{agent.CapReview, agent.CapRiskAnalysis}
	case guardrail.RoleDriftAnalyzer:
		return []agent.Capability{agent.CapReview, agent.CapDriftAnalysis}
	}
	return []agent.Capability{agent.CapReview}
}
