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
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
)

// Adapter builds the next worker's payload from the previous payload and
// the result it produced.
//
// The returned payload's TaskID and StepIndex are assigned by the
// controller. Adapters must not modify prev.
type Adapter func(prev agent.TaskPayload, result agent.TaskResult) (agent.TaskPayload, error)

// Edge is a (predecessor class, successor class) pair.
type Edge struct {
	From agent.Capability
	To   agent.Capability
}

// String returns "FROM->TO".
func (e Edge) String() string {
	return string(e.From) + "->" + string(e.To)
}

// RerunEdge is the edge that turns a reflector verdict into the entry
// payload of the rerun iteration.
var RerunEdge = Edge{From: agent.CapReflection, To: agent.CapPlanning}

// AdapterSet is a versioned set of payload adapters.
//
// Adapters apply on SUCCESS, one per pipeline edge. Delegation adapters
// apply when a worker delegates across classes and enrich the payload the
// worker handed over.
type AdapterSet struct {
	version     string
	adapters    map[Edge]Adapter
	delegations map[Edge]Adapter
}

// NewAdapterSet creates an adapter set. delegations may be nil.
func NewAdapterSet(version string, adapters, delegations map[Edge]Adapter) *AdapterSet {
	return &AdapterSet{
		version:     version,
		adapters:    maps.Clone(adapters),
		delegations: maps.Clone(delegations),
	}
}

// AdaptersV1 returns the v1 adapter set.
//
//	PLANNING→BUILD        plan and steps become the builder body
//	BUILD→VALIDATION      artifact and summary become the validator body
//	VALIDATION→REFLECTION artifact plus summary_valid and issues
//	REFLECTION→PLANNING   rerun payload with reflection feedback
//	VALIDATION→BUILD      delegation: validator issues become a fix request
func AdaptersV1() *AdapterSet {
	return NewAdapterSet("v1",
		map[Edge]Adapter{
			{From: agent.CapPlanning, To: agent.CapBuild}:        planToBuild,
			{From: agent.CapBuild, To: agent.CapValidation}:      buildToValidation,
			{From: agent.CapValidation, To: agent.CapReflection}: validationToReflection,
			{From: agent.CapReflection, To: agent.CapPlanning}:   reflectionToRerun,
		},
		map[Edge]Adapter{
			{From: agent.CapValidation, To: agent.CapBuild}: validationToFix,
		},
	)
}

// Version returns the adapter set version.
func (s *AdapterSet) Version() string {
	return s.version
}

// Get returns the adapter for from → to.
func (s *AdapterSet) Get(from, to agent.Capability) (Adapter, bool) {
	a, ok := s.adapters[Edge{From: from, To: to}]
	return a, ok
}

// Delegation returns the delegation adapter for from → to.
func (s *AdapterSet) Delegation(from, to agent.Capability) (Adapter, bool) {
	a, ok := s.delegations[Edge{From: from, To: to}]
	return a, ok
}

// Edges returns the SUCCESS edges the set covers, sorted.
func (s *AdapterSet) Edges() []Edge {
	edges := slices.Collect(maps.Keys(s.adapters))
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
	return edges
}

// Covers checks that every pipeline edge reachable on SUCCESS has an
// adapter, along with the rerun edge.
//
// Outputs:
//
//	error - Wraps ErrNoAdapter naming the first uncovered edge.
func (s *AdapterSet) Covers(p Pipeline, registry *agent.Registry) error {
	for _, key := range slices.Sorted(maps.Keys(p.Successors)) {
		desc, err := registry.Resolve(key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
		}
		from, ok := desc.Class()
		if !ok {
			return fmt.Errorf("%w: %q has no phase class", ErrInvalidPipeline, key)
		}
		to := p.Successors[key]
		if _, ok := s.Get(from, to); !ok {
			return fmt.Errorf("%w: %s in adapter set %s", ErrNoAdapter, Edge{From: from, To: to}, s.version)
		}
	}
	if _, ok := s.adapters[RerunEdge]; !ok {
		return fmt.Errorf("%w: %s in adapter set %s", ErrNoAdapter, RerunEdge, s.version)
	}
	return nil
}

// =============================================================================
// v1 adapters
// =============================================================================

func planToBuild(prev agent.TaskPayload, res agent.TaskResult) (agent.TaskPayload, error) {
	plan, err := requireOutput(res, "plan")
	if err != nil {
		return agent.TaskPayload{}, err
	}
	next := carry(prev)
	next.PriorContext["plan"] = plan
	next.Body = map[string]any{
		"plan":  plan,
		"steps": listOrEmpty(res.Output["steps"]),
	}
	return next, nil
}

func buildToValidation(prev agent.TaskPayload, res agent.TaskResult) (agent.TaskPayload, error) {
	artifact, err := requireOutput(res, "artifact")
	if err != nil {
		return agent.TaskPayload{}, err
	}
	next := carry(prev)
	next.Body = map[string]any{
		"artifact": artifact,
		"summary":  stringOrEmpty(res.Output["summary"]),
	}
	return next, nil
}

// validationToFix adds the validator's issues to the payload it delegated
// to a builder, along with the plan carried in the prior context.
func validationToFix(prev agent.TaskPayload, res agent.TaskResult) (agent.TaskPayload, error) {
	next := carry(prev)
	body := make(map[string]any, len(prev.Body)+2)
	maps.Copy(body, prev.Body)
	if _, ok := body["plan"]; !ok {
		if plan, ok := prev.PriorContext["plan"]; ok {
			body["plan"] = plan
		}
	}
	body["fix_request"] = map[string]any{
		"issues": listOrEmpty(res.Output["issues"]),
	}
	next.Body = body
	return next, nil
}

func validationToReflection(prev agent.TaskPayload, res agent.TaskResult) (agent.TaskPayload, error) {
	valid, err := requireOutput(res, "summary_valid")
	if err != nil {
		return agent.TaskPayload{}, err
	}
	next := carry(prev)
	next.Body = map[string]any{
		"artifact":      prev.Body["artifact"],
		"summary":       stringOrEmpty(prev.Body["summary"]),
		"summary_valid": valid,
		"issues":        listOrEmpty(res.Output["issues"]),
	}
	return next, nil
}

// reflectionToRerun builds the entry payload of the rerun iteration. The
// persona, instructions and prior context carry forward; the reflector's
// verdict is added as feedback.
func reflectionToRerun(prev agent.TaskPayload, res agent.TaskResult) (agent.TaskPayload, error) {
	nextID, _ := res.Output["next_loop_id"].(string)
	if nextID == "" {
		return agent.TaskPayload{}, fmt.Errorf("reflector output has no next_loop_id")
	}
	next := carry(prev)
	next.LoopID = nextID
	next.Body = nil
	next.PriorContext["previous_loop_id"] = prev.LoopID
	next.PriorContext["reflection"] = map[string]any{
		"reason":        res.Output["reason"],
		"detail":        res.Output["detail"],
		"triggers":      listOrEmpty(res.Output["triggers"]),
		"alignment":     res.Output["alignment"],
		"drift":         res.Output["drift"],
		"repeated_tags": listOrEmpty(res.Output["repeated_tags"]),
		"conflicts":     listOrEmpty(res.Output["conflicts"]),
		"issues":        listOrEmpty(prev.Body["issues"]),
	}
	return next, nil
}

// carry copies the lineage-wide fields of prev into a fresh payload.
func carry(prev agent.TaskPayload) agent.TaskPayload {
	next := agent.TaskPayload{
		LoopID:       prev.LoopID,
		ProjectID:    prev.ProjectID,
		Instructions: prev.Instructions,
		Persona:      prev.Persona,
		PriorContext: make(map[string]any, len(prev.PriorContext)+2),
	}
	maps.Copy(next.PriorContext, prev.PriorContext)
	return next
}

func requireOutput(res agent.TaskResult, field string) (any, error) {
	v, ok := res.Output[field]
	if !ok || v == nil {
		return nil, fmt.Errorf("%s output has no %q", res.WorkerKey, field)
	}
	return v, nil
}

func listOrEmpty(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []any{}
}

func stringOrEmpty(v any) string {
	s, _ := v.(string)
	return s
}
