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
	"fmt"
	"maps"
	"slices"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
)

// Default worker keys of the pipeline.
const (
	PlannerKey   = "planner"
	BuilderKey   = "builder"
	ValidatorKey = "validator"
)

// Pipeline is the static transition table of an iteration.
//
// Successors maps a worker key to the capability class of the worker that
// follows it. A key with no entry is terminal: reaching it finishes the
// iteration. Defaults names the worker invoked for each successor class.
type Pipeline struct {
	Version    string
	Entry      string
	Successors map[string]agent.Capability
	Defaults   map[agent.Capability]string
}

// DefaultPipeline returns planner → builder → validator → reflector.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Version: "v1",
		Entry:   PlannerKey,
		Successors: map[string]agent.Capability{
			PlannerKey:   agent.CapBuild,
			BuilderKey:   agent.CapValidation,
			ValidatorKey: agent.CapReflection,
		},
		Defaults: map[agent.Capability]string{
			agent.CapPlanning:   PlannerKey,
			agent.CapBuild:      BuilderKey,
			agent.CapValidation: ValidatorKey,
			agent.CapReflection: guardrail.ReflectorKey,
		},
	}
}

// Successor returns the worker that follows key and its class.
// ok is false when key is terminal.
func (p Pipeline) Successor(key string) (next string, class agent.Capability, ok bool) {
	class, ok = p.Successors[key]
	if !ok {
		return "", "", false
	}
	return p.Defaults[class], class, true
}

// Clone returns a deep copy of p.
func (p Pipeline) Clone() Pipeline {
	out := p
	out.Successors = maps.Clone(p.Successors)
	out.Defaults = maps.Clone(p.Defaults)
	return out
}

// Validate checks p against the registry.
//
// Description:
//
//	The entry worker and every default worker must be registered and
//	declare the phase class they are selected for. The entry worker must be
//	a planner, successor classes must be phase classes, and the REFLECTION
//	class must have a default worker so every iteration can reach a
//	decision.
//
// Outputs:
//
//	error - Wraps ErrInvalidPipeline.
func (p Pipeline) Validate(registry *agent.Registry) error {
	entry, err := registry.Resolve(p.Entry)
	if err != nil {
		return fmt.Errorf("%w: entry: %w", ErrInvalidPipeline, err)
	}
	if class, _ := entry.Class(); class != agent.CapPlanning {
		return fmt.Errorf("%w: entry %q is not a planning worker", ErrInvalidPipeline, p.Entry)
	}
	if _, ok := p.Defaults[agent.CapReflection]; !ok {
		return fmt.Errorf("%w: no reflection worker", ErrInvalidPipeline)
	}

	for _, key := range slices.Sorted(maps.Keys(p.Successors)) {
		class := p.Successors[key]
		if !class.IsPhaseClass() {
			return fmt.Errorf("%w: %q has non-phase successor class %s", ErrInvalidPipeline, key, class)
		}
		if _, ok := p.Defaults[class]; !ok {
			return fmt.Errorf("%w: no default worker for class %s", ErrInvalidPipeline, class)
		}
	}

	for _, class := range slices.Sorted(maps.Keys(p.Defaults)) {
		key := p.Defaults[class]
		desc, err := registry.Resolve(key)
		if err != nil {
			return fmt.Errorf("%w: default for %s: %w", ErrInvalidPipeline, class, err)
		}
		if got, _ := desc.Class(); got != class {
			return fmt.Errorf("%w: default for %s is %q of class %q", ErrInvalidPipeline, class, key, got)
		}
	}
	return nil
}
