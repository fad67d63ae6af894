// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent holds the worker boundary of the loop core: the task
// envelope every worker receives and returns, the worker registry, and the
// invocation wrapper that validates, coerces and heartbeats each call.
package agent

import (
	"context"
	"maps"
	"time"
)

// =============================================================================
// Task Status
// =============================================================================

// TaskStatus is the outcome a worker reports for one call.
type TaskStatus string

const (
	// StatusSuccess means the worker produced its output.
	StatusSuccess TaskStatus = "SUCCESS"

	// StatusError means the worker failed or its output was rejected.
	StatusError TaskStatus = "ERROR"

	// StatusDelegated means the worker handed the task to another worker.
	// NextWorker and NextPayload must both be set.
	StatusDelegated TaskStatus = "DELEGATED"

	// StatusPending means the worker has not finished and should be polled.
	StatusPending TaskStatus = "PENDING"
)

// Valid reports whether s is one of the defined statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusDelegated, StatusPending:
		return true
	}
	return false
}

// =============================================================================
// Capabilities
// =============================================================================

// Capability is a tag from the closed capability vocabulary.
type Capability string

const (
	CapPlanning      Capability = "PLANNING"
	CapBuild         Capability = "BUILD"
	CapValidation    Capability = "VALIDATION"
	CapReflection    Capability = "REFLECTION"
	CapReview        Capability = "REVIEW"
	CapRiskAnalysis  Capability = "RISK_ANALYSIS"
	CapDriftAnalysis Capability = "DRIFT_ANALYSIS"
	CapMemoryWrite   Capability = "MEMORY_WRITE"
	CapUI            Capability = "UI"
)

// knownCapabilities is the closed vocabulary.
var knownCapabilities = map[Capability]bool{
	CapPlanning:      true,
	CapBuild:         true,
	CapValidation:    true,
	CapReflection:    true,
	CapReview:        true,
	CapRiskAnalysis:  true,
	CapDriftAnalysis: true,
	CapMemoryWrite:   true,
	CapUI:            true,
}

// Known reports whether c belongs to the vocabulary.
func (c Capability) Known() bool {
	return knownCapabilities[c]
}

// IsPhaseClass reports whether c selects a loop phase. Only phase classes
// can appear as successors in the loop pipeline.
func (c Capability) IsPhaseClass() bool {
	switch c {
	case CapPlanning, CapBuild, CapValidation, CapReflection:
		return true
	}
	return false
}

// =============================================================================
// Payload and Result
// =============================================================================

// TaskPayload is the envelope handed to every worker.
type TaskPayload struct {
	// TaskID identifies this single worker call.
	TaskID string `json:"task_id" validate:"required"`

	// LoopID is the loop iteration the call belongs to.
	LoopID string `json:"loop_id" validate:"required"`

	// ProjectID scopes the work. Optional.
	ProjectID string `json:"project_id,omitempty"`

	// StepIndex counts worker calls within the iteration, from 0.
	StepIndex int `json:"step_index" validate:"gte=0"`

	// Instructions is the natural-language task.
	Instructions string `json:"instructions,omitempty"`

	// Persona carries the persona/context tag of the lineage.
	Persona string `json:"persona,omitempty"`

	// PriorContext carries context accumulated by earlier steps and
	// earlier iterations (reflection feedback on reruns).
	PriorContext map[string]any `json:"prior_context,omitempty"`

	// Body is the worker-specific input checked against the input contract.
	Body map[string]any `json:"body,omitempty"`
}

// Clone returns a copy whose maps can be modified without affecting p.
// Map values are copied shallowly.
func (p TaskPayload) Clone() TaskPayload {
	out := p
	if p.PriorContext != nil {
		out.PriorContext = maps.Clone(p.PriorContext)
	}
	if p.Body != nil {
		out.Body = maps.Clone(p.Body)
	}
	return out
}

// TaskResult is what a worker returns.
type TaskResult struct {
	TaskID    string     `json:"task_id"`
	WorkerKey string     `json:"worker_key"`
	Status    TaskStatus `json:"status"`

	// Output is the result body checked against the output contract.
	Output map[string]any `json:"output,omitempty"`

	// NextWorker and NextPayload are required when Status is DELEGATED.
	NextWorker  string       `json:"next_worker,omitempty"`
	NextPayload *TaskPayload `json:"next_payload,omitempty"`

	// RequiresIntervention asks for a human before the loop continues.
	RequiresIntervention bool `json:"requires_intervention,omitempty"`

	// Error is set on ERROR results.
	Error string `json:"error,omitempty"`

	// Violation is set when the result was produced by a contract check.
	Violation *ContractViolation `json:"violation,omitempty"`

	// Duration is filled in by the invocation wrapper.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Success builds a SUCCESS result.
func Success(output map[string]any) TaskResult {
	return TaskResult{Status: StatusSuccess, Output: output}
}

// Failure builds an ERROR result.
func Failure(message string) TaskResult {
	return TaskResult{Status: StatusError, Error: message}
}

// Delegate builds a DELEGATED result.
func Delegate(next string, payload TaskPayload) TaskResult {
	return TaskResult{Status: StatusDelegated, NextWorker: next, NextPayload: &payload}
}

// Pending builds a PENDING result.
func Pending() TaskResult {
	return TaskResult{Status: StatusPending}
}

// =============================================================================
// Workers
// =============================================================================

// Worker is anything that accepts a task payload and produces a result.
//
// The loop core never inspects how a worker produced its output. Returning
// a non-nil error is equivalent to returning an ERROR result.
type Worker interface {
	Execute(ctx context.Context, payload TaskPayload) (TaskResult, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, payload TaskPayload) (TaskResult, error)

// Execute implements Worker.
func (f WorkerFunc) Execute(ctx context.Context, payload TaskPayload) (TaskResult, error) {
	return f(ctx, payload)
}

// WorkerDescriptor is a registry entry.
type WorkerDescriptor struct {
	// Key is the capability key workers are resolved by.
	Key string `json:"key"`

	// Name is a human-readable name.
	Name string `json:"name"`

	// Capabilities are tags from the closed vocabulary. The first phase
	// class among them is the worker's class in the loop pipeline.
	Capabilities []Capability `json:"capabilities"`

	// Input is checked before the call; a violation becomes a failed result.
	Input Contract `json:"input"`

	// Output is enforced after a SUCCESS result, with coercion.
	Output Contract `json:"output"`

	// Mandatory workers move the loop to ERROR on contract violations.
	// Optional workers are skipped instead.
	Mandatory bool `json:"mandatory"`

	// Worker is the implementation.
	Worker Worker `json:"-"`
}

// Class returns the first phase-class capability of the descriptor.
func (d WorkerDescriptor) Class() (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.IsPhaseClass() {
			return c, true
		}
	}
	return "", false
}

// HasCapability reports whether the descriptor declares c.
func (d WorkerDescriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
