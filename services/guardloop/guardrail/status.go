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

import "context"

// StatusReport is the read-only projection of one loop.
type StatusReport struct {
	LoopID     string     `json:"loop_id"`
	BaseLoopID string     `json:"base_loop_id"`
	Status     LoopStatus `json:"status"`

	RerunCount int `json:"rerun_count"`
	MaxReruns  int `json:"max_reruns"`

	AlignmentScore float64 `json:"alignment_score"`
	DriftScore     float64 `json:"drift_score"`

	BiasEcho     bool     `json:"bias_echo"`
	RepeatedTags []string `json:"repeated_tags"`

	Fatigue          float64 `json:"fatigue"`
	FatigueThreshold float64 `json:"fatigue_threshold"`
	FatigueExceeded  bool    `json:"fatigue_exceeded"`

	LastDecision      Decision        `json:"last_decision,omitempty"`
	LastReasoning     *RerunReasoning `json:"last_reasoning,omitempty"`
	RerunReasoning    *RerunReasoning `json:"rerun_reasoning,omitempty"`
	FinalizeReasoning *RerunReasoning `json:"finalize_reasoning,omitempty"`

	ControllerState string     `json:"controller_state,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	PendingOverride *Overrides `json:"pending_override,omitempty"`
}

// Status builds the status report of loopID. It has no side effects.
func (e *Engine) Status(ctx context.Context, loopID string) (StatusReport, error) {
	tr, err := e.traces.Get(ctx, loopID)
	if err != nil {
		return StatusReport{}, err
	}

	critical := e.Settings().Fatigue.Critical
	report := StatusReport{
		LoopID:           tr.LoopID,
		BaseLoopID:       tr.BaseLoopID,
		Status:           tr.Status,
		RerunCount:       tr.RerunCount,
		MaxReruns:        tr.MaxReruns,
		AlignmentScore:   tr.AlignmentScore,
		DriftScore:       tr.DriftScore,
		BiasEcho:         tr.BiasEcho,
		RepeatedTags:     e.bias.RepeatedTags(loopID),
		Fatigue:          tr.ReflectionFatigue,
		FatigueThreshold: critical,
		FatigueExceeded:  tr.ReflectionFatigue >= critical-improvementEpsilon,
		LastDecision:     tr.LastDecision,
		ControllerState:  tr.ControllerState,
		LastError:        tr.LastError,
	}

	if rec, ok, err := e.reasoning.Get(ctx, loopID, DecisionRerun); err != nil {
		return StatusReport{}, err
	} else if ok {
		report.RerunReasoning = &rec
	}
	if rec, ok, err := e.reasoning.Get(ctx, loopID, DecisionFinalize); err != nil {
		return StatusReport{}, err
	} else if ok {
		report.FinalizeReasoning = &rec
	}
	switch {
	case report.FinalizeReasoning != nil:
		report.LastReasoning = report.FinalizeReasoning
	case report.RerunReasoning != nil:
		report.LastReasoning = report.RerunReasoning
	}

	if tr.Status != TraceFinalized {
		pending, ok, err := e.overrides.Pending(ctx, loopID)
		if err != nil {
			return StatusReport{}, err
		}
		if ok {
			report.PendingOverride = &pending
		}
	}
	return report, nil
}
