// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail implements the reflection guardrail engine.
//
// The engine fans a loop's output out to reviewer workers, aggregates their
// verdicts into alignment and drift scores, tracks recurring bias tags
// across a lineage, scores reflection fatigue, decides between rerun and
// finalize, and records the reasoning behind every decision.
package guardrail

import "time"

// =============================================================================
// Loop traces
// =============================================================================

// LoopStatus is the lifecycle status of a LoopTrace.
type LoopStatus string

const (
	// TracePending is a loop that has not been reflected on yet.
	TracePending LoopStatus = "pending"

	// TraceCompleted is a loop whose reflection ran; a decision follows.
	TraceCompleted LoopStatus = "completed"

	// TraceFinalized is a loop whose lineage ended here. Terminal.
	TraceFinalized LoopStatus = "finalized"
)

// LoopTrace is the record of one loop iteration.
//
// Traces are never deleted. Failed loops keep their trace and any partial
// reflection for post-mortem inspection.
type LoopTrace struct {
	LoopID       string `json:"loop_id"`
	ParentLoopID string `json:"parent_loop_id,omitempty"`
	BaseLoopID   string `json:"base_loop_id"`
	ProjectID    string `json:"project_id,omitempty"`

	Status LoopStatus `json:"status"`

	AlignmentScore    float64 `json:"alignment_score"`
	DriftScore        float64 `json:"drift_score"`
	RerunCount        int     `json:"rerun_count"`
	MaxReruns         int     `json:"max_reruns"`
	ReflectionFatigue float64 `json:"reflection_fatigue"`
	BiasEcho          bool    `json:"bias_echo"`

	// Persona and Context are carried forward to reruns.
	Persona      string         `json:"persona,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Context      map[string]any `json:"context,omitempty"`

	// ControllerState mirrors the loop controller's state for this iteration.
	ControllerState string `json:"controller_state,omitempty"`
	LastError       string `json:"last_error,omitempty"`

	// Reflection is the reflection result, possibly partial for failed loops.
	Reflection *ReflectionResult `json:"reflection,omitempty"`

	// Denormalized copy of the latest reasoning record.
	LastDecision   Decision   `json:"last_decision,omitempty"`
	LastTriggers   []Trigger  `json:"last_triggers,omitempty"`
	LastReason     ReasonCode `json:"last_reason,omitempty"`
	LastDetail     string     `json:"last_detail,omitempty"`
	LastOverrideBy string     `json:"last_override_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// =============================================================================
// Decisions and reasoning
// =============================================================================

// Decision is the verdict of the Decision Engine.
type Decision string

const (
	DecisionRerun    Decision = "rerun"
	DecisionFinalize Decision = "finalize"
)

// Trigger names a signal that fired during a decision.
type Trigger string

const (
	TriggerAlignment Trigger = "alignment"
	TriggerDrift     Trigger = "drift"
	TriggerBias      Trigger = "bias"
	TriggerFatigue   Trigger = "fatigue"
	TriggerMaxReruns Trigger = "max_reruns"
	TriggerSummary   Trigger = "summary"
	TriggerOperator  Trigger = "operator"
)

// ReasonCode is the decisive reason for a decision.
type ReasonCode string

const (
	ReasonMaxReruns       ReasonCode = "max_reruns_reached"
	ReasonFatigueExceeded ReasonCode = "fatigue_exceeded"
	ReasonAlignmentNotMet ReasonCode = "alignment_threshold_not_met"
	ReasonDriftExceeded   ReasonCode = "drift_threshold_exceeded"
	ReasonSummaryInvalid  ReasonCode = "summary_invalid"
	ReasonNoIssues        ReasonCode = "no_issues_detected"
	ReasonOperatorAbort   ReasonCode = "operator_abort"
)

// Verdict is the output of the Decision Engine.
type Verdict struct {
	Decision   Decision   `json:"decision"`
	NextLoopID string     `json:"next_loop_id,omitempty"`
	Reason     ReasonCode `json:"reason"`
	Triggers   []Trigger  `json:"triggers"`
	Detail     string     `json:"detail"`
}

// RerunReasoning is the immutable justification record of one decision.
//
// Each loop has at most one rerun record and at most one finalize record.
// Sequence, PrevHash and EntryHash link the record into the audit chain.
type RerunReasoning struct {
	LoopID         string     `json:"loop_id"`
	Decision       Decision   `json:"decision"`
	Triggers       []Trigger  `json:"triggers"`
	Reason         ReasonCode `json:"reason"`
	Detail         string     `json:"detail"`
	OverrideBy     string     `json:"override_by,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
	NextLoopID     string     `json:"next_loop_id,omitempty"`

	AlignmentScore float64 `json:"alignment_score"`
	DriftScore     float64 `json:"drift_score"`
	Fatigue        float64 `json:"fatigue"`
	RerunCount     int     `json:"rerun_count"`

	CreatedAt time.Time `json:"created_at"`
	Sequence  int64     `json:"sequence"`
	PrevHash  string    `json:"prev_hash"`
	EntryHash string    `json:"entry_hash"`
}

// =============================================================================
// Bias
// =============================================================================

// BiasTag is one flagged failure category reported by a reviewer.
type BiasTag struct {
	Tag      string  `json:"tag"`
	Severity float64 `json:"severity"`
}

// BiasTagRecord is the global history of one bias tag.
type BiasTagRecord struct {
	Tag           string    `json:"tag"`
	Count         int       `json:"count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	LoopIDs       []string  `json:"loop_ids"`
	SeverityTrend []float64 `json:"severity_trend"`
}

// BiasResult is the output of BiasTracker.Record.
type BiasResult struct {
	Echo         bool           `json:"echo"`
	RepeatedTags []string       `json:"repeated_tags"`
	Counts       map[string]int `json:"counts"`
}

// =============================================================================
// Fatigue
// =============================================================================

// Scores are the two reflection scores fatigue compares across a lineage.
type Scores struct {
	Alignment float64 `json:"alignment"`
	Drift     float64 `json:"drift"`
}

// FatigueResult is the output of the Fatigue Scorer.
type FatigueResult struct {
	Fatigue       float64 `json:"fatigue"`
	Previous      float64 `json:"previous"`
	Increased     bool    `json:"increased"`
	ForceFinalize bool    `json:"force_finalize"`
}

// =============================================================================
// Reflection
// =============================================================================

// ReviewerRole names a reviewer in the reflection fan-out.
type ReviewerRole string

const (
	RoleCritic        ReviewerRole = "critic"
	RolePessimist     ReviewerRole = "pessimist"
	RoleCEO           ReviewerRole = "ceo"
	RoleDriftAnalyzer ReviewerRole = "drift_analyzer"
)

// ReviewerVerdict is one reviewer's contribution to a reflection.
type ReviewerVerdict struct {
	Role      ReviewerRole   `json:"role"`
	WorkerKey string         `json:"worker_key"`
	Score     float64        `json:"score"`
	Raw       map[string]any `json:"raw,omitempty"`
	BiasTags  []BiasTag      `json:"bias_tags,omitempty"`

	// Degraded is set when the reviewer failed or timed out and Score is
	// the neutral default.
	Degraded   bool   `json:"degraded"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ReflectionResult aggregates the reviewer verdicts of one loop iteration.
// It is written once and never mutated.
type ReflectionResult struct {
	LoopID       string            `json:"loop_id"`
	Verdicts     []ReviewerVerdict `json:"verdicts"`
	Alignment    float64           `json:"alignment"`
	Drift        float64           `json:"drift"`
	Conflicts    []string          `json:"conflicts,omitempty"`
	SummaryValid bool              `json:"summary_valid"`
	BiasTags     []BiasTag         `json:"bias_tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Verdict returns the verdict of role, if present.
func (r *ReflectionResult) Verdict(role ReviewerRole) (ReviewerVerdict, bool) {
	for _, v := range r.Verdicts {
		if v.Role == role {
			return v, true
		}
	}
	return ReviewerVerdict{}, false
}

// =============================================================================
// Overrides
// =============================================================================

// Overrides are operator instructions applied to one decision.
type Overrides struct {
	OverrideFatigue   bool   `json:"override_fatigue"`
	OverrideMaxReruns bool   `json:"override_max_reruns"`
	OverrideBy        string `json:"override_by,omitempty"`
	OverrideReason    string `json:"override_reason,omitempty"`
}

// Any reports whether any override flag is set.
func (o Overrides) Any() bool {
	return o.OverrideFatigue || o.OverrideMaxReruns
}
