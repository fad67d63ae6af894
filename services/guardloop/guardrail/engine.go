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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
)

// ReflectorKey is the registry key the engine registers under.
const ReflectorKey = "reflector"

const (
	biasKeyPrefix     = "bias/"
	biasLoopKeyPrefix = "bias-loop/"
)

// Error codes reported in the output of a failed reflector call.
const (
	CodeDecisionAmbiguity = "decision_ambiguity"
	CodePersistence       = "persistence"
	CodeAborted           = "aborted"
	CodeLoopFinalized     = "loop_finalized"
	CodeReasoningExists   = "reasoning_exists"
	CodeTraceNotFound     = "trace_not_found"
	CodeInternal          = "internal"
)

// Outcome is everything one reflection step produced.
type Outcome struct {
	Trace      LoopTrace        `json:"trace"`
	Reflection ReflectionResult `json:"reflection"`
	Bias       BiasResult       `json:"bias"`
	Fatigue    FatigueResult    `json:"fatigue"`
	Verdict    Verdict          `json:"verdict"`
	Reasoning  RerunReasoning   `json:"reasoning"`

	// Next is the rerun's trace when Verdict.Decision is rerun.
	Next *LoopTrace `json:"next,omitempty"`
}

// BeginRequest describes a new base loop.
type BeginRequest struct {
	// LoopID is minted when empty.
	LoopID       string
	ProjectID    string
	Persona      string
	Instructions string
	Context      map[string]any

	// MaxReruns overrides the configured default ceiling when non-nil.
	MaxReruns *int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineMetrics sets the metric instruments.
func WithEngineMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPublisher sets the reasoning publisher.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = p
	}
}

// Engine is the reflection guardrail engine.
//
// Description:
//
//	Engine ties the trace repository, reviewer fan-out, bias tracker,
//	fatigue scorer, decision engine, reasoning logger and override book
//	together. It is also an agent.Worker, registered as the "reflector", so
//	the loop controller reaches it through the ordinary invocation wrapper.
//
// Thread Safety: Engine is safe for concurrent use. Reflection steps of one
// lineage must be issued sequentially; the loop controller guarantees this.
type Engine struct {
	kv        storage.KV
	invoker   Invoker
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	publisher Publisher

	traces    *TraceRepository
	bias      *BiasTracker
	fatigue   *FatigueScorer
	reasoning *ReasoningLogger
	overrides *OverrideBook

	mu        sync.RWMutex
	settings  Settings
	decision  DecisionEngine
	reflector *Reflector
}

// NewEngine creates an engine.
//
// Inputs:
//
//	kv - Persistence boundary for every guardrail record.
//	invoker - Used to call reviewer workers.
//	settings - Validated with Settings.Validate.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Engine - The engine. Call Restore to reload persisted bias history.
//	error - Non-nil if settings are invalid.
func NewEngine(kv storage.KV, invoker Invoker, settings Settings, opts ...EngineOption) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("guardrail settings: %w", err)
	}

	e := &Engine{
		kv:      kv,
		invoker: invoker,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.traces = NewTraceRepository(kv)
	e.bias = NewBiasTracker(settings.Bias.EchoThreshold)
	e.fatigue = NewFatigueScorer(settings.Fatigue)
	e.reasoning = NewReasoningLogger(kv, e.traces, e.publisher, e.logger)
	e.overrides = NewOverrideBook(kv)
	e.applySettings(settings)
	return e, nil
}

// Traces returns the trace repository.
func (e *Engine) Traces() *TraceRepository { return e.traces }

// Bias returns the bias tracker.
func (e *Engine) Bias() *BiasTracker { return e.bias }

// Reasoning returns the reasoning logger.
func (e *Engine) Reasoning() *ReasoningLogger { return e.reasoning }

// Overrides returns the override book.
func (e *Engine) Overrides() *OverrideBook { return e.overrides }

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateSettings swaps in new settings for later reflection steps.
func (e *Engine) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("guardrail settings: %w", err)
	}
	e.applySettings(s)
	e.logger.Info("Guardrail settings updated",
		slog.Float64("alignment_threshold", s.Decision.AlignmentThreshold),
		slog.Float64("drift_threshold", s.Decision.DriftThreshold),
		slog.Int("echo_threshold", s.Bias.EchoThreshold),
		slog.Int("conflict_rules", len(s.Reflection.ConflictRules)))
	return nil
}

func (e *Engine) applySettings(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	e.decision = NewDecisionEngine(s.Decision)
	e.reflector = NewReflector(e.invoker, s.Reflection, e.logger, e.metrics)
	e.bias.SetThreshold(s.Bias.EchoThreshold)
	e.fatigue.SetSettings(s.Fatigue)
}

// Restore reloads persisted bias history into the tracker.
func (e *Engine) Restore(ctx context.Context) error {
	tagKeys, err := e.kv.List(ctx, biasKeyPrefix)
	if err != nil {
		return fmt.Errorf("list bias records: %w", err)
	}
	records := make([]BiasTagRecord, 0, len(tagKeys))
	for _, key := range tagKeys {
		var rec BiasTagRecord
		if _, err := storage.ReadJSON(ctx, e.kv, key, &rec); err != nil {
			return fmt.Errorf("restore bias record: %w", err)
		}
		records = append(records, rec)
	}

	loopKeys, err := e.kv.List(ctx, biasLoopKeyPrefix)
	if err != nil {
		return fmt.Errorf("list bias loop counts: %w", err)
	}
	perLoop := make(map[string]map[string]int, len(loopKeys))
	for _, key := range loopKeys {
		counts := make(map[string]int)
		if _, err := storage.ReadJSON(ctx, e.kv, key, &counts); err != nil {
			return fmt.Errorf("restore bias loop counts: %w", err)
		}
		perLoop[strings.TrimPrefix(key, biasLoopKeyPrefix)] = counts
	}

	e.bias.Restore(records, perLoop)
	e.logger.Info("Bias history restored",
		slog.Int("tags", len(records)),
		slog.Int("loops", len(perLoop)))
	return nil
}

// Begin creates the trace of a new base loop.
func (e *Engine) Begin(ctx context.Context, req BeginRequest) (LoopTrace, error) {
	loopID := req.LoopID
	if loopID == "" {
		loopID = NewLoopID()
	}
	if BaseLoopID(loopID) != loopID {
		return LoopTrace{}, fmt.Errorf("begin loop: %q is a rerun id", loopID)
	}

	maxReruns := e.Settings().DefaultMaxReruns
	if req.MaxReruns != nil {
		if *req.MaxReruns < 0 {
			return LoopTrace{}, fmt.Errorf("begin loop: negative rerun ceiling %d", *req.MaxReruns)
		}
		maxReruns = *req.MaxReruns
	}

	return e.traces.Create(ctx, LoopTrace{
		LoopID:       loopID,
		ProjectID:    req.ProjectID,
		Persona:      req.Persona,
		Instructions: req.Instructions,
		Context:      maps.Clone(req.Context),
		MaxReruns:    maxReruns,
	})
}

// RecordControllerState mirrors the loop controller's state onto a trace.
func (e *Engine) RecordControllerState(ctx context.Context, loopID, state, lastError string) error {
	_, err := e.traces.Update(ctx, loopID, func(t *LoopTrace) error {
		t.ControllerState = state
		if lastError != "" {
			t.LastError = lastError
		}
		return nil
	})
	return err
}

// Reflect runs one reflection step for the loop named by payload.LoopID.
//
// Description:
//
//	Steps, in order: reviewer fan-out, bias recording, fatigue scoring,
//	trace update, decision, reasoning record, and on rerun the creation of
//	the child trace. The pending override for the loop, if any, is consumed
//	once the decision is made.
//
// Outputs:
//
//	Outcome - The step's products. On cancellation the partial reflection
//	          is returned and also kept on the trace.
//	error - ErrLoopFinalized, ErrTraceNotFound, ErrDecisionAmbiguity,
//	        ErrReasoningExists, a persistence error, or ctx.Err().
func (e *Engine) Reflect(ctx context.Context, payload agent.TaskPayload) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine.Reflect",
		trace.WithAttributes(attribute.String("loop_id", payload.LoopID)))
	defer span.End()

	out, err := e.reflect(ctx, payload)
	if err != nil {
		telemetry.RecordError(span, err)
		return out, err
	}
	span.SetAttributes(
		attribute.String("decision", string(out.Verdict.Decision)),
		attribute.String("reason", string(out.Verdict.Reason)),
	)
	return out, nil
}

func (e *Engine) reflect(ctx context.Context, payload agent.TaskPayload) (Outcome, error) {
	var out Outcome
	loopID := payload.LoopID

	tr, err := e.traces.Get(ctx, loopID)
	if err != nil {
		return out, err
	}
	if tr.Status == TraceFinalized {
		return out, fmt.Errorf("%w: %s", ErrLoopFinalized, loopID)
	}

	e.mu.RLock()
	reflector := e.reflector
	decider := e.decision
	e.mu.RUnlock()

	reflection, err := reflector.Reflect(ctx, payload)
	out.Reflection = reflection
	if err != nil {
		e.keepPartial(ctx, loopID, reflection, err)
		return out, err
	}

	out.Bias, err = e.bias.RecordWith(loopID, reflection.BiasTags, func(records []BiasTagRecord, loopCounts map[string]int) error {
		return e.persistBias(ctx, loopID, records, loopCounts)
	})
	if err != nil {
		return out, err
	}
	for _, tag := range out.Bias.RepeatedTags {
		e.metrics.RecordBiasEcho(ctx, tag)
	}

	var parent *Scores
	if tr.ParentLoopID != "" {
		p, err := e.traces.Get(ctx, tr.ParentLoopID)
		if err != nil && !errors.Is(err, ErrTraceNotFound) {
			return out, err
		}
		if err == nil {
			parent = &Scores{Alignment: p.AlignmentScore, Drift: p.DriftScore}
		}
	}
	current := Scores{Alignment: reflection.Alignment, Drift: reflection.Drift}
	out.Fatigue = e.fatigue.Score(parent, current, tr.ReflectionFatigue)

	tr, err = e.traces.Update(ctx, loopID, func(t *LoopTrace) error {
		t.AlignmentScore = reflection.Alignment
		t.DriftScore = reflection.Drift
		t.ReflectionFatigue = out.Fatigue.Fatigue
		t.BiasEcho = out.Bias.Echo
		r := reflection
		t.Reflection = &r
		t.Status = TraceCompleted
		return nil
	})
	if err != nil {
		return out, err
	}

	// The override is consumed before deciding so one posted while this
	// decision runs is kept for the next. It goes back to the book if no
	// reasoning gets recorded.
	overrides, err := e.overrides.Take(ctx, loopID)
	if err != nil {
		return out, err
	}
	recorded := false
	if overrides.Any() {
		defer func() {
			if recorded {
				return
			}
			if err := e.overrides.Release(context.WithoutCancel(ctx), loopID, overrides); err != nil {
				e.logger.Error("Failed to release override",
					slog.String("loop_id", loopID),
					slog.String("error", err.Error()))
			}
		}()
	}

	verdict, err := decider.Decide(DecisionInput{
		LoopID:       loopID,
		RerunCount:   tr.RerunCount,
		MaxReruns:    tr.MaxReruns,
		Alignment:    reflection.Alignment,
		Drift:        reflection.Drift,
		SummaryValid: reflection.SummaryValid,
		Fatigue:      out.Fatigue,
		Bias:         out.Bias,
		Overrides:    overrides,
	})
	if err != nil {
		e.logger.Error("Decision engine could not judge loop",
			slog.String("loop_id", loopID),
			slog.String("error", err.Error()))
		_ = e.RecordControllerState(context.WithoutCancel(ctx), loopID, tr.ControllerState, err.Error())
		return out, err
	}
	out.Verdict = verdict

	rec := RerunReasoning{
		LoopID:         loopID,
		Triggers:       verdict.Triggers,
		Reason:         verdict.Reason,
		Detail:         verdict.Detail,
		NextLoopID:     verdict.NextLoopID,
		AlignmentScore: reflection.Alignment,
		DriftScore:     reflection.Drift,
		Fatigue:        out.Fatigue.Fatigue,
		RerunCount:     tr.RerunCount,
	}
	if overrides.Any() {
		rec.OverrideBy = overrides.OverrideBy
		rec.OverrideReason = overrides.OverrideReason
	}

	switch verdict.Decision {
	case DecisionRerun:
		if out.Reasoning, err = e.reasoning.LogRerun(ctx, rec); err != nil {
			return out, err
		}
		recorded = true
		next, err := e.traces.Create(ctx, LoopTrace{
			LoopID:            verdict.NextLoopID,
			ParentLoopID:      loopID,
			BaseLoopID:        tr.BaseLoopID,
			ProjectID:         tr.ProjectID,
			RerunCount:        tr.RerunCount + 1,
			MaxReruns:         tr.MaxReruns,
			ReflectionFatigue: out.Fatigue.Fatigue,
			Persona:           tr.Persona,
			Instructions:      tr.Instructions,
			Context:           maps.Clone(tr.Context),
		})
		if err != nil {
			return out, err
		}
		out.Next = &next
	default:
		if out.Reasoning, err = e.reasoning.LogFinalize(ctx, rec); err != nil {
			return out, err
		}
		recorded = true
	}

	if tr, err = e.traces.Get(ctx, loopID); err != nil {
		return out, err
	}
	out.Trace = tr

	e.metrics.RecordDecision(ctx, string(verdict.Decision), string(verdict.Reason), reflection.Alignment, out.Fatigue.Fatigue)
	e.logger.Info("Reflection decided",
		slog.String("loop_id", loopID),
		slog.String("decision", string(verdict.Decision)),
		slog.String("reason", string(verdict.Reason)),
		slog.Float64("alignment", reflection.Alignment),
		slog.Float64("drift", reflection.Drift),
		slog.Float64("fatigue", out.Fatigue.Fatigue),
		slog.Bool("bias_echo", out.Bias.Echo))
	return out, nil
}

// keepPartial stores a partial reflection after the step was cut short.
func (e *Engine) keepPartial(ctx context.Context, loopID string, reflection ReflectionResult, cause error) {
	_, err := e.traces.Update(context.WithoutCancel(ctx), loopID, func(t *LoopTrace) error {
		r := reflection
		t.Reflection = &r
		t.LastError = cause.Error()
		return nil
	})
	if err != nil {
		e.logger.Error("Partial reflection could not be kept",
			slog.String("loop_id", loopID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) persistBias(ctx context.Context, loopID string, records []BiasTagRecord, loopCounts map[string]int) error {
	for _, rec := range records {
		if err := storage.WriteJSON(ctx, e.kv, biasKeyPrefix+rec.Tag, rec); err != nil {
			return fmt.Errorf("persist bias record %s: %w", rec.Tag, err)
		}
	}
	if err := storage.WriteJSON(ctx, e.kv, biasLoopKeyPrefix+loopID, loopCounts); err != nil {
		return fmt.Errorf("persist bias counts %s: %w", loopID, err)
	}
	return nil
}

// Abort finalizes loopID on an operator's behalf.
//
// Description:
//
//	A finalize record with reason operator_abort is written so the loop
//	stays in the audit trail. Cancelling any in-flight work is the caller's
//	job; the loop controller does both.
//
// Outputs:
//
//	RerunReasoning - The abort record.
//	error - ErrLoopFinalized if the loop is already finalized.
func (e *Engine) Abort(ctx context.Context, loopID, by, reason string) (RerunReasoning, error) {
	tr, err := e.traces.Get(ctx, loopID)
	if err != nil {
		return RerunReasoning{}, err
	}
	if tr.Status == TraceFinalized {
		return RerunReasoning{}, fmt.Errorf("%w: %s", ErrLoopFinalized, loopID)
	}

	detail := "aborted by operator"
	if reason != "" {
		detail += ": " + reason
	}
	rec, err := e.reasoning.LogFinalize(ctx, RerunReasoning{
		LoopID:         loopID,
		Triggers:       []Trigger{TriggerOperator},
		Reason:         ReasonOperatorAbort,
		Detail:         detail,
		OverrideBy:     by,
		OverrideReason: reason,
		AlignmentScore: tr.AlignmentScore,
		DriftScore:     tr.DriftScore,
		Fatigue:        tr.ReflectionFatigue,
		RerunCount:     tr.RerunCount,
	})
	if errors.Is(err, ErrReasoningExists) {
		return RerunReasoning{}, fmt.Errorf("%w: %s", ErrLoopFinalized, loopID)
	}
	if err != nil {
		return RerunReasoning{}, err
	}

	e.metrics.RecordDecision(ctx, string(DecisionFinalize), string(ReasonOperatorAbort), tr.AlignmentScore, tr.ReflectionFatigue)
	e.logger.Warn("Loop aborted by operator",
		slog.String("loop_id", loopID),
		slog.String("by", by))
	return rec, nil
}

// Override stores an operator override for the next decision of req.LoopID.
//
// Outputs:
//
//	StoredOverride - The stored override.
//	error - ErrInvalidOverride, ErrTraceNotFound, or ErrLoopFinalized when
//	        the loop (or, for a base id, its lineage) already ended.
func (e *Engine) Override(ctx context.Context, req OverrideRequest) (StoredOverride, error) {
	if err := req.Validate(); err != nil {
		return StoredOverride{}, err
	}

	tr, err := e.traces.Get(ctx, req.LoopID)
	if err != nil {
		return StoredOverride{}, err
	}
	if tr.Status == TraceFinalized {
		return StoredOverride{}, fmt.Errorf("%w: %s", ErrLoopFinalized, req.LoopID)
	}
	if BaseLoopID(req.LoopID) == req.LoopID {
		lineage, err := e.traces.Lineage(ctx, req.LoopID)
		if err != nil {
			return StoredOverride{}, err
		}
		if n := len(lineage); n > 0 && lineage[n-1].Status == TraceFinalized {
			return StoredOverride{}, fmt.Errorf("%w: lineage %s", ErrLoopFinalized, req.LoopID)
		}
	}

	stored, err := e.overrides.Set(ctx, req)
	if err != nil {
		return StoredOverride{}, err
	}
	e.logger.Info("Operator override stored",
		slog.String("loop_id", req.LoopID),
		slog.String("by", req.OverrideBy),
		slog.Bool("override_fatigue", stored.Overrides.OverrideFatigue),
		slog.Bool("override_max_reruns", stored.Overrides.OverrideMaxReruns))
	return stored, nil
}

// =============================================================================
// Worker
// =============================================================================

// Descriptor returns the registry entry of the engine as a worker.
func (e *Engine) Descriptor() agent.WorkerDescriptor {
	return agent.WorkerDescriptor{
		Key:          ReflectorKey,
		Name:         "Reflection guardrail engine",
		Capabilities: []agent.Capability{agent.CapReflection},
		Output: agent.Contract{
			Name:    "reflection_decision",
			Version: 1,
			Fields: []agent.Field{
				{Name: "decision", Kind: agent.KindString, Required: true, Rule: "oneof=rerun finalize"},
				{Name: "reason", Kind: agent.KindString, Required: true},
				{Name: "next_loop_id", Kind: agent.KindString, Default: ""},
				{Name: "alignment", Kind: agent.KindNumber, Required: true, Rule: "gte=0,lte=1"},
				{Name: "drift", Kind: agent.KindNumber, Required: true, Rule: "gte=0,lte=1"},
				{Name: "fatigue", Kind: agent.KindNumber, Required: true, Rule: "gte=0,lte=1"},
				{Name: "bias_echo", Kind: agent.KindBool, Default: false},
			},
		},
		Mandatory: true,
		Worker:    e,
	}
}

// Execute implements agent.Worker.
//
// Failures are reported as ERROR results whose output carries error_code,
// so callers can recover the typed error with ErrorForCode.
func (e *Engine) Execute(ctx context.Context, payload agent.TaskPayload) (agent.TaskResult, error) {
	out, err := e.Reflect(ctx, payload)
	if err != nil {
		res := agent.Failure(err.Error())
		res.Output = map[string]any{"error_code": CodeForError(err)}
		return res, nil
	}

	triggers := make([]any, 0, len(out.Verdict.Triggers))
	for _, t := range out.Verdict.Triggers {
		triggers = append(triggers, string(t))
	}
	repeated := make([]any, 0, len(out.Bias.RepeatedTags))
	for _, t := range out.Bias.RepeatedTags {
		repeated = append(repeated, t)
	}
	conflicts := make([]any, 0, len(out.Reflection.Conflicts))
	for _, c := range out.Reflection.Conflicts {
		conflicts = append(conflicts, c)
	}

	return agent.Success(map[string]any{
		"decision":       string(out.Verdict.Decision),
		"reason":         string(out.Verdict.Reason),
		"next_loop_id":   out.Verdict.NextLoopID,
		"detail":         out.Verdict.Detail,
		"triggers":       triggers,
		"alignment":      out.Reflection.Alignment,
		"drift":          out.Reflection.Drift,
		"fatigue":        out.Fatigue.Fatigue,
		"force_finalize": out.Fatigue.ForceFinalize,
		"bias_echo":      out.Bias.Echo,
		"repeated_tags":  repeated,
		"conflicts":      conflicts,
	}), nil
}

// CodeForError maps a reflection error to its error code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrDecisionAmbiguity):
		return CodeDecisionAmbiguity
	case errors.Is(err, storage.ErrPersistence):
		return CodePersistence
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeAborted
	case errors.Is(err, ErrLoopFinalized):
		return CodeLoopFinalized
	case errors.Is(err, ErrReasoningExists):
		return CodeReasoningExists
	case errors.Is(err, ErrTraceNotFound):
		return CodeTraceNotFound
	}
	return CodeInternal
}

// ErrorForCode returns the sentinel behind an error code, or nil for
// codes without one.
func ErrorForCode(code string) error {
	switch code {
	case CodeDecisionAmbiguity:
		return ErrDecisionAmbiguity
	case CodePersistence:
		return storage.ErrPersistence
	case CodeAborted:
		return context.Canceled
	case CodeLoopFinalized:
		return ErrLoopFinalized
	case CodeReasoningExists:
		return ErrReasoningExists
	case CodeTraceNotFound:
		return ErrTraceNotFound
	}
	return nil
}
