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
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
)

const tracerName = "guardloop/guardrail"

// Invoker calls a worker by registry key.
//
// *agent.Invoker satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, key string, payload agent.TaskPayload) (agent.TaskResult, error)
}

// Reflector fans a loop's output out to the reviewer workers and aggregates
// their verdicts.
//
// Description:
//
//	Every configured reviewer is invoked concurrently against the same
//	snapshot of the payload, each bounded by the reviewer timeout. The fan-out
//	is a join barrier: aggregation starts once every reviewer has answered,
//	failed or timed out. A reviewer that fails, times out or returns an
//	unusable score is marked degraded and contributes the neutral score.
//
//	Alignment is the weighted sum of reviewer scores. Drift is the drift
//	analyzer's score. Both are deterministic in the set of verdicts,
//	whatever order reviewers finish in.
//
// Thread Safety: Reflector is safe for concurrent use.
type Reflector struct {
	invoker  Invoker
	settings ReflectionSettings
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewReflector creates a reflector. A nil logger uses slog.Default();
// metrics may be nil.
func NewReflector(invoker Invoker, settings ReflectionSettings, logger *slog.Logger, metrics *telemetry.Metrics) *Reflector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reflector{invoker: invoker, settings: settings, logger: logger, metrics: metrics}
}

// Reflect runs the reviewer fan-out for payload.
//
// Inputs:
//
//	ctx - Cancelling ctx stops waiting on every reviewer.
//	payload - The loop output under review. Body["summary_valid"] carries the
//	          validator's verdict on the loop summary; absent means valid.
//
// Outputs:
//
//	ReflectionResult - Verdicts in configured reviewer order plus aggregates.
//	error - ctx.Err() if ctx ended during the fan-out. The partial result
//	        is returned alongside so it can be kept for inspection.
func (r *Reflector) Reflect(ctx context.Context, payload agent.TaskPayload) (ReflectionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Reflector.Reflect",
		trace.WithAttributes(attribute.String("loop_id", payload.LoopID)))
	defer span.End()

	reviewers := r.settings.Reviewers
	verdicts := make([]ReviewerVerdict, len(reviewers))
	snapshot := payload.Clone()

	var g errgroup.Group
	for i, spec := range reviewers {
		g.Go(func() error {
			verdicts[i] = r.review(ctx, spec, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	result := r.aggregate(payload, verdicts)

	if err := ctx.Err(); err != nil {
		telemetry.RecordError(span, err)
		return result, err
	}

	span.SetAttributes(
		attribute.Float64("alignment", result.Alignment),
		attribute.Float64("drift", result.Drift),
		attribute.Int("conflicts", len(result.Conflicts)),
	)
	return result, nil
}

func (r *Reflector) review(ctx context.Context, spec ReviewerSpec, snapshot agent.TaskPayload) ReviewerVerdict {
	start := time.Now()
	verdict := ReviewerVerdict{Role: spec.Role, WorkerKey: spec.WorkerKey}

	rctx, cancel := context.WithTimeout(ctx, r.settings.ReviewerTimeout)
	defer cancel()

	payload := snapshot.Clone()
	payload.TaskID = snapshot.TaskID + "/" + string(spec.Role)
	if payload.Body == nil {
		payload.Body = make(map[string]any)
	}
	payload.Body["review_role"] = string(spec.Role)

	type outcome struct {
		result agent.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.invoker.Invoke(rctx, spec.WorkerKey, payload)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		if out.result.Status != agent.StatusSuccess && rctx.Err() != nil {
			out.err = rctx.Err()
		}
	case <-rctx.Done():
		out = outcome{err: rctx.Err()}
	}

	verdict.DurationMs = time.Since(start).Milliseconds()
	score, tags, err := r.interpret(spec, out.result, out.err)
	if err != nil {
		verdict.Degraded = true
		verdict.Error = err.Error()
		verdict.Score = r.settings.NeutralScore
		r.logger.Warn("Reviewer degraded to neutral score",
			slog.String("loop_id", snapshot.LoopID),
			slog.String("role", string(spec.Role)),
			slog.String("worker", spec.WorkerKey),
			slog.String("error", err.Error()))
	} else {
		verdict.Score = score
		verdict.BiasTags = tags
		verdict.Raw = out.result.Output
	}

	r.metrics.RecordReviewer(ctx, string(spec.Role), verdict.Degraded, time.Since(start))
	return verdict
}

func (r *Reflector) interpret(spec ReviewerSpec, res agent.TaskResult, err error) (float64, []BiasTag, error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return 0, nil, fmt.Errorf("reviewer timed out after %s", r.settings.ReviewerTimeout)
	case err != nil:
		return 0, nil, err
	case res.Status != agent.StatusSuccess:
		if res.Error != "" {
			return 0, nil, fmt.Errorf("reviewer returned %s: %s", res.Status, res.Error)
		}
		return 0, nil, fmt.Errorf("reviewer returned %s", res.Status)
	}

	raw, ok := res.Output[spec.ScoreField]
	if !ok {
		return 0, nil, fmt.Errorf("reviewer output has no %q field", spec.ScoreField)
	}
	score, ok := agent.Number(raw)
	if !ok {
		return 0, nil, fmt.Errorf("reviewer field %q is not a number", spec.ScoreField)
	}
	if score != score || score < 0 || score > 1 {
		return 0, nil, fmt.Errorf("reviewer score %v outside [0, 1]", score)
	}
	return score, parseBiasTags(res.Output["bias_tags"]), nil
}

func (r *Reflector) aggregate(payload agent.TaskPayload, verdicts []ReviewerVerdict) ReflectionResult {
	result := ReflectionResult{
		LoopID:       payload.LoopID,
		Verdicts:     verdicts,
		SummaryValid: summaryValid(payload.Body),
		CreatedAt:    time.Now().UTC(),
	}

	for i, spec := range r.settings.Reviewers {
		v := verdicts[i]
		result.Alignment += spec.Weight * v.Score
		if spec.Role == RoleDriftAnalyzer {
			result.Drift = v.Score
		}
		result.BiasTags = append(result.BiasTags, v.BiasTags...)
	}
	result.Alignment = clamp01(result.Alignment)
	result.Drift = clamp01(result.Drift)

	for _, rule := range DetectConflicts(r.settings.ConflictRules, verdicts) {
		result.Conflicts = append(result.Conflicts, rule.Tag)
		result.BiasTags = append(result.BiasTags, BiasTag{Tag: rule.Tag, Severity: rule.Severity})
	}
	return result
}

// parseBiasTags accepts a list of {tag, severity} objects or plain strings.
func parseBiasTags(v any) []BiasTag {
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			for _, s := range strs {
				items = append(items, s)
			}
		}
	}

	out := make([]BiasTag, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				out = append(out, BiasTag{Tag: t, Severity: 0.5})
			}
		case map[string]any:
			name, _ := t["tag"].(string)
			if strings.TrimSpace(name) == "" {
				continue
			}
			sev, ok := agent.Number(t["severity"])
			if !ok {
				sev = 0.5
			}
			out = append(out, BiasTag{Tag: name, Severity: clamp01(sev)})
		}
	}
	return out
}

func summaryValid(body map[string]any) bool {
	switch v := body["summary_valid"].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	return true
}
