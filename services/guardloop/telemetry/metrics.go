// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments recorded by the loop core.
//
// Description:
//
//	All metrics use the "guardloop_" prefix. Every Record method is safe to
//	call on a nil *Metrics, so components can run without telemetry.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// WorkerInvocationsTotal counts worker calls by worker and status.
	WorkerInvocationsTotal metric.Int64Counter

	// WorkerInvocationDuration records worker call duration in seconds.
	WorkerInvocationDuration metric.Float64Histogram

	// ContractViolationsTotal counts contract violations by worker and direction.
	ContractViolationsTotal metric.Int64Counter

	// ReviewerVerdictsTotal counts reviewer verdicts by role and degraded flag.
	ReviewerVerdictsTotal metric.Int64Counter

	// ReviewerDuration records reviewer call duration in seconds.
	ReviewerDuration metric.Float64Histogram

	// DecisionsTotal counts rerun/finalize decisions by reason code.
	DecisionsTotal metric.Int64Counter

	// AlignmentScore records aggregate alignment per reflection.
	AlignmentScore metric.Float64Histogram

	// FatigueValue records the fatigue value after each scoring.
	FatigueValue metric.Float64Histogram

	// BiasEchoesTotal counts echo detections by tag.
	BiasEchoesTotal metric.Int64Counter

	// LoopTransitionsTotal counts controller state transitions.
	LoopTransitionsTotal metric.Int64Counter

	// LoopIterationsTotal counts finished loop iterations by outcome.
	LoopIterationsTotal metric.Int64Counter

	// PersistenceErrorsTotal counts surfaced persistence errors by operation.
	PersistenceErrorsTotal metric.Int64Counter
}

// NewMetrics registers all instruments with meter.
//
// Inputs:
//
//	meter - The OTel meter to register with.
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.WorkerInvocationsTotal, "guardloop_worker_invocations_total", "Worker calls by worker and status"},
		{&m.ContractViolationsTotal, "guardloop_contract_violations_total", "Contract violations by worker and direction"},
		{&m.ReviewerVerdictsTotal, "guardloop_reviewer_verdicts_total", "Reviewer verdicts by role and degraded flag"},
		{&m.DecisionsTotal, "guardloop_decisions_total", "Rerun and finalize decisions by reason"},
		{&m.BiasEchoesTotal, "guardloop_bias_echoes_total", "Bias echo detections by tag"},
		{&m.LoopTransitionsTotal, "guardloop_loop_transitions_total", "Loop controller state transitions"},
		{&m.LoopIterationsTotal, "guardloop_loop_iterations_total", "Finished loop iterations by outcome"},
		{&m.PersistenceErrorsTotal, "guardloop_persistence_errors_total", "Surfaced persistence errors by operation"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
		unit string
	}{
		{&m.WorkerInvocationDuration, "guardloop_worker_invocation_duration_seconds", "Worker call duration", "s"},
		{&m.ReviewerDuration, "guardloop_reviewer_duration_seconds", "Reviewer call duration", "s"},
		{&m.AlignmentScore, "guardloop_alignment_score", "Aggregate alignment per reflection", "1"},
		{&m.FatigueValue, "guardloop_fatigue_value", "Reflection fatigue after scoring", "1"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit(h.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", h.name, err)
		}
	}

	return m, nil
}

// RecordInvocation records one worker call.
func (m *Metrics) RecordInvocation(ctx context.Context, worker, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerInvocationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("status", status),
	))
	m.WorkerInvocationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("worker", worker)))
}

// RecordContractViolation records a rejected input or output body.
func (m *Metrics) RecordContractViolation(ctx context.Context, worker, direction string) {
	if m == nil {
		return
	}
	m.ContractViolationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("direction", direction),
	))
}

// RecordReviewer records one reviewer verdict.
func (m *Metrics) RecordReviewer(ctx context.Context, role string, degraded bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ReviewerVerdictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("degraded", strconv.FormatBool(degraded)),
	))
	m.ReviewerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("role", role)))
}

// RecordDecision records a decision and the signals it was based on.
func (m *Metrics) RecordDecision(ctx context.Context, decision, reason string, alignment, fatigue float64) {
	if m == nil {
		return
	}
	m.DecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("reason", reason),
	))
	m.AlignmentScore.Record(ctx, alignment)
	m.FatigueValue.Record(ctx, fatigue)
}

// RecordBiasEcho records an echo detection for tag.
func (m *Metrics) RecordBiasEcho(ctx context.Context, tag string) {
	if m == nil {
		return
	}
	m.BiasEchoesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tag", tag)))
}

// RecordTransition records a controller state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.LoopTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordIteration records a finished loop iteration.
func (m *Metrics) RecordIteration(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.LoopIterationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPersistenceError records a persistence failure that reached a caller.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.PersistenceErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// =============================================================================
// Prometheus export
// =============================================================================

// NewPrometheusRegistry returns a registry with Go runtime and process
// collectors registered.
func NewPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewPrometheusMeterProvider creates a meter provider whose instruments are
// exported through reg.
//
// Outputs:
//
//	*sdkmetric.MeterProvider - Caller must call Shutdown before exit.
//	error - Non-nil if the exporter cannot be registered.
func NewPrometheusMeterProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

// MetricsHandler serves reg in the Prometheus exposition format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
