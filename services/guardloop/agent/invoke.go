// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/guardloop/services/guardloop/storage"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
)

const (
	tracerName = "guardloop.agent"

	// DefaultSnapshotLimit is the payload snapshot size kept in heartbeats.
	DefaultSnapshotLimit = 256
)

// Heartbeat is the record written after every worker invocation.
type Heartbeat struct {
	WorkerKey  string     `json:"worker"`
	TaskID     string     `json:"task_id"`
	LoopID     string     `json:"loop_id"`
	Status     TaskStatus `json:"status"`
	Snapshot   string     `json:"snapshot"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Timestamp  time.Time  `json:"timestamp"`
}

// HeartbeatKey is the KV log heartbeats for a loop are appended to.
func HeartbeatKey(loopID string) string {
	return "heartbeat/" + loopID
}

// Invoker wraps a single worker call ("execute-and-validate").
//
// Description:
//
//	For each call the invoker resolves the worker, checks the payload
//	envelope and body against the input contract, calls the worker with
//	panic recovery, enforces the output contract on SUCCESS results with
//	coercion, warns on SUCCESS results without observable output, and
//	appends a heartbeat to the store. The heartbeat is written on every
//	path, including registry misses, contract violations and panics.
//
// Thread Safety: Invoker is safe for concurrent use.
type Invoker struct {
	registry      *Registry
	kv            storage.KV
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	snapshotLimit int
	now           func() time.Time
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(inv *Invoker) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

// WithInvokerMetrics sets the metrics sink.
func WithInvokerMetrics(m *telemetry.Metrics) InvokerOption {
	return func(inv *Invoker) {
		inv.metrics = m
	}
}

// WithSnapshotLimit sets the heartbeat payload snapshot size in bytes.
func WithSnapshotLimit(n int) InvokerOption {
	return func(inv *Invoker) {
		if n > 0 {
			inv.snapshotLimit = n
		}
	}
}

// NewInvoker creates an invocation wrapper.
//
// Inputs:
//
//	registry - Worker registry. Must not be nil.
//	kv - Heartbeat store. Must not be nil.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Invoker - The wrapper.
func NewInvoker(registry *Registry, kv storage.KV, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry:      registry,
		kv:            kv,
		logger:        slog.Default(),
		snapshotLimit: DefaultSnapshotLimit,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Registry returns the registry the invoker resolves workers from.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

// Invoke runs the worker registered under key with payload.
//
// Description:
//
//	Contract violations and worker failures are returned as ERROR results
//	with a nil error. A non-nil error is returned only when the worker is
//	not registered (ErrWorkerUnavailable) or the heartbeat could not be
//	persisted (storage.ErrPersistence); the result is still populated.
//
// Inputs:
//
//	ctx - Context passed to the worker.
//	key - Registry key of the worker.
//	payload - Task payload.
//
// Outputs:
//
//	TaskResult - The validated result.
//	error - Non-nil for registry misses and heartbeat persistence failures.
//
// Thread Safety: This method is safe for concurrent use.
func (inv *Invoker) Invoke(ctx context.Context, key string, payload TaskPayload) (result TaskResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Invoker.Invoke",
		trace.WithAttributes(
			attribute.String("worker", key),
			attribute.String("loop_id", payload.LoopID),
			attribute.String("task_id", payload.TaskID),
		),
	)
	defer span.End()

	start := inv.now()
	defer func() {
		result.Duration = inv.now().Sub(start)
		if hbErr := inv.writeHeartbeat(ctx, key, payload, result); hbErr != nil {
			inv.metrics.RecordPersistenceError(ctx, "heartbeat")
			err = errors.Join(err, hbErr)
		}
		inv.metrics.RecordInvocation(ctx, key, string(result.Status), result.Duration)
		span.SetAttributes(attribute.String("status", string(result.Status)))
		telemetry.RecordError(span, err)
	}()

	desc, err := inv.registry.Resolve(key)
	if err != nil {
		inv.logger.Error("Worker resolution failed",
			slog.String("worker", key),
			slog.String("loop_id", payload.LoopID),
		)
		result = Failure(err.Error())
		result.TaskID = payload.TaskID
		result.WorkerKey = key
		return result, err
	}

	if violation := inv.checkInput(desc, payload); violation != nil {
		inv.metrics.RecordContractViolation(ctx, key, violation.Direction)
		inv.logger.Warn("Input contract violation",
			slog.String("worker", key),
			slog.String("loop_id", payload.LoopID),
			slog.String("error", violation.Error()),
		)
		result = violationResult(payload.TaskID, key, violation)
		return result, nil
	}

	result = inv.call(ctx, desc, payload)
	result.TaskID = payload.TaskID
	result.WorkerKey = key

	if !result.Status.Valid() {
		result = Failure(fmt.Sprintf("worker returned invalid status %q", result.Status))
		result.TaskID = payload.TaskID
		result.WorkerKey = key
		return result, nil
	}

	if result.Status == StatusSuccess && !desc.Output.IsZero() {
		coerced, cerr := desc.Output.Coerce(result.Output)
		if cerr != nil {
			var violation *ContractViolation
			if !errors.As(cerr, &violation) {
				violation = &ContractViolation{Contract: desc.Output.Name, Direction: "output", Problems: []string{cerr.Error()}}
			}
			violation.Worker = key
			inv.metrics.RecordContractViolation(ctx, key, violation.Direction)
			inv.logger.Warn("Output contract coercion failed",
				slog.String("worker", key),
				slog.String("loop_id", payload.LoopID),
				slog.String("error", violation.Error()),
			)
			result = violationResult(payload.TaskID, key, violation)
			return result, nil
		}
		result.Output = coerced
	}

	if result.Status == StatusSuccess && isEmptyBody(result.Output) {
		inv.logger.Warn("Worker reported SUCCESS without observable output",
			slog.String("worker", key),
			slog.String("loop_id", payload.LoopID),
			slog.String("task_id", payload.TaskID),
		)
	}

	return result, nil
}

// Heartbeats returns the heartbeats recorded for a loop, oldest first.
func (inv *Invoker) Heartbeats(ctx context.Context, loopID string) ([]Heartbeat, error) {
	return storage.ReadLogJSON[Heartbeat](ctx, inv.kv, HeartbeatKey(loopID))
}

func (inv *Invoker) checkInput(desc WorkerDescriptor, payload TaskPayload) *ContractViolation {
	if err := contractValidate.Struct(payload); err != nil {
		return &ContractViolation{
			Worker:    desc.Key,
			Contract:  "task_payload",
			Direction: "input",
			Problems:  []string{err.Error()},
		}
	}

	if err := desc.Input.Check(payload.Body); err != nil {
		var violation *ContractViolation
		if errors.As(err, &violation) {
			violation.Worker = desc.Key
			return violation
		}
		return &ContractViolation{Worker: desc.Key, Contract: desc.Input.Name, Direction: "input", Problems: []string{err.Error()}}
	}
	return nil
}

// call invokes the worker and converts errors and panics to ERROR results.
func (inv *Invoker) call(ctx context.Context, desc WorkerDescriptor, payload TaskPayload) (result TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("Worker panicked",
				slog.String("worker", desc.Key),
				slog.String("loop_id", payload.LoopID),
				slog.Any("panic", r),
			)
			result = Failure(fmt.Sprintf("worker panic: %v", r))
		}
	}()

	res, err := desc.Worker.Execute(ctx, payload.Clone())
	if err != nil {
		return Failure(err.Error())
	}
	return res
}

func (inv *Invoker) writeHeartbeat(ctx context.Context, key string, payload TaskPayload, result TaskResult) error {
	hb := Heartbeat{
		WorkerKey:  key,
		TaskID:     payload.TaskID,
		LoopID:     payload.LoopID,
		Status:     result.Status,
		Snapshot:   snapshot(payload, inv.snapshotLimit),
		Error:      result.Error,
		DurationMs: result.Duration.Milliseconds(),
		Timestamp:  inv.now().UTC(),
	}

	// The heartbeat must land even when the caller's context was canceled.
	if err := storage.AppendJSON(context.WithoutCancel(ctx), inv.kv, HeartbeatKey(payload.LoopID), hb); err != nil {
		inv.logger.Error("Heartbeat write failed",
			slog.String("worker", key),
			slog.String("loop_id", payload.LoopID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("write heartbeat for %s: %w", key, err)
	}
	return nil
}

func violationResult(taskID, key string, v *ContractViolation) TaskResult {
	return TaskResult{
		TaskID:    taskID,
		WorkerKey: key,
		Status:    StatusError,
		Error:     v.Error(),
		Violation: v,
	}
}

// snapshot returns the JSON form of payload truncated to limit bytes on a
// rune boundary.
func snapshot(payload TaskPayload, limit int) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("<unencodable payload: %v>", err)
	}
	if len(raw) <= limit {
		return string(raw)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return string(raw[:cut]) + "..."
}

// isEmptyBody reports whether every value in body is the zero value of its type.
func isEmptyBody(body map[string]any) bool {
	for _, v := range body {
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
			if rv.Len() > 0 {
				return false
			}
		default:
			if !rv.IsZero() {
				return false
			}
		}
	}
	return true
}
