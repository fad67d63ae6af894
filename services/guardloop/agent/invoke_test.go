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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

// brokenKV fails every append.
type brokenKV struct {
	*storage.MemoryKV
}

func (brokenKV) Append(ctx context.Context, key string, entry []byte) error {
	return errors.New("disk full")
}

func testPayload() TaskPayload {
	return TaskPayload{
		TaskID:       "task-1",
		LoopID:       "loop-1",
		ProjectID:    "proj",
		Instructions: "build the thing",
		Body:         map[string]any{"spec": "a widget"},
	}
}

func newTestInvoker(t *testing.T, kv storage.KV, logBuf *bytes.Buffer, descs ...WorkerDescriptor) *Invoker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(logBuf, nil))
	reg := NewRegistry(logger)
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	return NewInvoker(reg, kv, WithInvokerLogger(logger))
}

func TestInvoke_Success(t *testing.T) {
	kv := storage.NewMemoryKV()
	var logs bytes.Buffer
	inv := newTestInvoker(t, kv, &logs, WorkerDescriptor{
		Key:    "critic",
		Output: scoreContract,
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			return Success(map[string]any{"score": "0.9"}), nil
		}),
	})

	result, err := inv.Invoke(context.Background(), "critic", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 0.9, result.Output["score"], "output coerced to number")
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, "critic", result.WorkerKey)

	beats, err := inv.Heartbeats(context.Background(), "loop-1")
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, "critic", beats[0].WorkerKey)
	assert.Equal(t, StatusSuccess, beats[0].Status)
	assert.Contains(t, beats[0].Snapshot, "build the thing")
}

func TestInvoke_WorkerUnavailable(t *testing.T) {
	kv := storage.NewMemoryKV()
	inv := newTestInvoker(t, kv, &bytes.Buffer{})

	result, err := inv.Invoke(context.Background(), "ghost", testPayload())
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.Equal(t, StatusError, result.Status)

	beats, err := inv.Heartbeats(context.Background(), "loop-1")
	require.NoError(t, err)
	assert.Len(t, beats, 1, "heartbeat written even on registry miss")
}

func TestInvoke_InputContractViolation(t *testing.T) {
	called := false
	inv := newTestInvoker(t, storage.NewMemoryKV(), &bytes.Buffer{}, WorkerDescriptor{
		Key: "builder",
		Input: Contract{Name: "build_input", Fields: []Field{
			{Name: "plan", Kind: KindString, Required: true},
		}},
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			called = true
			return Success(map[string]any{"artifact": "x"}), nil
		}),
	})

	result, err := inv.Invoke(context.Background(), "builder", testPayload())
	require.NoError(t, err, "violations are failed results, not errors")
	assert.False(t, called)
	assert.Equal(t, StatusError, result.Status)
	require.NotNil(t, result.Violation)
	assert.Equal(t, "builder", result.Violation.Worker)
	assert.Equal(t, "input", result.Violation.Direction)
}

func TestInvoke_EnvelopeViolation(t *testing.T) {
	inv := newTestInvoker(t, storage.NewMemoryKV(), &bytes.Buffer{}, WorkerDescriptor{Key: "planner", Worker: noopWorker()})

	p := testPayload()
	p.TaskID = ""
	result, err := inv.Invoke(context.Background(), "planner", p)
	require.NoError(t, err)
	require.NotNil(t, result.Violation)
	assert.Equal(t, "task_payload", result.Violation.Contract)
}

func TestInvoke_OutputCoercionFailure(t *testing.T) {
	inv := newTestInvoker(t, storage.NewMemoryKV(), &bytes.Buffer{}, WorkerDescriptor{
		Key:    "critic",
		Output: scoreContract,
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			return Success(map[string]any{"score": "excellent"}), nil
		}),
	})

	result, err := inv.Invoke(context.Background(), "critic", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "cannot coerce")
	require.NotNil(t, result.Violation)
	assert.Equal(t, "output", result.Violation.Direction)
}

func TestInvoke_PanicStillHeartbeats(t *testing.T) {
	kv := storage.NewMemoryKV()
	inv := newTestInvoker(t, kv, &bytes.Buffer{}, WorkerDescriptor{
		Key: "builder",
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			panic("nil map write")
		}),
	})

	result, err := inv.Invoke(context.Background(), "builder", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "worker panic")

	beats, err := inv.Heartbeats(context.Background(), "loop-1")
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, StatusError, beats[0].Status)
}

func TestInvoke_WorkerError(t *testing.T) {
	inv := newTestInvoker(t, storage.NewMemoryKV(), &bytes.Buffer{}, WorkerDescriptor{
		Key: "builder",
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			return TaskResult{}, errors.New("upstream timeout")
		}),
	})

	result, err := inv.Invoke(context.Background(), "builder", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, "upstream timeout", result.Error)
}

func TestInvoke_InvalidStatus(t *testing.T) {
	inv := newTestInvoker(t, storage.NewMemoryKV(), &bytes.Buffer{}, WorkerDescriptor{
		Key: "builder",
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			return TaskResult{Output: map[string]any{"x": 1}}, nil
		}),
	})

	result, err := inv.Invoke(context.Background(), "builder", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
}

func TestInvoke_EmptySuccessWarns(t *testing.T) {
	var logs bytes.Buffer
	inv := newTestInvoker(t, storage.NewMemoryKV(), &logs, WorkerDescriptor{
		Key: "builder",
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			return Success(map[string]any{"artifact": "", "lines": 0}), nil
		}),
	})

	result, err := inv.Invoke(context.Background(), "builder", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status, "empty output is a warning, not an error")
	assert.Contains(t, logs.String(), "without observable output")
}

func TestInvoke_HeartbeatFailureSurfaces(t *testing.T) {
	kv := storage.NewRetryingKV(brokenKV{storage.NewMemoryKV()}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	inv := newTestInvoker(t, kv, &bytes.Buffer{}, WorkerDescriptor{Key: "planner", Worker: noopWorker()})

	result, err := inv.Invoke(context.Background(), "planner", testPayload())
	assert.ErrorIs(t, err, storage.ErrPersistence)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestInvoke_CanceledContextStillHeartbeats(t *testing.T) {
	kv := storage.NewMemoryKV()
	inv := newTestInvoker(t, kv, &bytes.Buffer{}, WorkerDescriptor{
		Key: "builder",
		Worker: WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
			return TaskResult{}, ctx.Err()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := inv.Invoke(ctx, "builder", testPayload())
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)

	beats, err := inv.Heartbeats(context.Background(), "loop-1")
	require.NoError(t, err)
	assert.Len(t, beats, 1)
}

func TestSnapshotTruncation(t *testing.T) {
	p := testPayload()
	p.Instructions = strings.Repeat("é", 400)

	s := snapshot(p, 64)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.LessOrEqual(t, len(s), 64+3)
	assert.True(t, strings.ToValidUTF8(s, "?") == s, "snapshot must stay valid UTF-8")
}

func TestIsEmptyBody(t *testing.T) {
	assert.True(t, isEmptyBody(nil))
	assert.True(t, isEmptyBody(map[string]any{"a": "", "b": 0, "c": nil, "d": []any{}}))
	assert.False(t, isEmptyBody(map[string]any{"a": "x"}))
	assert.False(t, isEmptyBody(map[string]any{"a": true}))
}
