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
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopWorker() Worker {
	return WorkerFunc(func(ctx context.Context, p TaskPayload) (TaskResult, error) {
		return Success(map[string]any{"ok": true}), nil
	})
}

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(WorkerDescriptor{
		Key:          "planner",
		Capabilities: []Capability{CapPlanning},
		Worker:       noopWorker(),
	}))

	desc, err := r.Resolve("planner")
	require.NoError(t, err)
	assert.Equal(t, "planner", desc.Name, "empty name defaults to key")

	class, ok := desc.Class()
	assert.True(t, ok)
	assert.Equal(t, CapPlanning, class)

	_, err = r.Resolve("missing")
	assert.True(t, errors.Is(err, ErrWorkerUnavailable))
}

func TestRegistry_OverwriteWarns(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, r.Register(WorkerDescriptor{Key: "builder", Name: "first", Worker: noopWorker()}))
	require.NoError(t, r.Register(WorkerDescriptor{Key: "builder", Name: "second", Worker: noopWorker()}))

	desc, err := r.Resolve("builder")
	require.NoError(t, err)
	assert.Equal(t, "second", desc.Name)
	assert.Equal(t, 1, r.Count())
	assert.Contains(t, buf.String(), "Worker registration overwritten")
}

func TestRegistry_InvalidDescriptors(t *testing.T) {
	tests := []struct {
		name string
		desc WorkerDescriptor
	}{
		{"empty key", WorkerDescriptor{Worker: noopWorker()}},
		{"nil worker", WorkerDescriptor{Key: "x"}},
		{"unknown capability", WorkerDescriptor{Key: "x", Worker: noopWorker(), Capabilities: []Capability{"TELEPATHY"}}},
	}

	r := NewRegistry(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.desc)
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_WithCapabilityAndKeys(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(WorkerDescriptor{Key: "critic", Capabilities: []Capability{CapReview}, Worker: noopWorker()}))
	require.NoError(t, r.Register(WorkerDescriptor{Key: "ceo", Capabilities: []Capability{CapReview}, Worker: noopWorker()}))
	require.NoError(t, r.Register(WorkerDescriptor{Key: "builder", Capabilities: []Capability{CapBuild}, Worker: noopWorker()}))

	assert.Equal(t, []string{"ceo", "critic"}, r.WithCapability(CapReview))
	assert.Equal(t, []string{"builder", "ceo", "critic"}, r.Keys())

	desc, err := r.Resolve("critic")
	require.NoError(t, err)
	_, ok := desc.Class()
	assert.False(t, ok, "REVIEW is not a phase class")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(WorkerDescriptor{Key: fmt.Sprintf("w%d", i%4), Worker: noopWorker()})
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Resolve(fmt.Sprintf("w%d", i%4))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, r.Count())
}
