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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

const (
	traceKeyPrefix   = "trace/"
	lineageKeyPrefix = "lineage/"
)

// TraceKey returns the KV key of a loop trace.
func TraceKey(loopID string) string {
	return traceKeyPrefix + loopID
}

// TraceRepository stores LoopTraces on the KV boundary.
//
// Description:
//
//	Each trace lives under trace/<loop_id>. Creating a trace also appends
//	its id to the lineage log lineage/<base_loop_id>, so a lineage can be
//	listed without scanning every trace.
//
// Thread Safety: Update is serialized per repository so read-modify-write
// cycles never interleave.
type TraceRepository struct {
	kv  storage.KV
	mu  sync.Mutex
	now func() time.Time
}

// NewTraceRepository creates a repository over kv.
func NewTraceRepository(kv storage.KV) *TraceRepository {
	return &TraceRepository{kv: kv, now: time.Now}
}

// Create stores a new trace.
//
// Description:
//
//	BaseLoopID, Status and the timestamps are filled in when empty.
//	RerunCount defaults to the number in the loop id's _r<N> suffix.
//
// Outputs:
//
//	LoopTrace - The stored trace.
//	error - ErrTraceExists if the id is taken, or a persistence error.
func (r *TraceRepository) Create(ctx context.Context, trace LoopTrace) (LoopTrace, error) {
	if trace.LoopID == "" {
		return LoopTrace{}, fmt.Errorf("create trace: empty loop id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists, err := r.kv.Read(ctx, TraceKey(trace.LoopID))
	if err != nil {
		return LoopTrace{}, fmt.Errorf("create trace %s: %w", trace.LoopID, err)
	}
	if exists {
		return LoopTrace{}, fmt.Errorf("%w: %s", ErrTraceExists, trace.LoopID)
	}

	now := r.now().UTC()
	if trace.BaseLoopID == "" {
		trace.BaseLoopID = BaseLoopID(trace.LoopID)
	}
	if trace.ParentLoopID == "" {
		trace.ParentLoopID = ParentLoopID(trace.LoopID)
	}
	if trace.RerunCount == 0 {
		trace.RerunCount = RerunNumber(trace.LoopID)
	}
	if trace.Status == "" {
		trace.Status = TracePending
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = now
	}
	trace.UpdatedAt = now

	if err := storage.WriteJSON(ctx, r.kv, TraceKey(trace.LoopID), trace); err != nil {
		return LoopTrace{}, fmt.Errorf("create trace %s: %w", trace.LoopID, err)
	}
	if err := storage.AppendJSON(ctx, r.kv, lineageKeyPrefix+trace.BaseLoopID, trace.LoopID); err != nil {
		return LoopTrace{}, fmt.Errorf("index trace %s: %w", trace.LoopID, err)
	}
	return trace, nil
}

// Get loads the trace of loopID.
func (r *TraceRepository) Get(ctx context.Context, loopID string) (LoopTrace, error) {
	var trace LoopTrace
	ok, err := storage.ReadJSON(ctx, r.kv, TraceKey(loopID), &trace)
	if err != nil {
		return LoopTrace{}, fmt.Errorf("load trace %s: %w", loopID, err)
	}
	if !ok {
		return LoopTrace{}, fmt.Errorf("%w: %s", ErrTraceNotFound, loopID)
	}
	return trace, nil
}

// Update applies fn to the stored trace and writes the result.
//
// Description:
//
//	fn receives a pointer to the loaded trace. Returning an error aborts the
//	update without writing. LoopID and CreatedAt cannot be changed by fn.
func (r *TraceRepository) Update(ctx context.Context, loopID string, fn func(*LoopTrace) error) (LoopTrace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trace, err := r.Get(ctx, loopID)
	if err != nil {
		return LoopTrace{}, err
	}
	created := trace.CreatedAt
	if err := fn(&trace); err != nil {
		return LoopTrace{}, err
	}
	trace.LoopID = loopID
	trace.CreatedAt = created
	trace.UpdatedAt = r.now().UTC()

	if err := storage.WriteJSON(ctx, r.kv, TraceKey(loopID), trace); err != nil {
		return LoopTrace{}, fmt.Errorf("update trace %s: %w", loopID, err)
	}
	return trace, nil
}

// Lineage returns every trace sharing loopID's base loop, ordered by rerun
// count.
func (r *TraceRepository) Lineage(ctx context.Context, loopID string) ([]LoopTrace, error) {
	base := BaseLoopID(loopID)
	ids, err := storage.ReadLogJSON[string](ctx, r.kv, lineageKeyPrefix+base)
	if err != nil {
		return nil, fmt.Errorf("read lineage %s: %w", base, err)
	}

	out := make([]LoopTrace, 0, len(ids))
	for _, id := range ids {
		trace, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, trace)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RerunCount < out[j].RerunCount })
	return out, nil
}

// List returns the ids of all stored traces, sorted.
func (r *TraceRepository) List(ctx context.Context) ([]string, error) {
	keys, err := r.kv.List(ctx, traceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, traceKeyPrefix))
	}
	return ids, nil
}
