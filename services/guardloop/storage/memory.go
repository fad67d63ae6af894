// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is an in-memory KV.
//
// Description:
//
//	Values are copied on the way in and on the way out so callers can never
//	mutate stored state through a shared slice.
//
// Thread Safety: MemoryKV is safe for concurrent use.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
	logs   map[string][][]byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string][]byte),
		logs:   make(map[string][][]byte),
	}
}

// Read implements KV.
func (m *MemoryKV) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Write implements KV.
func (m *MemoryKV) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = clone(value)
	return nil
}

// Append implements KV.
func (m *MemoryKV) Append(ctx context.Context, key string, entry []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[key] = append(m.logs[key], clone(entry))
	return nil
}

// ReadLog implements KV.
func (m *MemoryKV) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[key]
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = clone(e)
	}
	return out, nil
}

// List implements KV.
func (m *MemoryKV) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
