// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the persistence boundary used by the loop core.
//
// Loop traces, bias history, reasoning records, heartbeats and overrides are
// all named records behind the KV interface. The core never depends on which
// implementation is in use: MemoryKV serves tests and ephemeral runs, the
// badger subpackage serves durable deployments.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPersistence is the sentinel matched by every PersistenceError.
var ErrPersistence = errors.New("persistence error")

// KV is the minimal key-value boundary.
//
// Description:
//
//	Read returns (nil, false, nil) for an absent key. Append adds an entry to
//	an ordered log stored under key; ReadLog returns the entries in append
//	order. Logs and plain values live in separate namespaces, so Read never
//	sees appended entries. List returns plain keys with the given prefix,
//	sorted.
//
// Thread Safety: Implementations must be safe for concurrent use.
type KV interface {
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	Append(ctx context.Context, key string, entry []byte) error
	ReadLog(ctx context.Context, key string) ([][]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// PersistenceError describes a failed operation on the KV boundary.
type PersistenceError struct {
	// Op is the KV operation ("read", "write", "append", "read_log", "list").
	Op string

	// Key is the key or prefix involved.
	Key string

	// Attempts is how many times the operation was tried.
	Attempts int

	// Err is the last underlying error.
	Err error
}

// Error implements error.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %q failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// ReadJSON reads key and decodes it into out.
//
// Outputs:
//
//	bool - False if the key is absent; out is untouched in that case.
//	error - Non-nil on read or decode failure.
func ReadJSON(ctx context.Context, kv KV, key string, out any) (bool, error) {
	raw, ok, err := kv.Read(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// WriteJSON encodes value and writes it under key.
func WriteJSON(ctx context.Context, kv KV, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Write(ctx, key, raw)
}

// AppendJSON encodes entry and appends it to the log under key.
func AppendJSON(ctx context.Context, kv KV, key string, entry any) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", key, err)
	}
	return kv.Append(ctx, key, raw)
}

// ReadLogJSON decodes every entry of the log under key into T.
func ReadLogJSON[T any](ctx context.Context, kv KV, key string) ([]T, error) {
	entries, err := kv.ReadLog(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for i, raw := range entries {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s entry %d: %w", key, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
