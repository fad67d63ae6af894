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
	"errors"
	"log/slog"
)

// RetryingKV retries each failed operation once with the same parameters.
//
// Description:
//
//	A second failure is returned as a *PersistenceError so callers can match
//	it with errors.Is(err, ErrPersistence). Context cancellation is never
//	retried and is returned unchanged.
//
// Thread Safety: Safe for concurrent use if the wrapped KV is.
type RetryingKV struct {
	inner  KV
	logger *slog.Logger
}

// NewRetryingKV wraps inner. A nil logger uses slog.Default().
func NewRetryingKV(inner KV, logger *slog.Logger) *RetryingKV {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingKV{inner: inner, logger: logger}
}

// Unwrap returns the wrapped store.
func (r *RetryingKV) Unwrap() KV {
	return r.inner
}

// Read implements KV.
func (r *RetryingKV) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := r.do(ctx, "read", key, func() error {
		var err error
		value, ok, err = r.inner.Read(ctx, key)
		return err
	})
	return value, ok, err
}

// Write implements KV.
func (r *RetryingKV) Write(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "write", key, func() error {
		return r.inner.Write(ctx, key, value)
	})
}

// Append implements KV.
func (r *RetryingKV) Append(ctx context.Context, key string, entry []byte) error {
	return r.do(ctx, "append", key, func() error {
		return r.inner.Append(ctx, key, entry)
	})
}

// ReadLog implements KV.
func (r *RetryingKV) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	var entries [][]byte
	err := r.do(ctx, "read_log", key, func() error {
		var err error
		entries, err = r.inner.ReadLog(ctx, key)
		return err
	})
	return entries, err
}

// List implements KV.
func (r *RetryingKV) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *RetryingKV) do(ctx context.Context, op, key string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return err
	}

	r.logger.Warn("persistence operation failed, retrying once",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	err = fn()
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Attempts: 2, Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
