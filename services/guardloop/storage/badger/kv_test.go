// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

var _ storage.KV = (*KV)(nil)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpen_PersistentDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = time.Hour

	kv, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, kv.Write(context.Background(), "trace/loop-1", []byte(`{"id":"loop-1"}`)))
	require.NoError(t, kv.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Read(context.Background(), "trace/loop-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"loop-1"}`, string(got))
	assert.Equal(t, dir, reopened.Path())
}

func TestKV_ReadWrite(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	_, ok, err := kv.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Write(ctx, "k", []byte("v1")))
	require.NoError(t, kv.Write(ctx, "k", []byte("v2")))

	got, ok, err := kv.Read(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(got))
}

func TestKV_AppendOrder(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	for i := 0; i < 12; i++ {
		require.NoError(t, kv.Append(ctx, "heartbeat/loop-1", []byte(fmt.Sprintf("e%d", i))))
	}
	require.NoError(t, kv.Append(ctx, "heartbeat/loop-1/child", []byte("nested")))

	entries, err := kv.ReadLog(ctx, "heartbeat/loop-1")
	require.NoError(t, err)
	require.Len(t, entries, 12)
	assert.Equal(t, "e0", string(entries[0]))
	assert.Equal(t, "e11", string(entries[11]))

	nested, err := kv.ReadLog(ctx, "heartbeat/loop-1/child")
	require.NoError(t, err)
	require.Len(t, nested, 1)

	empty, err := kv.ReadLog(ctx, "heartbeat/none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestKV_ConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, kv.Append(ctx, "reasoning/audit", []byte(fmt.Sprintf("w%d", i))))
		}(i)
	}
	wg.Wait()

	entries, err := kv.ReadLog(ctx, "reasoning/audit")
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestKV_List(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)

	require.NoError(t, kv.Write(ctx, "trace/loop-b", []byte("{}")))
	require.NoError(t, kv.Write(ctx, "trace/loop-a", []byte("{}")))
	require.NoError(t, kv.Write(ctx, "bias/overconfidence", []byte("{}")))
	require.NoError(t, kv.Append(ctx, "trace/loop-a", []byte("log entries are not listed")))

	keys, err := kv.List(ctx, "trace/")
	require.NoError(t, err)
	assert.Equal(t, []string{"trace/loop-a", "trace/loop-b"}, keys)
}
