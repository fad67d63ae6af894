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
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	valuePrefix = "v/"
	logPrefix   = "l/"
	seqPrefix   = "s/"

	// maxConflictRetries bounds optimistic retries for concurrent appends
	// to the same log.
	maxConflictRetries = 8
)

// KV implements storage.KV on BadgerDB.
//
// Thread Safety: KV is safe for concurrent use.
type KV struct {
	db       *badger.DB
	gc       *gcRunner
	path     string
	inMemory bool
}

// Open opens the durable store and starts value log GC when configured.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is set.
//
// Outputs:
//
//	*KV - The open store. Caller must call Close().
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*KV, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	kv := &KV{db: db, path: cfg.Path, inMemory: cfg.InMemory}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create gc runner: %w", err)
		}
		kv.gc = runner
		runner.start()
	}

	return kv, nil
}

// Close stops GC and closes the database.
func (k *KV) Close() error {
	if k.gc != nil {
		k.gc.stop()
	}
	return k.db.Close()
}

// Path returns the on-disk directory, empty for in-memory stores.
func (k *KV) Path() string {
	return k.path
}

// Read implements storage.KV.
func (k *KV) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(valuePrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

// Write implements storage.KV.
func (k *KV) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(valuePrefix+key), value)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Append implements storage.KV.
//
// Description:
//
//	Reads the log's sequence counter, stores the entry under the next
//	sequence number and bumps the counter in one transaction. Concurrent
//	appenders to the same log conflict and are retried.
func (k *KV) Append(ctx context.Context, key string, entry []byte) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := k.db.Update(func(txn *badger.Txn) error {
			seqKey := []byte(seqPrefix + key)

			var next uint64
			item, err := txn.Get(seqKey)
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				next = binary.BigEndian.Uint64(raw) + 1
			case errors.Is(err, badger.ErrKeyNotFound):
				next = 0
			default:
				return err
			}

			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, next)
			if err := txn.Set(seqKey, buf); err != nil {
				return err
			}
			return txn.Set(logEntryKey(key, next), entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("append %s: %w", key, badger.ErrConflict)
}

// ReadLog implements storage.KV.
func (k *KV) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(logPrefix + key + "/")
	entries := make([][]byte, 0)

	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			// Skip entries of nested logs such as "<key>/child".
			if strings.Contains(string(item.Key()[len(prefix):]), "/") {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", key, err)
	}
	return entries, nil
}

// List implements storage.KV.
func (k *KV) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := []byte(valuePrefix + prefix)
	keys := make([]string, 0)

	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), valuePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

func logEntryKey(key string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", logPrefix, key, seq))
}
