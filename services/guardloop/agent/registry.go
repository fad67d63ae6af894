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
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps capability keys to worker descriptors.
//
// Description:
//
//	Workers are registered during process start and resolved by the
//	invocation wrapper for every call. Registering a key twice keeps the
//	later descriptor and logs a warning; it is not an error. The registry
//	is constructed once and passed by reference to the components that
//	need it, never reached through package state.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]WorkerDescriptor
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
//
// Inputs:
//
//	logger - Receives overwrite warnings. Nil uses slog.Default().
//
// Outputs:
//
//	*Registry - The new registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers: make(map[string]WorkerDescriptor),
		logger:  logger,
	}
}

// Register inserts or replaces a descriptor.
//
// Description:
//
//	The descriptor must have a key, a worker implementation and only
//	capabilities from the closed vocabulary. A previous descriptor under
//	the same key is replaced and a warning is logged.
//
// Inputs:
//
//	desc - The descriptor to register.
//
// Outputs:
//
//	error - Wraps ErrInvalidDescriptor if desc is unusable.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Registry) Register(desc WorkerDescriptor) error {
	if desc.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidDescriptor)
	}
	if desc.Worker == nil {
		return fmt.Errorf("%w: %s has no worker", ErrInvalidDescriptor, desc.Key)
	}
	for _, c := range desc.Capabilities {
		if !c.Known() {
			return fmt.Errorf("%w: %s declares unknown capability %q", ErrInvalidDescriptor, desc.Key, c)
		}
	}
	if desc.Name == "" {
		desc.Name = desc.Key
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.workers[desc.Key]; ok {
		r.logger.Warn("Worker registration overwritten",
			slog.String("key", desc.Key),
			slog.String("previous", prev.Name),
			slog.String("replacement", desc.Name),
		)
	}
	r.workers[desc.Key] = desc
	return nil
}

// Resolve returns the descriptor registered under key.
//
// Outputs:
//
//	WorkerDescriptor - The descriptor.
//	error - Wraps ErrWorkerUnavailable on a miss.
//
// Thread Safety: This method is safe for concurrent use.
func (r *Registry) Resolve(key string) (WorkerDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.workers[key]
	if !ok {
		return WorkerDescriptor{}, fmt.Errorf("%w: %q", ErrWorkerUnavailable, key)
	}
	return desc, nil
}

// Keys returns all registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.workers))
	for k := range r.workers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithCapability returns the sorted keys of workers that declare c.
func (r *Registry) WithCapability(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0)
	for k, d := range r.workers {
		if d.HasCapability(c) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
