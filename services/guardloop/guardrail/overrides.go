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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

var overrideValidate = validator.New(validator.WithRequiredStructEnabled())

// OverrideRequest is an operator instruction for the next decision of a
// loop. LoopID may be a base id, in which case the override applies to the
// next decision anywhere in the lineage.
type OverrideRequest struct {
	LoopID            string `json:"loop_id" validate:"required,max=256"`
	OverrideFatigue   bool   `json:"override_fatigue"`
	OverrideMaxReruns bool   `json:"override_max_reruns"`
	OverrideBy        string `json:"override_by" validate:"required,max=128"`
	OverrideReason    string `json:"override_reason,omitempty" validate:"max=1024"`
}

// Validate checks field rules and that at least one flag is set.
func (r OverrideRequest) Validate() error {
	if err := overrideValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidOverride, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	if !r.OverrideFatigue && !r.OverrideMaxReruns {
		return fmt.Errorf("%w: no override flag set", ErrInvalidOverride)
	}
	return nil
}

// StoredOverride is the persisted form of an override.
type StoredOverride struct {
	LoopID     string     `json:"loop_id"`
	Overrides  Overrides  `json:"overrides"`
	CreatedAt  time.Time  `json:"created_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// OverrideKey returns the KV key of the override addressed to loopID.
func OverrideKey(loopID string) string {
	return "override/" + loopID
}

// OverrideBook holds pending operator overrides.
//
// Thread Safety: OverrideBook is safe for concurrent use.
type OverrideBook struct {
	kv  storage.KV
	mu  sync.Mutex
	now func() time.Time
}

// NewOverrideBook creates a book over kv.
func NewOverrideBook(kv storage.KV) *OverrideBook {
	return &OverrideBook{kv: kv, now: time.Now}
}

// Set stores req. Flags merge with an unconsumed override for the same id;
// the latest actor and reason win.
func (b *OverrideBook) Set(ctx context.Context, req OverrideRequest) (StoredOverride, error) {
	if err := req.Validate(); err != nil {
		return StoredOverride{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok, err := b.read(ctx, req.LoopID)
	if err != nil {
		return StoredOverride{}, err
	}

	stored := StoredOverride{
		LoopID: req.LoopID,
		Overrides: Overrides{
			OverrideFatigue:   req.OverrideFatigue,
			OverrideMaxReruns: req.OverrideMaxReruns,
			OverrideBy:        req.OverrideBy,
			OverrideReason:    req.OverrideReason,
		},
		CreatedAt: b.now().UTC(),
	}
	if ok && !existing.Consumed {
		stored.Overrides.OverrideFatigue = stored.Overrides.OverrideFatigue || existing.Overrides.OverrideFatigue
		stored.Overrides.OverrideMaxReruns = stored.Overrides.OverrideMaxReruns || existing.Overrides.OverrideMaxReruns
	}

	if err := storage.WriteJSON(ctx, b.kv, OverrideKey(req.LoopID), stored); err != nil {
		return StoredOverride{}, fmt.Errorf("store override %s: %w", req.LoopID, err)
	}
	return stored, nil
}

// Pending returns the override the next decision of loopID would use,
// without consuming it.
func (b *OverrideBook) Pending(ctx context.Context, loopID string) (Overrides, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok, err := b.lookup(ctx, loopID)
	if err != nil || !ok {
		return Overrides{}, false, err
	}
	return stored.Overrides, true, nil
}

// Take returns and consumes the override for loopID's next decision.
//
// Description:
//
//	An override addressed to the exact loop id wins over one addressed to
//	its base id. The returned override is marked consumed by loopID and is
//	never returned again. Absence is not an error.
func (b *OverrideBook) Take(ctx context.Context, loopID string) (Overrides, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok, err := b.lookup(ctx, loopID)
	if err != nil || !ok {
		return Overrides{}, err
	}

	at := b.now().UTC()
	stored.Consumed = true
	stored.ConsumedBy = loopID
	stored.ConsumedAt = &at
	if err := storage.WriteJSON(ctx, b.kv, OverrideKey(stored.LoopID), stored); err != nil {
		return Overrides{}, fmt.Errorf("consume override %s: %w", stored.LoopID, err)
	}
	return stored.Overrides, nil
}

// Release hands back an override taken by loopID whose decision was never
// recorded.
//
// Description:
//
//	The record consumed by loopID is marked pending again. If an operator
//	posted a new override for the same id in the meantime, the taken flags
//	merge into it and the newer actor and reason are kept.
func (b *OverrideBook) Release(ctx context.Context, loopID string, taken Overrides) error {
	if !taken.Any() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range lineageIDs(loopID) {
		stored, ok, err := b.read(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch {
		case stored.Consumed && stored.ConsumedBy == loopID:
			stored.Consumed = false
			stored.ConsumedBy = ""
			stored.ConsumedAt = nil
		case !stored.Consumed:
			stored.Overrides.OverrideFatigue = stored.Overrides.OverrideFatigue || taken.OverrideFatigue
			stored.Overrides.OverrideMaxReruns = stored.Overrides.OverrideMaxReruns || taken.OverrideMaxReruns
		default:
			continue
		}
		if err := storage.WriteJSON(ctx, b.kv, OverrideKey(id), stored); err != nil {
			return fmt.Errorf("release override %s: %w", id, err)
		}
		return nil
	}

	stored := StoredOverride{LoopID: loopID, Overrides: taken, CreatedAt: b.now().UTC()}
	if err := storage.WriteJSON(ctx, b.kv, OverrideKey(loopID), stored); err != nil {
		return fmt.Errorf("release override %s: %w", loopID, err)
	}
	return nil
}

// lineageIDs lists the ids an override for loopID may be addressed to,
// most specific first.
func lineageIDs(loopID string) []string {
	ids := []string{loopID}
	if base := BaseLoopID(loopID); base != loopID {
		ids = append(ids, base)
	}
	return ids
}

func (b *OverrideBook) lookup(ctx context.Context, loopID string) (StoredOverride, bool, error) {
	for _, id := range lineageIDs(loopID) {
		stored, ok, err := b.read(ctx, id)
		if err != nil {
			return StoredOverride{}, false, err
		}
		if ok && !stored.Consumed {
			return stored, true, nil
		}
	}
	return StoredOverride{}, false, nil
}

func (b *OverrideBook) read(ctx context.Context, loopID string) (StoredOverride, bool, error) {
	var stored StoredOverride
	ok, err := storage.ReadJSON(ctx, b.kv, OverrideKey(loopID), &stored)
	if err != nil {
		return StoredOverride{}, false, fmt.Errorf("read override %s: %w", loopID, err)
	}
	return stored, ok, nil
}
