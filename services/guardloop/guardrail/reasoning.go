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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

// GenesisHash is the PrevHash of the first audit entry.
var GenesisHash = strings.Repeat("0", 64)

const auditLogKey = "reasoning/audit"

// ReasoningKey returns the KV key of the record of the given kind.
func ReasoningKey(loopID string, kind Decision) string {
	return "reasoning/" + loopID + "/" + string(kind)
}

// Publisher receives reasoning records after they are durably written.
type Publisher interface {
	Publish(ctx context.Context, rec RerunReasoning) error
}

// ReasoningLogger writes the immutable justification of every decision.
//
// Description:
//
//	A record is written under reasoning/<loop_id>/<decision>, then linked
//	into the append-only audit log reasoning/audit. Each audit entry carries
//	the hash of its predecessor, so VerifyChain detects edited or dropped
//	entries. The loop's trace receives a denormalized copy of the key
//	fields. Publication to the optional Publisher happens last and is best
//	effort: a failed publish is logged, never returned.
//
//	Records are never overwritten. A loop holds at most one rerun record
//	and at most one finalize record, and no rerun record may follow a
//	finalize record.
//
// Thread Safety: All writes are serialized. Reads are lock-free.
type ReasoningLogger struct {
	kv        storage.KV
	traces    *TraceRepository
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	loaded   bool
	lastSeq  int64
	lastHash string
}

// NewReasoningLogger creates a logger. publisher may be nil; a nil logger
// uses slog.Default().
func NewReasoningLogger(kv storage.KV, traces *TraceRepository, publisher Publisher, logger *slog.Logger) *ReasoningLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReasoningLogger{
		kv:        kv,
		traces:    traces,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		lastHash:  GenesisHash,
	}
}

// LogRerun records the justification of a rerun decision.
//
// Outputs:
//
//	RerunReasoning - The stored record with audit linkage filled in.
//	error - ErrLoopFinalized if the loop already has a finalize record,
//	        ErrReasoningExists if it already has a rerun record, or a
//	        persistence error.
func (l *ReasoningLogger) LogRerun(ctx context.Context, rec RerunReasoning) (RerunReasoning, error) {
	rec.Decision = DecisionRerun
	return l.log(ctx, rec)
}

// LogFinalize records the justification of a finalize decision and marks
// the loop's trace finalized.
//
// Outputs:
//
//	RerunReasoning - The stored record with audit linkage filled in.
//	error - ErrReasoningExists if a finalize record exists, or a
//	        persistence error.
func (l *ReasoningLogger) LogFinalize(ctx context.Context, rec RerunReasoning) (RerunReasoning, error) {
	rec.Decision = DecisionFinalize
	return l.log(ctx, rec)
}

func (l *ReasoningLogger) log(ctx context.Context, rec RerunReasoning) (RerunReasoning, error) {
	if rec.LoopID == "" {
		return RerunReasoning{}, fmt.Errorf("log reasoning: empty loop id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadChainLocked(ctx); err != nil {
		return RerunReasoning{}, err
	}
	if _, err := l.traces.Get(ctx, rec.LoopID); err != nil {
		return RerunReasoning{}, err
	}

	existing, finalized, err := l.Get(ctx, rec.LoopID, DecisionFinalize)
	if err != nil {
		return RerunReasoning{}, err
	}
	if finalized {
		l.repairTrace(ctx, existing)
		if rec.Decision == DecisionFinalize {
			return RerunReasoning{}, fmt.Errorf("%w: finalize record for %s", ErrReasoningExists, rec.LoopID)
		}
		return RerunReasoning{}, fmt.Errorf("%w: %s", ErrLoopFinalized, rec.LoopID)
	}
	if rec.Decision == DecisionRerun {
		existing, exists, err := l.Get(ctx, rec.LoopID, DecisionRerun)
		if err != nil {
			return RerunReasoning{}, err
		}
		if exists {
			l.repairTrace(ctx, existing)
			return RerunReasoning{}, fmt.Errorf("%w: rerun record for %s", ErrReasoningExists, rec.LoopID)
		}
	}

	rec.Triggers = slices.Clone(rec.Triggers)
	if rec.Triggers == nil {
		rec.Triggers = []Trigger{}
	}
	rec.CreatedAt = l.now().UTC()
	rec.Sequence = l.lastSeq + 1
	rec.PrevHash = l.lastHash
	hash, err := entryHash(rec)
	if err != nil {
		return RerunReasoning{}, err
	}
	rec.EntryHash = hash

	// Once the decision is made the writes must not be cut short by the
	// caller. The audit entry goes first so a failure leaves no record
	// behind to block a retry.
	wctx := context.WithoutCancel(ctx)
	if err := storage.AppendJSON(wctx, l.kv, auditLogKey, rec); err != nil {
		return RerunReasoning{}, fmt.Errorf("append audit entry %s: %w", rec.LoopID, err)
	}
	l.lastSeq = rec.Sequence
	l.lastHash = rec.EntryHash

	if err := storage.WriteJSON(wctx, l.kv, ReasoningKey(rec.LoopID, rec.Decision), rec); err != nil {
		return RerunReasoning{}, fmt.Errorf("write reasoning %s: %w", rec.LoopID, err)
	}
	if err := l.denormalize(wctx, rec); err != nil {
		return RerunReasoning{}, fmt.Errorf("denormalize reasoning %s: %w", rec.LoopID, err)
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, rec); err != nil {
			l.logger.Warn("Reasoning publication failed",
				slog.String("loop_id", rec.LoopID),
				slog.String("decision", string(rec.Decision)),
				slog.String("error", err.Error()))
		}
	}

	l.logger.Info("Reasoning recorded",
		slog.String("loop_id", rec.LoopID),
		slog.String("decision", string(rec.Decision)),
		slog.String("reason", string(rec.Reason)),
		slog.Int64("sequence", rec.Sequence))
	return rec, nil
}

// denormalize copies the key fields of rec onto the loop's trace.
func (l *ReasoningLogger) denormalize(ctx context.Context, rec RerunReasoning) error {
	_, err := l.traces.Update(ctx, rec.LoopID, func(t *LoopTrace) error {
		t.LastDecision = rec.Decision
		t.LastTriggers = slices.Clone(rec.Triggers)
		t.LastReason = rec.Reason
		t.LastDetail = rec.Detail
		t.LastOverrideBy = rec.OverrideBy
		if rec.Decision == DecisionFinalize {
			t.Status = TraceFinalized
			at := rec.CreatedAt
			t.FinalizedAt = &at
		}
		return nil
	})
	return err
}

// repairTrace re-applies rec to a trace that missed its denormalized copy
// because an earlier trace update failed after the record was stored.
func (l *ReasoningLogger) repairTrace(ctx context.Context, rec RerunReasoning) {
	tr, err := l.traces.Get(ctx, rec.LoopID)
	if err != nil {
		return
	}
	switch {
	case rec.Decision == DecisionFinalize && tr.Status == TraceFinalized:
		return
	case rec.Decision == DecisionRerun && tr.LastDecision != "":
		return
	}
	if err := l.denormalize(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("Trace repair failed",
			slog.String("loop_id", rec.LoopID),
			slog.String("decision", string(rec.Decision)),
			slog.String("error", err.Error()))
		return
	}
	l.logger.Info("Trace repaired from stored reasoning",
		slog.String("loop_id", rec.LoopID),
		slog.String("decision", string(rec.Decision)))
}

// Get reads the record of the given kind for loopID.
func (l *ReasoningLogger) Get(ctx context.Context, loopID string, kind Decision) (RerunReasoning, bool, error) {
	var rec RerunReasoning
	ok, err := storage.ReadJSON(ctx, l.kv, ReasoningKey(loopID, kind), &rec)
	if err != nil {
		return RerunReasoning{}, false, fmt.Errorf("read reasoning %s: %w", loopID, err)
	}
	return rec, ok, nil
}

// Last returns the latest record for loopID: the finalize record if one
// exists, otherwise the rerun record.
func (l *ReasoningLogger) Last(ctx context.Context, loopID string) (RerunReasoning, bool, error) {
	rec, ok, err := l.Get(ctx, loopID, DecisionFinalize)
	if err != nil || ok {
		return rec, ok, err
	}
	return l.Get(ctx, loopID, DecisionRerun)
}

// AuditTrail returns every audit entry in sequence order.
func (l *ReasoningLogger) AuditTrail(ctx context.Context) ([]RerunReasoning, error) {
	entries, err := storage.ReadLogJSON[RerunReasoning](ctx, l.kv, auditLogKey)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

// VerifyChain walks the audit log and checks sequence numbers, hash links
// and entry hashes.
//
// Outputs:
//
//	int - Number of verified entries.
//	error - Wraps ErrAuditChainBroken at the first bad entry.
func (l *ReasoningLogger) VerifyChain(ctx context.Context) (int, error) {
	entries, err := l.AuditTrail(ctx)
	if err != nil {
		return 0, err
	}

	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return i, fmt.Errorf("%w: entry %d has sequence %d", ErrAuditChainBroken, i, e.Sequence)
		}
		if e.PrevHash != prev {
			return i, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrAuditChainBroken, e.Sequence)
		}
		want, err := entryHash(e)
		if err != nil {
			return i, err
		}
		if want != e.EntryHash {
			return i, fmt.Errorf("%w: entry %d hash mismatch", ErrAuditChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return len(entries), nil
}

func (l *ReasoningLogger) loadChainLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	entries, err := l.AuditTrail(ctx)
	if err != nil {
		return err
	}
	if n := len(entries); n > 0 {
		l.lastSeq = entries[n-1].Sequence
		l.lastHash = entries[n-1].EntryHash
	}
	l.loaded = true
	return nil
}

// entryHash is the hex SHA-256 of the record's JSON with EntryHash blank.
func entryHash(rec RerunReasoning) (string, error) {
	rec.EntryHash = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("hash reasoning %s: %w", rec.LoopID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
