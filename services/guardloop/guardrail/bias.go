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
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// BiasTracker keeps the occurrence history of bias tags.
//
// Description:
//
//	The tracker owns two maps: the global BiasTagRecord map keyed by tag,
//	and a per-loop tag count map. Echo detection sums the per-loop counts
//	of every loop in the recording loop's lineage, so a tag reported once
//	per rerun echoes on the rerun where the lineage total reaches the
//	threshold. Only tags reported in the current call can echo.
//
// Thread Safety: BiasTracker is safe for concurrent use. Bias history is
// shared across lineages.
type BiasTracker struct {
	mu        sync.RWMutex
	threshold int
	records   map[string]*BiasTagRecord
	perLoop   map[string]map[string]int
	now       func() time.Time
}

// NewBiasTracker creates a tracker. A threshold below 1 uses 3.
func NewBiasTracker(threshold int) *BiasTracker {
	if threshold < 1 {
		threshold = 3
	}
	return &BiasTracker{
		threshold: threshold,
		records:   make(map[string]*BiasTagRecord),
		perLoop:   make(map[string]map[string]int),
		now:       time.Now,
	}
}

// SetThreshold changes the echo threshold for later calls.
func (b *BiasTracker) SetThreshold(threshold int) {
	if threshold < 1 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threshold = threshold
}

// Threshold returns the current echo threshold.
func (b *BiasTracker) Threshold() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.threshold
}

// Record adds the tags reported for loopID and evaluates echo.
//
// Inputs:
//
//	loopID - The loop the tags were reported for.
//	tags - Reported tags. Tag names are trimmed and lowercased; empty
//	       names are ignored. A tag may appear more than once.
//
// Outputs:
//
//	BiasResult - Echo flag, sorted repeated tags and lineage counts of
//	             every tag reported in this call.
func (b *BiasTracker) Record(loopID string, tags []BiasTag) BiasResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordLocked(loopID, tags)
}

// RecordWith records tags like Record and hands the changed state to
// persist before anyone else can observe it.
//
// Description:
//
//	persist receives copies of the touched tag records and the new counts
//	of loopID. It runs under the tracker lock. If it fails the tracker is
//	put back exactly as it was and the error is returned. persist is not
//	called when no tag survives normalization.
func (b *BiasTracker) RecordWith(loopID string, tags []BiasTag, persist func(records []BiasTagRecord, loopCounts map[string]int) error) (BiasResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(tags))
	prior := make(map[string]*BiasTagRecord)
	for _, t := range tags {
		name := normalizeTag(t.Tag)
		if name == "" || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
		if rec, ok := b.records[name]; ok {
			c := copyRecord(rec)
			prior[name] = &c
		}
	}
	priorCounts, hadCounts := b.perLoop[loopID]
	priorCounts = maps.Clone(priorCounts)

	result := b.recordLocked(loopID, tags)
	if len(names) == 0 {
		return result, nil
	}

	sort.Strings(names)
	records := make([]BiasTagRecord, 0, len(names))
	for _, name := range names {
		records = append(records, copyRecord(b.records[name]))
	}
	if err := persist(records, maps.Clone(b.perLoop[loopID])); err != nil {
		for _, name := range names {
			if rec, ok := prior[name]; ok {
				b.records[name] = rec
			} else {
				delete(b.records, name)
			}
		}
		if hadCounts {
			b.perLoop[loopID] = priorCounts
		} else {
			delete(b.perLoop, loopID)
		}
		return BiasResult{}, err
	}
	return result, nil
}

func (b *BiasTracker) recordLocked(loopID string, tags []BiasTag) BiasResult {
	now := b.now().UTC()
	reported := make(map[string]bool)

	for _, t := range tags {
		name := normalizeTag(t.Tag)
		if name == "" {
			continue
		}
		reported[name] = true

		rec, ok := b.records[name]
		if !ok {
			rec = &BiasTagRecord{Tag: name, FirstSeen: now}
			b.records[name] = rec
		}
		rec.Count++
		rec.LastSeen = now
		rec.SeverityTrend = append(rec.SeverityTrend, clamp01(t.Severity))
		if !slices.Contains(rec.LoopIDs, loopID) {
			rec.LoopIDs = append(rec.LoopIDs, loopID)
			sort.Strings(rec.LoopIDs)
		}

		counts, ok := b.perLoop[loopID]
		if !ok {
			counts = make(map[string]int)
			b.perLoop[loopID] = counts
		}
		counts[name]++
	}

	lineage := b.lineageCountsLocked(loopID)
	result := BiasResult{
		RepeatedTags: make([]string, 0),
		Counts:       make(map[string]int, len(reported)),
	}
	for name := range reported {
		count := lineage[name]
		result.Counts[name] = count
		if count >= b.threshold {
			result.RepeatedTags = append(result.RepeatedTags, name)
		}
	}
	sort.Strings(result.RepeatedTags)
	result.Echo = len(result.RepeatedTags) > 0
	return result
}

// LineageCounts returns the cumulative tag counts of loopID's lineage.
func (b *BiasTracker) LineageCounts(loopID string) map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lineageCountsLocked(loopID)
}

// RepeatedTags returns the sorted tags of loopID's lineage at or above the
// threshold.
func (b *BiasTracker) RepeatedTags(loopID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0)
	for tag, n := range b.lineageCountsLocked(loopID) {
		if n >= b.threshold {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns a copy of the record for tag.
func (b *BiasTracker) Get(tag string) (BiasTagRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[normalizeTag(tag)]
	if !ok {
		return BiasTagRecord{}, false
	}
	return copyRecord(rec), true
}

// LoopCounts returns a copy of the per-loop counts of loopID.
func (b *BiasTracker) LoopCounts(loopID string) map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.perLoop[loopID])
}

// Snapshot returns copies of all records sorted by tag.
func (b *BiasTracker) Snapshot() []BiasTagRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BiasTagRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Restore replaces the tracker state, typically with persisted records at
// startup.
func (b *BiasTracker) Restore(records []BiasTagRecord, perLoop map[string]map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = make(map[string]*BiasTagRecord, len(records))
	for i := range records {
		rec := copyRecord(&records[i])
		b.records[rec.Tag] = &rec
	}
	b.perLoop = make(map[string]map[string]int, len(perLoop))
	for loopID, counts := range perLoop {
		b.perLoop[loopID] = maps.Clone(counts)
	}
}

func (b *BiasTracker) lineageCountsLocked(loopID string) map[string]int {
	base := BaseLoopID(loopID)
	out := make(map[string]int)
	for id, counts := range b.perLoop {
		if BaseLoopID(id) != base {
			continue
		}
		for tag, n := range counts {
			out[tag] += n
		}
	}
	return out
}

func copyRecord(rec *BiasTagRecord) BiasTagRecord {
	out := *rec
	out.LoopIDs = slices.Clone(rec.LoopIDs)
	out.SeverityTrend = slices.Clone(rec.SeverityTrend)
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
