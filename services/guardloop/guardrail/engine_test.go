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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// panel scripts the four reviewers.
type panel struct {
	mu     sync.Mutex
	scores map[ReviewerRole]float64
	tags   map[ReviewerRole][]string
	fail   map[ReviewerRole]bool
	block  map[ReviewerRole]bool

	// during runs inside every review call when set.
	during func(ctx context.Context)
}

func newPanel(critic, pessimist, ceo, drift float64) *panel {
	return &panel{
		scores: map[ReviewerRole]float64{
			RoleCritic:        critic,
			RolePessimist:     pessimist,
			RoleCEO:           ceo,
			RoleDriftAnalyzer: drift,
		},
		tags:  make(map[ReviewerRole][]string),
		fail:  make(map[ReviewerRole]bool),
		block: make(map[ReviewerRole]bool),
	}
}

func (p *panel) set(role ReviewerRole, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[role] = score
}

func (p *panel) worker(spec ReviewerSpec) agent.Worker {
	return agent.WorkerFunc(func(ctx context.Context, payload agent.TaskPayload) (agent.TaskResult, error) {
		p.mu.Lock()
		score := p.scores[spec.Role]
		tags := p.tags[spec.Role]
		fail := p.fail[spec.Role]
		block := p.block[spec.Role]
		during := p.during
		p.mu.Unlock()

		if during != nil {
			during(ctx)
		}

		if block {
			<-ctx.Done()
			return agent.TaskResult{}, ctx.Err()
		}
		if fail {
			return agent.Failure("reviewer crashed"), nil
		}
		out := map[string]any{spec.ScoreField: score}
		if len(tags) > 0 {
			list := make([]any, 0, len(tags))
			for _, tag := range tags {
				list = append(list, map[string]any{"tag": tag, "severity": 0.7})
			}
			out["bias_tags"] = list
		}
		return agent.Success(out), nil
	})
}

type engineFixture struct {
	engine *Engine
	panel  *panel
	kv     storage.KV
	logs   *bytes.Buffer
}

func newEngineFixture(t *testing.T, p *panel, mutate func(s *Settings)) engineFixture {
	t.Helper()
	return newEngineFixtureKV(t, storage.NewMemoryKV(), p, mutate)
}

func newEngineFixtureKV(t *testing.T, kv storage.KV, p *panel, mutate func(s *Settings)) engineFixture {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	settings := DefaultSettings()
	settings.Reflection.ReviewerTimeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&settings)
	}

	reg := agent.NewRegistry(logger)
	for _, spec := range settings.Reflection.Reviewers {
		require.NoError(t, reg.Register(agent.WorkerDescriptor{
			Key:          spec.WorkerKey,
			Capabilities: []agent.Capability{agent.CapReview},
			Worker:       p.worker(spec),
		}))
	}
	inv := agent.NewInvoker(reg, kv, agent.WithInvokerLogger(logger))

	engine, err := NewEngine(kv, inv, settings, WithEngineLogger(logger))
	require.NoError(t, err)
	require.NoError(t, reg.Register(engine.Descriptor()))
	return engineFixture{engine: engine, panel: p, kv: kv, logs: &logs}
}

func reviewPayload(loopID string) agent.TaskPayload {
	return agent.TaskPayload{
		TaskID: "task-" + loopID,
		LoopID: loopID,
		Body:   map[string]any{"artifact": "a widget", "summary_valid": true},
	}
}

func TestEngine_ReflectReruns(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.72, 0.72, 0.72, 0.28), nil)

	base, err := f.engine.Begin(ctx, BeginRequest{
		LoopID:  "loop-a",
		Persona: "architect",
		Context: map[string]any{"repo": "widgets"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, base.MaxReruns)

	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRerun, out.Verdict.Decision)
	assert.Equal(t, ReasonAlignmentNotMet, out.Verdict.Reason)
	assert.Equal(t, "loop-a_r1", out.Verdict.NextLoopID)
	assert.InDelta(t, 0.72, out.Reflection.Alignment, 1e-9)
	assert.InDelta(t, 0.28, out.Reflection.Drift, 1e-9)

	require.NotNil(t, out.Next)
	assert.Equal(t, "loop-a_r1", out.Next.LoopID)
	assert.Equal(t, "loop-a", out.Next.ParentLoopID)
	assert.Equal(t, 1, out.Next.RerunCount)
	assert.Equal(t, "architect", out.Next.Persona)
	assert.Equal(t, "widgets", out.Next.Context["repo"])
	assert.Equal(t, TracePending, out.Next.Status)

	assert.Equal(t, TraceCompleted, out.Trace.Status)
	assert.Equal(t, DecisionRerun, out.Trace.LastDecision)
	require.NotNil(t, out.Trace.Reflection)
	assert.Len(t, out.Trace.Reflection.Verdicts, 4)
}

func TestEngine_LineageHitsCeiling(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.72, 0.72, 0.72, 0.28), nil)

	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	loopID := "loop-a"
	var outcomes []Outcome
	for i := 0; i < 10 && loopID != ""; i++ {
		out, err := f.engine.Reflect(ctx, reviewPayload(loopID))
		require.NoError(t, err)
		outcomes = append(outcomes, out)
		loopID = out.Verdict.NextLoopID
	}

	require.Len(t, outcomes, 4)
	last := outcomes[3]
	assert.Equal(t, DecisionFinalize, last.Verdict.Decision)
	assert.Equal(t, ReasonMaxReruns, last.Verdict.Reason)
	assert.Equal(t, TraceFinalized, last.Trace.Status)

	lineage, err := f.engine.Traces().Lineage(ctx, "loop-a")
	require.NoError(t, err)
	require.Len(t, lineage, 4)
	for i := 1; i < len(lineage); i++ {
		assert.Equal(t, lineage[i-1].RerunCount+1, lineage[i].RerunCount)
		assert.LessOrEqual(t, lineage[i].RerunCount, lineage[i].MaxReruns)
	}
	assert.InDelta(t, 0.45, last.Fatigue.Fatigue, 1e-9, "three non-improving reruns")

	_, err = f.engine.Reflect(ctx, reviewPayload("loop-a_r3"))
	assert.True(t, errors.Is(err, ErrLoopFinalized))
}

func TestEngine_FatigueFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.72, 0.72, 0.72, 0.28), func(s *Settings) {
		s.DefaultMaxReruns = 10
		s.Fatigue.Critical = 0.3
	})
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	loopID := "loop-a"
	var last Outcome
	for loopID != "" {
		last, err = f.engine.Reflect(ctx, reviewPayload(loopID))
		require.NoError(t, err)
		loopID = last.Verdict.NextLoopID
	}
	assert.Equal(t, ReasonFatigueExceeded, last.Verdict.Reason)
	assert.Equal(t, "loop-a_r2", last.Trace.LoopID)
}

func TestEngine_DegradedReviewers(t *testing.T) {
	ctx := context.Background()
	p := newPanel(0.9, 0.9, 0.9, 0.1)
	p.fail[RolePessimist] = true
	p.block[RoleDriftAnalyzer] = true
	f := newEngineFixture(t, p, func(s *Settings) {
		s.Reflection.ReviewerTimeout = 30 * time.Millisecond
	})
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)

	pess, ok := out.Reflection.Verdict(RolePessimist)
	require.True(t, ok)
	assert.True(t, pess.Degraded)
	assert.Equal(t, 0.5, pess.Score)

	drift, ok := out.Reflection.Verdict(RoleDriftAnalyzer)
	require.True(t, ok)
	assert.True(t, drift.Degraded)
	assert.Contains(t, drift.Error, "timed out")

	// 0.3*0.9 + 0.2*0.5 + 0.5*0.9
	assert.InDelta(t, 0.82, out.Reflection.Alignment, 1e-9)
	assert.InDelta(t, 0.5, out.Reflection.Drift, 1e-9)
	assert.Equal(t, ReasonDriftExceeded, out.Verdict.Reason)
	assert.Empty(t, out.Reflection.Conflicts, "degraded verdicts never fire rules")
	assert.Contains(t, f.logs.String(), "Reviewer degraded to neutral score")
}

func TestEngine_BiasEchoAndConflicts(t *testing.T) {
	ctx := context.Background()
	p := newPanel(0.9, 0.3, 0.7, 0.1)
	p.tags[RoleCritic] = []string{"verbosity"}
	f := newEngineFixture(t, p, nil)
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	echoes := make([]bool, 0, 3)
	loopID := "loop-a"
	for i := 0; i < 3; i++ {
		out, err := f.engine.Reflect(ctx, reviewPayload(loopID))
		require.NoError(t, err)
		assert.Equal(t, []string{"critic_pessimist_disagreement"}, out.Reflection.Conflicts)
		echoes = append(echoes, out.Bias.Echo)
		loopID = out.Verdict.NextLoopID
		require.NotEmpty(t, loopID)
	}
	assert.Equal(t, []bool{false, false, true}, echoes)

	report, err := f.engine.Status(ctx, "loop-a_r2")
	require.NoError(t, err)
	assert.True(t, report.BiasEcho)
	assert.Equal(t, []string{"critic_pessimist_disagreement", "verbosity"}, report.RepeatedTags)
	require.NotNil(t, report.LastReasoning)
	assert.Contains(t, report.LastReasoning.Triggers, TriggerBias)

	// A fresh engine over the same store restores the lineage counts.
	restored, err := NewEngine(f.kv, nil, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, 3, restored.Bias().LineageCounts("loop-a_r2")["verbosity"])
}

func TestEngine_FailedBiasPersistKeepsTrackerUnchanged(t *testing.T) {
	ctx := context.Background()
	p := newPanel(0.9, 0.9, 0.9, 0.1)
	p.tags[RoleCritic] = []string{"verbosity"}
	faulty := newFaultyKV()
	f := newEngineFixtureKV(t, faulty, p, nil)
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	faulty.failWrites("bias/", 1)
	_, err = f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.Error(t, err)
	assert.Empty(t, f.engine.Bias().LineageCounts("loop-a"))
	_, ok := f.engine.Bias().Get("verbosity")
	assert.False(t, ok)

	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Bias.Counts["verbosity"])

	restored, err := NewEngine(f.kv, nil, DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, 1, restored.Bias().LineageCounts("loop-a")["verbosity"])
}

func TestEngine_OverrideCeiling(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.72, 0.72, 0.72, 0.28), func(s *Settings) {
		s.DefaultMaxReruns = 1
	})
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	require.Equal(t, "loop-a_r1", out.Verdict.NextLoopID)

	_, err = f.engine.Override(ctx, OverrideRequest{
		LoopID:            "loop-a",
		OverrideMaxReruns: true,
		OverrideBy:        "ops",
		OverrideReason:    "one more try",
	})
	require.NoError(t, err)

	report, err := f.engine.Status(ctx, "loop-a_r1")
	require.NoError(t, err)
	require.NotNil(t, report.PendingOverride)

	out, err = f.engine.Reflect(ctx, reviewPayload("loop-a_r1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRerun, out.Verdict.Decision)
	assert.Equal(t, "loop-a_r2", out.Verdict.NextLoopID)
	assert.Contains(t, out.Verdict.Triggers, TriggerOperator)
	assert.Equal(t, "ops", out.Reasoning.OverrideBy)
	assert.Equal(t, "one more try", out.Reasoning.OverrideReason)
	assert.Equal(t, 2, out.Next.RerunCount, "ceiling exceeded only with a recorded override")

	out, err = f.engine.Reflect(ctx, reviewPayload("loop-a_r2"))
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxReruns, out.Verdict.Reason, "override was consumed")
}

func TestEngine_OverridePostedDuringReflectionIsKept(t *testing.T) {
	ctx := context.Background()
	p := newPanel(0.72, 0.72, 0.72, 0.28)
	f := newEngineFixture(t, p, func(s *Settings) {
		s.DefaultMaxReruns = 1
	})
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)
	_, err = f.engine.Override(ctx, OverrideRequest{LoopID: "loop-a", OverrideFatigue: true, OverrideBy: "alice"})
	require.NoError(t, err)

	var once sync.Once
	p.mu.Lock()
	p.during = func(ctx context.Context) {
		once.Do(func() {
			_, err := f.engine.Override(ctx, OverrideRequest{LoopID: "loop-a", OverrideMaxReruns: true, OverrideBy: "lead"})
			assert.NoError(t, err)
		})
	}
	p.mu.Unlock()

	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRerun, out.Verdict.Decision)
	assert.Equal(t, "alice", out.Reasoning.OverrideBy)

	report, err := f.engine.Status(ctx, "loop-a_r1")
	require.NoError(t, err)
	require.NotNil(t, report.PendingOverride, "override posted mid-decision still pending")

	out, err = f.engine.Reflect(ctx, reviewPayload("loop-a_r1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionRerun, out.Verdict.Decision)
	assert.Equal(t, "lead", out.Reasoning.OverrideBy)
}

func TestEngine_FailedDecisionReleasesOverride(t *testing.T) {
	ctx := context.Background()
	faulty := newFaultyKV()
	f := newEngineFixtureKV(t, faulty, newPanel(0.72, 0.72, 0.72, 0.28), nil)
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)
	_, err = f.engine.Override(ctx, OverrideRequest{LoopID: "loop-a", OverrideFatigue: true, OverrideBy: "ops"})
	require.NoError(t, err)

	faulty.failAppends("reasoning/audit", 1)
	_, err = f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.Error(t, err)

	report, err := f.engine.Status(ctx, "loop-a")
	require.NoError(t, err)
	require.NotNil(t, report.PendingOverride)

	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, "ops", out.Reasoning.OverrideBy)
}

func TestEngine_OverrideRejections(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.9, 0.9, 0.9, 0.1), nil)

	_, err := f.engine.Override(ctx, OverrideRequest{LoopID: "loop-zzz", OverrideFatigue: true, OverrideBy: "ops"})
	assert.True(t, errors.Is(err, ErrTraceNotFound))

	_, err = f.engine.Override(ctx, OverrideRequest{LoopID: "loop-a", OverrideBy: "ops"})
	assert.True(t, errors.Is(err, ErrInvalidOverride))

	_, err = f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)
	_, err = f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)

	_, err = f.engine.Override(ctx, OverrideRequest{LoopID: "loop-a", OverrideFatigue: true, OverrideBy: "ops"})
	assert.True(t, errors.Is(err, ErrLoopFinalized))
}

func TestEngine_Abort(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.9, 0.9, 0.9, 0.1), nil)
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	rec, err := f.engine.Abort(ctx, "loop-a", "ops", "wrong direction")
	require.NoError(t, err)
	assert.Equal(t, ReasonOperatorAbort, rec.Reason)
	assert.Equal(t, DecisionFinalize, rec.Decision)
	assert.Equal(t, []Trigger{TriggerOperator}, rec.Triggers)

	_, err = f.engine.Abort(ctx, "loop-a", "ops", "again")
	assert.True(t, errors.Is(err, ErrLoopFinalized))

	_, err = f.engine.Reflect(ctx, reviewPayload("loop-a"))
	assert.True(t, errors.Is(err, ErrLoopFinalized))

	report, err := f.engine.Status(ctx, "loop-a")
	require.NoError(t, err)
	assert.Equal(t, TraceFinalized, report.Status)
	require.NotNil(t, report.FinalizeReasoning)
	assert.Equal(t, rec, *report.FinalizeReasoning)
}

func TestEngine_CancelledReflectionKeepsPartial(t *testing.T) {
	p := newPanel(0.9, 0.9, 0.9, 0.1)
	p.block[RoleCEO] = true
	f := newEngineFixture(t, p, func(s *Settings) {
		s.Reflection.ReviewerTimeout = 5 * time.Second
	})
	_, err := f.engine.Begin(context.Background(), BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	tr, err := f.engine.Traces().Get(context.Background(), "loop-a")
	require.NoError(t, err)
	require.NotNil(t, tr.Reflection, "partial reflection kept")
	assert.NotEmpty(t, tr.LastError)
	assert.Equal(t, TracePending, tr.Status)
}

func TestEngine_ExecuteAsWorker(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.9, 0.9, 0.9, 0.1), nil)
	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)

	res, err := f.engine.Execute(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusSuccess, res.Status)
	assert.Equal(t, "finalize", res.Output["decision"])
	assert.Equal(t, "no_issues_detected", res.Output["reason"])

	res, err = f.engine.Execute(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, CodeLoopFinalized, res.Output["error_code"])
	assert.Equal(t, ErrLoopFinalized, ErrorForCode(CodeLoopFinalized))

	res, err = f.engine.Execute(ctx, reviewPayload("loop-zzz"))
	require.NoError(t, err)
	assert.Equal(t, CodeTraceNotFound, res.Output["error_code"])
}

func TestEngine_UpdateSettings(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, newPanel(0.72, 0.72, 0.72, 0.1), nil)

	bad := DefaultSettings()
	bad.Decision.AlignmentThreshold = 2
	assert.Error(t, f.engine.UpdateSettings(bad))

	relaxed := f.engine.Settings()
	relaxed.Decision.AlignmentThreshold = 0.7
	require.NoError(t, f.engine.UpdateSettings(relaxed))

	_, err := f.engine.Begin(ctx, BeginRequest{LoopID: "loop-a"})
	require.NoError(t, err)
	out, err := f.engine.Reflect(ctx, reviewPayload("loop-a"))
	require.NoError(t, err)
	assert.Equal(t, ReasonNoIssues, out.Verdict.Reason)
}
