// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

func TestRegister(t *testing.T) {
	reg := agent.NewRegistry(nil)
	require.NoError(t, Register(reg, ScriptedSet(DefaultScript()), guardrail.DefaultReviewers()))

	assert.Equal(t, []string{"builder", "ceo", "critic", "drift_analyzer", "pessimist", "planner", "validator"}, reg.Keys())
	assert.Equal(t, []string{"pessimist"}, reg.WithCapability(agent.CapRiskAnalysis))

	desc, err := reg.Resolve(loop.ValidatorKey)
	require.NoError(t, err)
	assert.True(t, desc.Mandatory)
	class, ok := desc.Class()
	require.True(t, ok)
	assert.Equal(t, agent.CapValidation, class)
}

func TestRegister_MissingReviewer(t *testing.T) {
	set := ScriptedSet(DefaultScript())
	delete(set.Reviewers, guardrail.RoleCEO)

	err := Register(agent.NewRegistry(nil), set, guardrail.DefaultReviewers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceo")
}

func TestScriptedWorkers_ThroughInvoker(t *testing.T) {
	ctx := context.Background()
	reg := agent.NewRegistry(nil)
	require.NoError(t, Register(reg, ScriptedSet(DefaultScript()), guardrail.DefaultReviewers()))
	inv := agent.NewInvoker(reg, storage.NewMemoryKV())

	res, err := inv.Invoke(ctx, loop.PlannerKey, agent.TaskPayload{TaskID: "t1", LoopID: "loop-a", Instructions: "write docs"})
	require.NoError(t, err)
	require.Equal(t, agent.StatusSuccess, res.Status)
	assert.Equal(t, "Plan: write docs", res.Output["plan"])

	res, err = inv.Invoke(ctx, loop.BuilderKey, agent.TaskPayload{TaskID: "t2", LoopID: "loop-a_r1", Body: map[string]any{"plan": "p"}})
	require.NoError(t, err)
	require.Equal(t, agent.StatusSuccess, res.Status)
	assert.Contains(t, res.Output["summary"], "attempt 2")

	res, err = inv.Invoke(ctx, loop.BuilderKey, agent.TaskPayload{TaskID: "t3", LoopID: "loop-a"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, res.Status, "builder requires a plan")
	require.NotNil(t, res.Violation)
}

func TestScriptedReviewer_FollowsLineage(t *testing.T) {
	ctx := context.Background()
	r := &ScriptedReviewer{
		Field:  "score",
		Scores: []float64{0.2, 0.5},
		Tags:   [][]guardrail.BiasTag{{{Tag: "hedging", Severity: 0.7}}},
	}

	tests := []struct {
		loopID string
		want   float64
	}{
		{"loop-a", 0.2},
		{"loop-a_r1", 0.5},
		{"loop-a_r7", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.loopID, func(t *testing.T) {
			res, err := r.Execute(ctx, agent.TaskPayload{LoopID: tt.loopID})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output["score"])
			tags := res.Output["bias_tags"].([]any)
			require.Len(t, tags, 1)
			assert.Equal(t, "hedging", tags[0].(map[string]any)["tag"])
		})
	}
}

func TestScriptedValidator(t *testing.T) {
	v := &ScriptedValidator{Valid: []bool{false, true}}

	res, err := v.Execute(context.Background(), agent.TaskPayload{LoopID: "loop-a"})
	require.NoError(t, err)
	assert.Equal(t, false, res.Output["summary_valid"])
	assert.Len(t, res.Output["issues"], 1)

	res, err = v.Execute(context.Background(), agent.TaskPayload{LoopID: "loop-a_r1"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["summary_valid"])
}

func TestParseObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", `{"score": 0.4}`, false},
		{"fenced", "```json\n{\"score\": 0.4}\n```", false},
		{"bare fence", "```\n{\"score\": 0.4}\n```", false},
		{"prose", "the score is 0.4", true},
		{"array", `[0.4]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := parseObject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0.4, out["score"])
		})
	}
}

// chatServer answers chat completion requests with content.
func chatServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var req map[string]any
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "test-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLLMWorker(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, `{"confidence": "0.65", "bias_tags": [{"tag": "hedging", "severity": 0.4}]}`, &calls)
	cfg := LLMConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model"}

	reg := agent.NewRegistry(nil)
	require.NoError(t, Register(reg, LLMSet(cfg, guardrail.DefaultReviewers(), nil), guardrail.DefaultReviewers()))
	inv := agent.NewInvoker(reg, storage.NewMemoryKV())

	res, err := inv.Invoke(context.Background(), "pessimist", agent.TaskPayload{TaskID: "t1", LoopID: "loop-a"})
	require.NoError(t, err)
	require.Equal(t, agent.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 0.65, res.Output["confidence"], "numeric string coerced by the output contract")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLMWorker_NonJSONReply(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "I cannot answer that.", &calls)
	cfg := LLMConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model"}
	w := NewLLMWorker(NewLLMClient(cfg), NewLimiter(cfg), cfg, plannerPrompt, nil)

	res, err := w.Execute(context.Background(), agent.TaskPayload{LoopID: "loop-a"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Contains(t, res.Error, "not a JSON object")
}

func TestLLMWorker_CancelledWhileRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, `{"plan": "p"}`, &calls)
	cfg := LLMConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model", RequestsPerSecond: 0.001, Burst: 1}
	w := NewLLMWorker(NewLLMClient(cfg), NewLimiter(cfg), cfg, plannerPrompt, nil)

	_, err := w.Execute(context.Background(), agent.TaskPayload{LoopID: "loop-a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Execute(ctx, agent.TaskPayload{LoopID: "loop-a"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
