// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
	"github.com/AleutianAI/guardloop/services/guardloop/workers"
)

func newTestRouter(t *testing.T) (*gin.Engine, *loop.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv := storage.NewMemoryKV()
	reg := agent.NewRegistry(quiet)
	require.NoError(t, workers.Register(reg, workers.ScriptedSet(workers.DefaultScript()), guardrail.DefaultReviewers()))
	inv := agent.NewInvoker(reg, kv, agent.WithInvokerLogger(quiet))
	engine, err := guardrail.NewEngine(kv, inv, guardrail.DefaultSettings(), guardrail.WithEngineLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, reg.Register(engine.Descriptor()))

	ctrl, err := loop.NewController(inv, engine, loop.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	router := gin.New()
	SetupRoutes(router, ctrl, telemetry.NewPrometheusRegistry())
	return router, ctrl
}

func do(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestHandleStartLoop_Wait(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/v1/loops?wait=true", StartLoopRequest{Instructions: "summarize the incident"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[StartLoopResponse](t, w)
	assert.Equal(t, "finished", resp.Status)
	assert.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	assert.Len(t, resp.Result.Runs, 2)
	assert.Equal(t, guardrail.DecisionFinalize, resp.Result.Decision)
	assert.Equal(t, resp.LoopID, resp.BaseLoopID)

	w = do(router, http.MethodGet, "/v1/loops/"+resp.LoopID+"/reasoning", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reasoning := decode[ReasoningResponse](t, w)
	require.NotNil(t, reasoning.Rerun)
	assert.Nil(t, reasoning.Finalize)
	assert.Equal(t, resp.Result.FinalLoopID, reasoning.Rerun.NextLoopID)

	w = do(router, http.MethodGet, "/v1/loops/"+resp.LoopID+"/lineage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string]any](t, w)["traces"], 2)

	w = do(router, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true,"records":2}`, w.Body.String())
}

func TestHandleStartLoop_Async(t *testing.T) {
	router, ctrl := newTestRouter(t)

	w := do(router, http.MethodPost, "/v1/loops", StartLoopRequest{Instructions: "x", MaxReruns: ptr(0)})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[StartLoopResponse](t, w)
	assert.Equal(t, "running", resp.Status)

	assert.Eventually(t, func() bool { return !ctrl.Active(resp.LoopID) }, 5*time.Second, 10*time.Millisecond)

	w = do(router, http.MethodGet, "/v1/loops/"+resp.LoopID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[guardrail.StatusReport](t, w)
	assert.Equal(t, guardrail.DecisionFinalize, report.LastDecision)
	assert.Equal(t, "FINISHED", report.ControllerState)
}

func TestHandleStartLoop_BadRequests(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "{invalid json"},
		{"missing instructions", map[string]any{"persona": "terse"}},
		{"blank instructions", map[string]any{"instructions": "   "}},
		{"negative ceiling", map[string]any{"instructions": "x", "max_reruns": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/v1/loops", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, CodeInvalidRequest, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandleGetLoop_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/v1/loops/loop-missing", "/v1/loops/loop-missing/reasoning", "/v1/loops/loop-missing/lineage"} {
		w := do(router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, w).Code)
	}
}

func TestHandleOverride(t *testing.T) {
	router, ctrl := newTestRouter(t)
	tr, err := ctrl.Begin(context.Background(), guardrail.BeginRequest{Instructions: "x"})
	require.NoError(t, err)

	w := do(router, http.MethodPost, "/v1/loops/"+tr.LoopID+"/override", map[string]any{
		"override_fatigue": true,
		"override_by":      "ops",
		"override_reason":  "known flaky reviewer",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored := decode[guardrail.StoredOverride](t, w)
	assert.Equal(t, tr.LoopID, stored.LoopID)
	assert.True(t, stored.Overrides.OverrideFatigue)

	w = do(router, http.MethodPost, "/v1/loops/"+tr.LoopID+"/override", map[string]any{"override_fatigue": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidOverride, decode[ErrorResponse](t, w).Code)

	w = do(router, http.MethodPost, "/v1/loops/loop-missing/override", map[string]any{"override_fatigue": true, "override_by": "ops"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAbort(t *testing.T) {
	router, ctrl := newTestRouter(t)
	tr, err := ctrl.Begin(context.Background(), guardrail.BeginRequest{Instructions: "x"})
	require.NoError(t, err)

	w := do(router, http.MethodPost, "/v1/loops/"+tr.LoopID+"/abort", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/v1/loops/"+tr.LoopID+"/abort", AbortRequest{By: "ops", Reason: "duplicate"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[guardrail.RerunReasoning](t, w)
	assert.Equal(t, guardrail.ReasonOperatorAbort, rec.Reason)
	assert.Equal(t, "ops", rec.OverrideBy)

	w = do(router, http.MethodPost, "/v1/loops/"+tr.LoopID+"/abort", AbortRequest{By: "ops"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeFinalized, decode[ErrorResponse](t, w).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{guardrail.ErrTraceNotFound, http.StatusNotFound, CodeNotFound},
		{guardrail.ErrLoopFinalized, http.StatusConflict, CodeFinalized},
		{guardrail.ErrTraceExists, http.StatusConflict, CodeLoopExists},
		{loop.ErrLineageActive, http.StatusConflict, CodeLineageActive},
		{&storage.PersistenceError{Op: "write", Key: "k", Err: io.ErrUnexpectedEOF}, http.StatusServiceUnavailable, CodePersistence},
		{io.EOF, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func ptr(n int) *int { return &n }
