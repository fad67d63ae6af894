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
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
)

// LLMConfig configures the OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// RequestsPerSecond and Burst bound calls across every LLM worker.
	RequestsPerSecond float64
	Burst             int

	Temperature float32
	MaxTokens   int
}

// NewLLMClient creates a chat completions client for cfg.
func NewLLMClient(cfg LLMConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

// NewLimiter returns the limiter shared by the LLM workers of cfg.
// A non-positive rate disables limiting.
func NewLimiter(cfg LLMConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// LLMWorker is a worker backed by a chat completion call.
//
// Description:
//
//	The payload is rendered as JSON into the user message; the system
//	prompt describes the role and the JSON object the model must return.
//	The model's reply is parsed as a JSON object and becomes the result
//	output, which the invocation wrapper then coerces against the worker's
//	output contract. Calls wait on the shared rate limiter first.
//
// Thread Safety: LLMWorker is safe for concurrent use.
type LLMWorker struct {
	client  *openai.Client
	limiter *rate.Limiter
	cfg     LLMConfig
	system  string
	logger  *slog.Logger
}

// NewLLMWorker creates an LLM worker with the given system prompt.
func NewLLMWorker(client *openai.Client, limiter *rate.Limiter, cfg LLMConfig, system string, logger *slog.Logger) *LLMWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMWorker{client: client, limiter: limiter, cfg: cfg, system: system, logger: logger}
}

// Execute implements agent.Worker.
func (w *LLMWorker) Execute(ctx context.Context, p agent.TaskPayload) (agent.TaskResult, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return agent.TaskResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	prompt, err := renderPrompt(p)
	if err != nil {
		return agent.TaskResult{}, err
	}

	req := openai.ChatCompletionRequest{
		Model: w.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: w.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: w.cfg.Temperature,
	}
	if w.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = w.cfg.MaxTokens
	}

	resp, err := w.client.CreateChatCompletion(ctx, req)
	if err != nil {
		w.logger.Error("Chat completion failed",
			slog.String("loop_id", p.LoopID),
			slog.String("model", w.cfg.Model),
			slog.String("error", err.Error()))
		return agent.TaskResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return agent.Failure("model returned no choices"), nil
	}

	w.logger.Debug("Chat completion received",
		slog.String("loop_id", p.LoopID),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)))

	output, err := parseObject(resp.Choices[0].Message.Content)
	if err != nil {
		return agent.Failure(err.Error()), nil
	}
	return agent.Success(output), nil
}

func renderPrompt(p agent.TaskPayload) (string, error) {
	raw, err := json.MarshalIndent(map[string]any{
		"instructions":  p.Instructions,
		"persona":       p.Persona,
		"step_index":    p.StepIndex,
		"input":         p.Body,
		"prior_context": p.PriorContext,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return string(raw), nil
}

// parseObject parses a JSON object, tolerating a surrounding code fence.
func parseObject(content string) (map[string]any, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("model output is not a JSON object: %w", err)
	}
	return out, nil
}

// =============================================================================
// Prompts
// =============================================================================

const (
	plannerPrompt = `You plan a unit of work. Read the instructions and any reflection
feedback in prior_context. Reply with a JSON object:
{"plan": "<one paragraph plan>", "steps": ["<step>", ...]}`

	builderPrompt = `You carry out a plan. input.plan is the plan; input.fix_request, when
present, lists issues to fix. Reply with a JSON object:
{"artifact": <the produced work>, "summary": "<one paragraph summary>"}`

	validatorPrompt = `You check that a summary truthfully describes an artifact. Reply with
a JSON object: {"summary_valid": true|false, "issues": ["<issue>", ...]}`

	reviewerPrompt = `You are the %s reviewer of a loop's output. %s
Reply with a JSON object: {"%s": <number from 0 to 1>, "notes": "<short>",
"bias_tags": [{"tag": "<snake_case failure category>", "severity": <0 to 1>}]}`
)

var reviewerBriefs = map[guardrail.ReviewerRole]string{
	guardrail.RoleCritic:        "Score the overall quality of the artifact.",
	guardrail.RolePessimist:     "Score your confidence that the artifact holds up against its risks.",
	guardrail.RoleCEO:           "Score how well the artifact serves the original instructions.",
	guardrail.RoleDriftAnalyzer: "Score how far the artifact drifted from the instructions; 0 is no drift.",
}

// LLMSet returns LLM workers for the pipeline and every reviewer in
// reviewers, sharing one client and limiter.
func LLMSet(cfg LLMConfig, reviewers []guardrail.ReviewerSpec, logger *slog.Logger) Set {
	client := NewLLMClient(cfg)
	limiter := NewLimiter(cfg)
	set := Set{
		Planner:   NewLLMWorker(client, limiter, cfg, plannerPrompt, logger),
		Builder:   NewLLMWorker(client, limiter, cfg, builderPrompt, logger),
		Validator: NewLLMWorker(client, limiter, cfg, validatorPrompt, logger),
		Reviewers: make(map[guardrail.ReviewerRole]agent.Worker, len(reviewers)),
	}
	for _, spec := range reviewers {
		brief := reviewerBriefs[spec.Role]
		if brief == "" {
			brief = "Score the artifact."
		}
		prompt := fmt.Sprintf(reviewerPrompt, spec.Role, brief, spec.ScoreField)
		set.Reviewers[spec.Role] = NewLLMWorker(client, limiter, cfg, prompt, logger)
	}
	return set
}
