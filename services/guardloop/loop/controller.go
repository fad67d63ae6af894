// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
)

const tracerName = "guardloop/loop"

var (
	// ErrLineageActive is returned when a lineage is already being driven.
	ErrLineageActive = errors.New("lineage already running")

	// ErrEmptyInstructions is returned by Begin for a request without
	// instructions.
	ErrEmptyInstructions = errors.New("instructions must not be empty")
)

// Invoker runs a worker through the invocation wrapper.
//
// *agent.Invoker satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, key string, payload agent.TaskPayload) (agent.TaskResult, error)
	Registry() *agent.Registry
}

// Settings bounds the work of one iteration.
type Settings struct {
	// MaxSteps caps worker calls per iteration, delegations included.
	MaxSteps int

	// MaxPendingPolls is how often a PENDING worker is polled again.
	MaxPendingPolls int

	// PendingBackoff is the wait before the first re-poll. The n-th poll
	// waits n times as long.
	PendingBackoff time.Duration
}

// DefaultSettings returns 32 steps, 3 polls and a 250ms backoff.
func DefaultSettings() Settings {
	return Settings{
		MaxSteps:        32,
		MaxPendingPolls: 3,
		PendingBackoff:  250 * time.Millisecond,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.MaxSteps < 1 {
		return fmt.Errorf("max steps must be >= 1, got %d", s.MaxSteps)
	}
	if s.MaxPendingPolls < 0 {
		return fmt.Errorf("max pending polls must be >= 0, got %d", s.MaxPendingPolls)
	}
	if s.PendingBackoff < 0 {
		return fmt.Errorf("pending backoff must be >= 0, got %s", s.PendingBackoff)
	}
	return nil
}

// Step records one worker call of an iteration.
type Step struct {
	Index      int              `json:"index"`
	WorkerKey  string           `json:"worker"`
	State      State            `json:"state"`
	Status     agent.TaskStatus `json:"status"`
	Polls      int              `json:"polls,omitempty"`
	Skipped    bool             `json:"skipped,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// Run is the record of one iteration.
type Run struct {
	LoopID     string `json:"loop_id"`
	BaseLoopID string `json:"base_loop_id"`
	State      State  `json:"state"`
	Steps      []Step `json:"steps"`

	// Decision, Reason and NextLoopID come from the reflector.
	Decision   guardrail.Decision   `json:"decision,omitempty"`
	Reason     guardrail.ReasonCode `json:"reason,omitempty"`
	NextLoopID string               `json:"next_loop_id,omitempty"`

	// Reflection is the reflector's output.
	Reflection map[string]any `json:"reflection,omitempty"`

	Err *LoopError `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	lastPayload agent.TaskPayload
	lastResult  agent.TaskResult
}

// Result is the record of a lineage run.
type Result struct {
	BaseLoopID  string               `json:"base_loop_id"`
	FinalLoopID string               `json:"final_loop_id"`
	Decision    guardrail.Decision   `json:"decision,omitempty"`
	Reason      guardrail.ReasonCode `json:"reason,omitempty"`
	Runs        []Run                `json:"runs"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithPipeline replaces the default pipeline.
func WithPipeline(p Pipeline) Option {
	return func(c *Controller) {
		c.pipeline = p.Clone()
	}
}

// WithAdapters replaces the v1 adapter set.
func WithAdapters(set *AdapterSet) Option {
	return func(c *Controller) {
		if set != nil {
			c.adapters = set
		}
	}
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(c *Controller) {
		c.settings = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller is the loop controller.
//
// Description:
//
//	Controller drives iterations through the pipeline. Each worker is
//	called through the invocation wrapper. On SUCCESS the successor named
//	by the pipeline is invoked with a payload built by the adapter for the
//	(class, successor class) edge; on DELEGATED the worker's own next
//	worker and payload are followed. Reaching a worker without successor
//	finishes the iteration. The reflector's verdict then either ends the
//	lineage or starts a rerun iteration whose entry payload comes from
//	the REFLECTION→PLANNING adapter.
//
//	Every state change is mirrored onto the iteration's trace, so an
//	iteration that ends in ERROR keeps its trace and the evidence gathered
//	so far.
//
// Thread Safety: Controller is safe for concurrent use. One lineage is
// driven by at most one goroutine at a time.
type Controller struct {
	invoker  Invoker
	registry *agent.Registry
	engine   *guardrail.Engine
	pipeline Pipeline
	adapters *AdapterSet
	settings Settings
	sm       *StateMachine
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewController creates a controller.
//
// Inputs:
//
//	invoker - Invocation wrapper. Its registry must hold every pipeline
//	          worker, the reflector included.
//	engine - Guardrail engine owning traces and decisions.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Controller - The controller.
//	error - Non-nil if the settings are invalid, the pipeline does not
//	        match the registry, or the adapter set does not cover it.
func NewController(invoker Invoker, engine *guardrail.Engine, opts ...Option) (*Controller, error) {
	c := &Controller{
		invoker:  invoker,
		registry: invoker.Registry(),
		engine:   engine,
		pipeline: DefaultPipeline(),
		adapters: AdaptersV1(),
		settings: DefaultSettings(),
		sm:       NewStateMachine(),
		logger:   slog.Default(),
		active:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.settings.Validate(); err != nil {
		return nil, fmt.Errorf("loop settings: %w", err)
	}
	if err := c.pipeline.Validate(c.registry); err != nil {
		return nil, err
	}
	if err := c.adapters.Covers(c.pipeline, c.registry); err != nil {
		return nil, err
	}
	return c, nil
}

// Pipeline returns a copy of the controller's pipeline.
func (c *Controller) Pipeline() Pipeline {
	return c.pipeline.Clone()
}

// Engine returns the guardrail engine.
func (c *Controller) Engine() *guardrail.Engine {
	return c.engine
}

// =============================================================================
// Lineage
// =============================================================================

// Begin creates the trace of a new base loop without running it.
func (c *Controller) Begin(ctx context.Context, req guardrail.BeginRequest) (guardrail.LoopTrace, error) {
	if strings.TrimSpace(req.Instructions) == "" {
		return guardrail.LoopTrace{}, ErrEmptyInstructions
	}
	return c.engine.Begin(ctx, req)
}

// Start begins a base loop and drives its lineage to the end.
//
// Outputs:
//
//	Result - Every iteration's run record.
//	error - The *LoopError of the iteration that failed, or the error of
//	        Begin.
func (c *Controller) Start(ctx context.Context, req guardrail.BeginRequest) (Result, error) {
	tr, err := c.Begin(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return c.Drive(ctx, tr)
}

// Drive runs the lineage rooted at tr until a finalize decision, an abort
// or an iteration in ERROR.
func (c *Controller) Drive(ctx context.Context, tr guardrail.LoopTrace) (Result, error) {
	ctx, release, err := c.acquire(ctx, tr.BaseLoopID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return c.drive(ctx, tr)
}

// Go drives the lineage rooted at tr in the background. Shutdown waits
// for it.
func (c *Controller) Go(ctx context.Context, tr guardrail.LoopTrace) error {
	ctx, release, err := c.acquire(ctx, tr.BaseLoopID)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		_, _ = c.drive(ctx, tr)
	}()
	return nil
}

// Shutdown cancels every active lineage and waits for background drives
// until ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, cancel := range c.active {
		cancel(context.Canceled)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether the lineage of loopID is being driven.
func (c *Controller) Active(loopID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[guardrail.BaseLoopID(loopID)]
	return ok
}

func (c *Controller) acquire(ctx context.Context, base string) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[base]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrLineageActive, base)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c.active[base] = cancel
	release := func() {
		c.mu.Lock()
		delete(c.active, base)
		c.mu.Unlock()
		cancel(nil)
	}
	return ctx, release, nil
}

func (c *Controller) drive(ctx context.Context, tr guardrail.LoopTrace) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Controller.Drive",
		trace.WithAttributes(attribute.String("base_loop_id", tr.BaseLoopID)))
	defer span.End()

	result := Result{BaseLoopID: tr.BaseLoopID}
	payload := agent.TaskPayload{
		LoopID:       tr.LoopID,
		ProjectID:    tr.ProjectID,
		Instructions: tr.Instructions,
		Persona:      tr.Persona,
		PriorContext: maps.Clone(tr.Context),
	}

	for {
		run := c.RunIteration(ctx, payload)
		result.Runs = append(result.Runs, run)
		result.FinalLoopID = run.LoopID
		result.Decision = run.Decision
		result.Reason = run.Reason

		if run.Err != nil {
			telemetry.RecordError(span, run.Err)
			c.logger.Warn("Lineage halted",
				slog.String("base_loop_id", tr.BaseLoopID),
				slog.String("loop_id", run.LoopID),
				slog.String("code", run.Err.Code),
				slog.String("error", run.Err.Message))
			return result, run.Err
		}
		if run.Decision != guardrail.DecisionRerun {
			if run.Decision == "" {
				c.logger.Warn("Iteration finished without a reflection decision",
					slog.String("loop_id", run.LoopID))
			}
			c.logger.Info("Lineage finished",
				slog.String("base_loop_id", tr.BaseLoopID),
				slog.String("final_loop_id", run.LoopID),
				slog.String("reason", string(run.Reason)),
				slog.Int("iterations", len(result.Runs)))
			span.SetAttributes(
				attribute.String("final_loop_id", run.LoopID),
				attribute.Int("iterations", len(result.Runs)))
			return result, nil
		}

		adapter, _ := c.adapters.Get(RerunEdge.From, RerunEdge.To)
		next, err := adapter(run.lastPayload, run.lastResult)
		if err != nil {
			lerr := &LoopError{
				Code:    CodeAdapterFailed,
				Message: err.Error(),
				LoopID:  run.LoopID,
				State:   run.State,
				Err:     fmt.Errorf("%w: %w", ErrNoAdapter, err),
			}
			telemetry.RecordError(span, lerr)
			return result, lerr
		}
		payload = next
	}
}

// =============================================================================
// Iteration
// =============================================================================

// RunIteration drives one iteration of payload.LoopID, whose trace must
// exist, from the entry worker to FINISHED or ERROR.
//
// Outputs:
//
//	Run - The iteration record. Run.Err is set when it ended in ERROR.
func (c *Controller) RunIteration(ctx context.Context, payload agent.TaskPayload) Run {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Controller.RunIteration",
		trace.WithAttributes(attribute.String("loop_id", payload.LoopID)))
	defer span.End()

	run := &Run{
		LoopID:     payload.LoopID,
		BaseLoopID: guardrail.BaseLoopID(payload.LoopID),
		State:      StateIdle,
		Steps:      []Step{},
		StartedAt:  time.Now().UTC(),
	}
	c.iterate(ctx, run, payload)
	run.FinishedAt = time.Now().UTC()

	outcome := "finished"
	if run.Err != nil {
		outcome = "error"
		telemetry.RecordError(span, run.Err)
	}
	c.metrics.RecordIteration(ctx, outcome)
	span.SetAttributes(attribute.String("state", run.State.String()))
	return *run
}

func (c *Controller) iterate(ctx context.Context, run *Run, payload agent.TaskPayload) {
	key := c.pipeline.Entry
	if err := c.enter(ctx, run, key, "iteration started"); err != nil {
		return
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			c.failCanceled(ctx, run)
			return
		}
		if step >= c.settings.MaxSteps {
			c.fail(ctx, run, CodeMaxSteps, fmt.Errorf("%w: %d", ErrMaxStepsExceeded, c.settings.MaxSteps), false)
			return
		}

		desc, err := c.registry.Resolve(key)
		if err != nil {
			c.fail(ctx, run, CodeWorkerUnavailable, err, false)
			return
		}
		class, _ := desc.Class()

		p := payload.Clone()
		p.LoopID = run.LoopID
		p.TaskID = "task-" + uuid.NewString()
		p.StepIndex = step

		start := time.Now()
		res, polls, err := c.invoke(ctx, key, p)
		rec := Step{
			Index:      step,
			WorkerKey:  key,
			State:      run.State,
			Status:     res.Status,
			Polls:      polls,
			Error:      res.Error,
			DurationMs: time.Since(start).Milliseconds(),
		}
		run.lastPayload = p
		run.lastResult = res

		if ctxErr := ctx.Err(); ctxErr != nil {
			run.Steps = append(run.Steps, rec)
			c.failCanceled(ctx, run)
			return
		}
		if err != nil {
			run.Steps = append(run.Steps, rec)
			switch {
			case errors.Is(err, agent.ErrWorkerUnavailable):
				c.fail(ctx, run, CodeWorkerUnavailable, err, false)
			case errors.Is(err, storage.ErrPersistence):
				c.fail(ctx, run, CodePersistence, err, true)
			default:
				c.fail(ctx, run, CodeWorkerFailed, err, true)
			}
			return
		}
		if res.RequiresIntervention {
			run.Steps = append(run.Steps, rec)
			c.fail(ctx, run, CodeInterventionRequired,
				fmt.Errorf("%w: %s", ErrInterventionRequired, key), true)
			return
		}

		switch res.Status {
		case agent.StatusPending:
			run.Steps = append(run.Steps, rec)
			c.fail(ctx, run, CodePendingExhausted,
				fmt.Errorf("%w: %s after %d polls", ErrPendingExhausted, key, polls), true)
			return

		case agent.StatusError:
			if res.Violation != nil && !desc.Mandatory {
				rec.Skipped = true
				run.Steps = append(run.Steps, rec)
				c.logger.Warn("Skipping optional worker after contract violation",
					slog.String("loop_id", run.LoopID),
					slog.String("worker", key),
					slog.String("error", res.Error))
				next, _, ok := c.pipeline.Successor(key)
				if !ok {
					c.finish(ctx, run, "optional terminal worker skipped")
					return
				}
				if err := c.enter(ctx, run, next, "optional worker skipped"); err != nil {
					return
				}
				key = next
				continue
			}
			run.Steps = append(run.Steps, rec)
			c.failWorker(ctx, run, class, res)
			return

		case agent.StatusDelegated:
			run.Steps = append(run.Steps, rec)
			if res.NextWorker == "" || res.NextPayload == nil {
				c.fail(ctx, run, CodeMissingDelegation, fmt.Errorf("%w: from %s", ErrMissingDelegation, key), false)
				return
			}
			next, err := c.delegate(class, res)
			if err != nil {
				c.fail(ctx, run, codeFor(err), err, false)
				return
			}
			if err := c.enter(ctx, run, res.NextWorker, "delegated by "+key); err != nil {
				return
			}
			key = res.NextWorker
			payload = next
			continue

		case agent.StatusSuccess:
			run.Steps = append(run.Steps, rec)
			if class == agent.CapReflection {
				c.recordVerdict(run, res)
			}
			nextKey, nextClass, ok := c.pipeline.Successor(key)
			if !ok || class == agent.CapReflection {
				c.finish(ctx, run, "no successor")
				return
			}
			adapter, ok := c.adapters.Get(class, nextClass)
			if !ok {
				c.fail(ctx, run, CodeNoAdapter,
					fmt.Errorf("%w: %s", ErrNoAdapter, Edge{From: class, To: nextClass}), false)
				return
			}
			next, err := adapter(p, res)
			if err != nil {
				c.fail(ctx, run, CodeAdapterFailed, err, false)
				return
			}
			if err := c.enter(ctx, run, nextKey, "completed by "+key); err != nil {
				return
			}
			key = nextKey
			payload = next
		}
	}
}

// invoke calls key and re-polls PENDING results with a linear backoff.
func (c *Controller) invoke(ctx context.Context, key string, p agent.TaskPayload) (agent.TaskResult, int, error) {
	res, err := c.invoker.Invoke(ctx, key, p)
	polls := 0
	for err == nil && res.Status == agent.StatusPending && polls < c.settings.MaxPendingPolls {
		polls++
		timer := time.NewTimer(c.settings.PendingBackoff * time.Duration(polls))
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, polls, nil
		case <-timer.C:
		}
		c.logger.Debug("Polling pending worker",
			slog.String("loop_id", p.LoopID),
			slog.String("worker", key),
			slog.Int("poll", polls))
		res, err = c.invoker.Invoke(ctx, key, p)
	}
	return res, polls, err
}

// delegate builds the payload for a delegation target. The delegating
// worker's payload is used; a delegation adapter for the edge enriches it.
func (c *Controller) delegate(from agent.Capability, res agent.TaskResult) (agent.TaskPayload, error) {
	target, err := c.registry.Resolve(res.NextWorker)
	if err != nil {
		return agent.TaskPayload{}, err
	}
	to, ok := target.Class()
	if !ok {
		return agent.TaskPayload{}, fmt.Errorf("%w: delegation target %q has no phase class", ErrInvalidTransition, res.NextWorker)
	}
	next := res.NextPayload.Clone()
	if adapter, ok := c.adapters.Delegation(from, to); ok {
		return adapter(next, res)
	}
	return next, nil
}

func (c *Controller) recordVerdict(run *Run, res agent.TaskResult) {
	decision, _ := res.Output["decision"].(string)
	reason, _ := res.Output["reason"].(string)
	next, _ := res.Output["next_loop_id"].(string)
	run.Decision = guardrail.Decision(decision)
	run.Reason = guardrail.ReasonCode(reason)
	run.NextLoopID = next
	run.Reflection = res.Output
}

// =============================================================================
// Transitions
// =============================================================================

// enter moves the run into the state of the worker registered under key.
func (c *Controller) enter(ctx context.Context, run *Run, key, reason string) error {
	desc, err := c.registry.Resolve(key)
	if err != nil {
		c.fail(ctx, run, CodeWorkerUnavailable, err, false)
		return err
	}
	class, _ := desc.Class()
	to, ok := StateForClass(class)
	if !ok {
		err := fmt.Errorf("%w: worker %q has no phase class", ErrInvalidTransition, key)
		c.fail(ctx, run, CodeInvalidTransition, err, false)
		return err
	}
	if err := c.transition(ctx, run, to, reason); err != nil {
		code := CodeInvalidTransition
		if errors.Is(err, storage.ErrPersistence) {
			code = CodePersistence
		}
		c.fail(ctx, run, code, err, false)
		return err
	}
	return nil
}

func (c *Controller) finish(ctx context.Context, run *Run, reason string) {
	if err := c.transition(ctx, run, StateFinished, reason); err != nil {
		code := CodeInvalidTransition
		if errors.Is(err, storage.ErrPersistence) {
			code = CodePersistence
		}
		c.fail(ctx, run, code, err, false)
	}
}

// transition validates and applies a state change and mirrors it onto
// the trace.
func (c *Controller) transition(ctx context.Context, run *Run, to State, reason string) error {
	from := run.State

	c.logger.Info("State transition",
		slog.String("loop_id", run.LoopID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
	)

	if err := c.sm.Transition(from, to); err != nil {
		c.logger.Error("State transition failed",
			slog.String("loop_id", run.LoopID),
			slog.String("error", err.Error()),
		)
		return err
	}

	lastError := ""
	if run.Err != nil {
		lastError = run.Err.Error()
	}
	if err := c.engine.RecordControllerState(context.WithoutCancel(ctx), run.LoopID, to.String(), lastError); err != nil {
		return fmt.Errorf("record controller state %s: %w", run.LoopID, err)
	}
	run.State = to
	c.metrics.RecordTransition(ctx, from.String(), to.String())
	return nil
}

// fail moves the run to ERROR. A failure to mirror the ERROR state onto
// the trace is logged; the run already carries the error.
func (c *Controller) fail(ctx context.Context, run *Run, code string, cause error, recoverable bool) {
	if run.State.IsTerminal() {
		return
	}
	run.Err = &LoopError{
		Code:        code,
		Message:     cause.Error(),
		LoopID:      run.LoopID,
		State:       run.State,
		Recoverable: recoverable,
		Err:         cause,
	}
	if err := c.transition(ctx, run, StateError, cause.Error()); err != nil {
		c.logger.Warn("Failed to record error state",
			slog.String("loop_id", run.LoopID),
			slog.String("error", err.Error()))
		run.State = StateError
	}
}

func (c *Controller) failCanceled(ctx context.Context, run *Run) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrLoopAborted) {
		c.fail(ctx, run, CodeAborted, cause, false)
		return
	}
	c.fail(ctx, run, CodeCanceled, cause, true)
}

// failWorker maps an ERROR result to a loop error. The reflector reports
// its failure kind in error_code.
func (c *Controller) failWorker(ctx context.Context, run *Run, class agent.Capability, res agent.TaskResult) {
	if res.Violation != nil {
		c.fail(ctx, run, CodeContractViolation, res.Violation, false)
		return
	}
	if class != agent.CapReflection {
		c.fail(ctx, run, CodeWorkerFailed, fmt.Errorf("%w: %s: %s", ErrWorkerFailed, res.WorkerKey, res.Error), true)
		return
	}

	code, _ := res.Output["error_code"].(string)
	cause := errors.New(res.Error)
	if sentinel := guardrail.ErrorForCode(code); sentinel != nil {
		cause = fmt.Errorf("%w: %s", sentinel, res.Error)
	}
	switch code {
	case guardrail.CodeDecisionAmbiguity:
		c.fail(ctx, run, CodeDecisionAmbiguity, cause, false)
	case guardrail.CodePersistence:
		c.fail(ctx, run, CodePersistence, cause, true)
	case guardrail.CodeAborted:
		c.failCanceled(ctx, run)
	default:
		c.fail(ctx, run, CodeReflectionFailed, cause, false)
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, agent.ErrWorkerUnavailable):
		return CodeWorkerUnavailable
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	}
	return CodeAdapterFailed
}

// =============================================================================
// Operator surface
// =============================================================================

// Abort stops the lineage of loopID and records an operator_abort
// finalize record.
//
// Description:
//
//	When loopID already handed over to a rerun, the abort applies to the
//	lineage's latest iteration. An active drive of the lineage is cancelled
//	before the record is written; its current iteration ends in ERROR with
//	code ABORTED.
//
// Outputs:
//
//	guardrail.RerunReasoning - The abort record.
//	error - guardrail.ErrLoopFinalized if the target already finalized,
//	        guardrail.ErrTraceNotFound for unknown loops.
func (c *Controller) Abort(ctx context.Context, loopID, by, reason string) (guardrail.RerunReasoning, error) {
	target, err := c.abortTarget(ctx, loopID)
	if err != nil {
		return guardrail.RerunReasoning{}, err
	}

	c.mu.Lock()
	if cancel, ok := c.active[guardrail.BaseLoopID(target)]; ok {
		cancel(fmt.Errorf("%w: by %s", ErrLoopAborted, by))
	}
	c.mu.Unlock()

	return c.engine.Abort(ctx, target, by, reason)
}

func (c *Controller) abortTarget(ctx context.Context, loopID string) (string, error) {
	tr, err := c.engine.Traces().Get(ctx, loopID)
	if err != nil {
		return "", err
	}
	if tr.Status == guardrail.TraceFinalized {
		return "", fmt.Errorf("%w: %s", guardrail.ErrLoopFinalized, loopID)
	}
	if tr.LastDecision != guardrail.DecisionRerun {
		return loopID, nil
	}

	lineage, err := c.engine.Traces().Lineage(ctx, loopID)
	if err != nil {
		return "", err
	}
	tail := lineage[len(lineage)-1]
	if tail.Status == guardrail.TraceFinalized {
		return "", fmt.Errorf("%w: lineage %s", guardrail.ErrLoopFinalized, tr.BaseLoopID)
	}
	return tail.LoopID, nil
}

// Override stores an operator override for the next decision of the loop.
func (c *Controller) Override(ctx context.Context, req guardrail.OverrideRequest) (guardrail.StoredOverride, error) {
	return c.engine.Override(ctx, req)
}

// Status returns the read-only status projection of loopID.
func (c *Controller) Status(ctx context.Context, loopID string) (guardrail.StatusReport, error) {
	return c.engine.Status(ctx, loopID)
}
