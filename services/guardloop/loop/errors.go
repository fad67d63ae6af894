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

import "errors"

// Sentinel errors for the loop package.
var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMissingDelegation indicates a DELEGATED result without a next
	// worker or next payload.
	ErrMissingDelegation = errors.New("delegated result missing next worker or payload")

	// ErrNoAdapter indicates no payload adapter exists for a pipeline edge.
	ErrNoAdapter = errors.New("no payload adapter for transition")

	// ErrLoopAborted indicates an operator aborted the loop.
	ErrLoopAborted = errors.New("loop aborted by operator")

	// ErrMaxStepsExceeded indicates the iteration hit the step ceiling.
	ErrMaxStepsExceeded = errors.New("maximum steps exceeded")

	// ErrPendingExhausted indicates a worker stayed PENDING past the poll limit.
	ErrPendingExhausted = errors.New("worker still pending after polling")

	// ErrInterventionRequired indicates a worker asked for a human.
	ErrInterventionRequired = errors.New("worker requires intervention")

	// ErrWorkerFailed indicates a mandatory worker returned ERROR.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrInvalidPipeline indicates a pipeline that cannot drive an iteration.
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// Error codes carried by LoopError.
const (
	CodeWorkerUnavailable    = "WORKER_UNAVAILABLE"
	CodeContractViolation    = "CONTRACT_VIOLATION"
	CodeWorkerFailed         = "WORKER_FAILED"
	CodeMissingDelegation    = "MISSING_DELEGATION"
	CodePendingExhausted     = "PENDING_EXHAUSTED"
	CodeInterventionRequired = "INTERVENTION_REQUIRED"
	CodeNoAdapter            = "NO_ADAPTER"
	CodeAdapterFailed        = "ADAPTER_FAILED"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeMaxSteps             = "MAX_STEPS_EXCEEDED"
	CodeAborted              = "ABORTED"
	CodeCanceled             = "CANCELED"
	CodePersistence          = "PERSISTENCE"
	CodeDecisionAmbiguity    = "DECISION_AMBIGUITY"
	CodeReflectionFailed     = "REFLECTION_FAILED"
)

// LoopError is the error of an iteration that ended in ERROR.
//
// LoopError implements the error interface and unwraps to its cause, so
// callers can test it with errors.Is against the package sentinels and
// the sentinels of the agent, guardrail and storage packages.
type LoopError struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// LoopID is the iteration that failed.
	LoopID string `json:"loop_id"`

	// State is the state the iteration was in when it failed.
	State State `json:"state"`

	// Recoverable indicates the lineage might succeed if restarted.
	Recoverable bool `json:"recoverable"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *LoopError) Unwrap() error {
	return e.Err
}
