// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives loop iterations through the worker pipeline.
//
// A Controller walks one iteration from planning through execution and
// validation to reflection, invoking each worker through the invocation
// wrapper. The reflector's verdict either ends the lineage or starts a
// rerun iteration under a new loop id.
//
// Thread Safety:
//
//	Controller is safe for concurrent use. Iterations of one lineage run
//	sequentially; different lineages are independent.
package loop

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/guardloop/services/guardloop/agent"
)

// State is a state of one loop iteration.
type State string

const (
	// StateIdle is the state before the entry worker is invoked.
	StateIdle State = "IDLE"

	// StatePlanning runs a PLANNING worker.
	StatePlanning State = "PLANNING"

	// StateExecuting runs a BUILD worker.
	StateExecuting State = "EXECUTING"

	// StateValidating runs a VALIDATION worker.
	StateValidating State = "VALIDATING"

	// StateReflecting runs the reflector.
	StateReflecting State = "REFLECTING"

	// StateFinished means the iteration reached a worker without successor.
	StateFinished State = "FINISHED"

	// StateError means the iteration halted. Its trace is kept.
	StateError State = "ERROR"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for FINISHED and ERROR.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateError
}

// AllStates returns all iteration states.
func AllStates() []State {
	return []State{
		StateIdle,
		StatePlanning,
		StateExecuting,
		StateValidating,
		StateReflecting,
		StateFinished,
		StateError,
	}
}

// StateForClass returns the state a worker of the given phase class runs in.
func StateForClass(c agent.Capability) (State, bool) {
	switch c {
	case agent.CapPlanning:
		return StatePlanning, true
	case agent.CapBuild:
		return StateExecuting, true
	case agent.CapValidation:
		return StateValidating, true
	case agent.CapReflection:
		return StateReflecting, true
	}
	return "", false
}

// StateMachine holds the valid transitions between iteration states.
//
// The transition graph:
//
//	IDLE → PLANNING              : Entry worker invoked
//	PLANNING → PLANNING          : Planner delegated to another planner
//	PLANNING → EXECUTING         : Plan produced
//	EXECUTING → EXECUTING        : Builder delegated to another builder
//	EXECUTING → VALIDATING       : Artifact produced
//	VALIDATING → EXECUTING       : Validator requested a fix
//	VALIDATING → VALIDATING      : Validator delegated to another validator
//	VALIDATING → REFLECTING      : Validation result handed to the reflector
//	REFLECTING → FINISHED        : Reflector decided
//	PLANNING|EXECUTING|VALIDATING → FINISHED : Worker has no successor
//	* → ERROR                    : Any non-terminal state can fail
//
// Thread Safety:
//
//	StateMachine is safe for concurrent use.
type StateMachine struct {
	mu sync.RWMutex

	transitions map[State]map[State]bool
}

// NewStateMachine creates a state machine with the iteration transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[State]map[State]bool),
	}
	for _, s := range AllStates() {
		sm.transitions[s] = make(map[State]bool)
	}

	sm.addTransition(StateIdle, StatePlanning)

	sm.addTransition(StatePlanning, StatePlanning)
	sm.addTransition(StatePlanning, StateExecuting)
	sm.addTransition(StatePlanning, StateFinished)

	sm.addTransition(StateExecuting, StateExecuting)
	sm.addTransition(StateExecuting, StateValidating)
	sm.addTransition(StateExecuting, StateFinished)

	sm.addTransition(StateValidating, StateExecuting)
	sm.addTransition(StateValidating, StateValidating)
	sm.addTransition(StateValidating, StateReflecting)
	sm.addTransition(StateValidating, StateFinished)

	sm.addTransition(StateReflecting, StateFinished)

	for _, s := range AllStates() {
		if !s.IsTerminal() {
			sm.addTransition(s, StateError)
		}
	}
	return sm
}

func (sm *StateMachine) addTransition(from, to State) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is valid.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) CanTransition(from, to State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Transition validates from → to.
//
// Outputs:
//
//	error - Wraps ErrInvalidTransition if the transition is not allowed.
func (sm *StateMachine) Transition(from, to State) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns every valid target of from, in AllStates order.
func (sm *StateMachine) ValidTransitionsFrom(from State) []State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []State
	toMap := sm.transitions[from]
	for _, s := range AllStates() {
		if toMap[s] {
			result = append(result, s)
		}
	}
	return result
}
