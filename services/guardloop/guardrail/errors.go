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

import "errors"

var (
	// ErrTraceNotFound is returned when no LoopTrace exists for a loop id.
	ErrTraceNotFound = errors.New("loop trace not found")

	// ErrTraceExists is returned when creating a trace whose id is taken.
	ErrTraceExists = errors.New("loop trace already exists")

	// ErrDecisionAmbiguity means the decision rules could not produce a
	// verdict. It indicates a defect and halts the loop.
	ErrDecisionAmbiguity = errors.New("decision ambiguity")

	// ErrReasoningExists is returned when a reasoning record of the same
	// kind was already written for a loop. Records are never overwritten.
	ErrReasoningExists = errors.New("reasoning record already exists")

	// ErrLoopFinalized is returned for operations on a finalized loop.
	ErrLoopFinalized = errors.New("loop already finalized")

	// ErrInvalidOverride is returned for malformed operator overrides.
	ErrInvalidOverride = errors.New("invalid override")

	// ErrAuditChainBroken is returned by VerifyChain when a record does not
	// link to its predecessor or its hash does not match its content.
	ErrAuditChainBroken = errors.New("reasoning audit chain broken")
)
