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
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

var rerunSuffix = regexp.MustCompile(`_r(\d+)$`)

// NewLoopID mints a fresh base loop identifier.
func NewLoopID() string {
	return "loop-" + uuid.NewString()
}

// BaseLoopID strips a trailing _r<N> suffix.
func BaseLoopID(loopID string) string {
	return rerunSuffix.ReplaceAllString(loopID, "")
}

// RerunNumber returns N for "<base>_r<N>" and 0 for base loops.
func RerunNumber(loopID string) int {
	m := rerunSuffix.FindStringSubmatch(loopID)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ParentLoopID returns the loop id this one reran from, or "" for base loops.
//
//	ParentLoopID("loop-a_r2") == "loop-a_r1"
//	ParentLoopID("loop-a_r1") == "loop-a"
func ParentLoopID(loopID string) string {
	n := RerunNumber(loopID)
	switch {
	case n <= 0:
		return ""
	case n == 1:
		return BaseLoopID(loopID)
	default:
		return BaseLoopID(loopID) + "_r" + strconv.Itoa(n-1)
	}
}

// NextLoopID mints the identifier of the rerun that follows a loop with
// the given rerun count.
func NextLoopID(loopID string, rerunCount int) string {
	return BaseLoopID(loopID) + "_r" + strconv.Itoa(rerunCount+1)
}

// SameLineage reports whether two loop ids share a base loop.
func SameLineage(a, b string) bool {
	return BaseLoopID(a) == BaseLoopID(b)
}
