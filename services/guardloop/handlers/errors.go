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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
	"github.com/AleutianAI/guardloop/services/guardloop/storage"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// Error codes of ErrorResponse.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeNotFound        = "trace_not_found"
	CodeFinalized       = "loop_finalized"
	CodeLoopExists      = "loop_exists"
	CodeLineageActive   = "lineage_active"
	CodeInvalidOverride = "invalid_override"
	CodePersistence     = "persistence"
	CodeInternal        = "internal"
)

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, guardrail.ErrTraceNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, guardrail.ErrLoopFinalized):
		return http.StatusConflict, CodeFinalized
	case errors.Is(err, guardrail.ErrTraceExists):
		return http.StatusConflict, CodeLoopExists
	case errors.Is(err, loop.ErrLineageActive):
		return http.StatusConflict, CodeLineageActive
	case errors.Is(err, guardrail.ErrInvalidOverride):
		return http.StatusBadRequest, CodeInvalidOverride
	case errors.Is(err, loop.ErrEmptyInstructions):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, storage.ErrPersistence):
		return http.StatusServiceUnavailable, CodePersistence
	}
	return http.StatusInternalServerError, CodeInternal
}

// abortWithError writes err as an ErrorResponse with the matching status.
func abortWithError(c *gin.Context, msg string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg,
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code, Details: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    CodeInvalidRequest,
		Details: err.Error(),
	})
}
