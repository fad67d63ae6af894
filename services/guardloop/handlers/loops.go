// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers is the HTTP surface of guardloop: loop start, status,
// reasoning, operator override and abort.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
)

// StartLoopRequest is the body of POST /v1/loops.
type StartLoopRequest struct {
	LoopID       string         `json:"loop_id,omitempty" binding:"omitempty,max=256"`
	ProjectID    string         `json:"project_id,omitempty" binding:"max=256"`
	Persona      string         `json:"persona,omitempty"`
	Instructions string         `json:"instructions" binding:"required"`
	Context      map[string]any `json:"context,omitempty"`
	MaxReruns    *int           `json:"max_reruns,omitempty" binding:"omitempty,gte=0"`
}

// StartLoopResponse is the reply of POST /v1/loops.
type StartLoopResponse struct {
	LoopID     string `json:"loop_id"`
	BaseLoopID string `json:"base_loop_id"`

	// Status is "running" for an asynchronous start, else "finished" or
	// "error".
	Status string `json:"status"`

	Result *loop.Result    `json:"result,omitempty"`
	Error  *loop.LoopError `json:"error,omitempty"`
}

// AbortRequest is the body of POST /v1/loops/:id/abort.
type AbortRequest struct {
	By     string `json:"by" binding:"required,max=128"`
	Reason string `json:"reason,omitempty" binding:"max=1024"`
}

// ReasoningResponse holds both reasoning records of a loop.
type ReasoningResponse struct {
	LoopID   string                    `json:"loop_id"`
	Rerun    *guardrail.RerunReasoning `json:"rerun,omitempty"`
	Finalize *guardrail.RerunReasoning `json:"finalize,omitempty"`
}

// HandleStartLoop begins a base loop.
//
// Description:
//
//	By default the lineage is driven in the background and 202 is returned
//	with the base loop id. With ?wait=true the request blocks until the
//	lineage ends and the run records are returned; an iteration ending in
//	ERROR is reported in the body, not as an HTTP error.
func HandleStartLoop(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartLoopRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		wait, _ := strconv.ParseBool(c.Query("wait"))

		tr, err := ctrl.Begin(c.Request.Context(), guardrail.BeginRequest{
			LoopID:       req.LoopID,
			ProjectID:    req.ProjectID,
			Persona:      req.Persona,
			Instructions: req.Instructions,
			Context:      req.Context,
			MaxReruns:    req.MaxReruns,
		})
		if err != nil {
			abortWithError(c, "Failed to begin loop", err)
			return
		}

		resp := StartLoopResponse{LoopID: tr.LoopID, BaseLoopID: tr.BaseLoopID}
		if !wait {
			// The lineage outlives the request.
			if err := ctrl.Go(context.WithoutCancel(c.Request.Context()), tr); err != nil {
				abortWithError(c, "Failed to start loop", err)
				return
			}
			resp.Status = "running"
			c.JSON(http.StatusAccepted, resp)
			return
		}

		result, err := ctrl.Drive(c.Request.Context(), tr)
		resp.Result = &result
		resp.Status = "finished"
		if err != nil {
			var lerr *loop.LoopError
			if !errors.As(err, &lerr) {
				abortWithError(c, "Failed to run loop", err)
				return
			}
			resp.Status = "error"
			resp.Error = lerr
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleGetLoop returns the status projection of a loop.
func HandleGetLoop(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := ctrl.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, "Failed to read loop status", err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// HandleGetLineage returns every trace of the loop's lineage.
func HandleGetLineage(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if _, err := ctrl.Engine().Traces().Get(ctx, id); err != nil {
			abortWithError(c, "Failed to read lineage", err)
			return
		}
		lineage, err := ctrl.Engine().Traces().Lineage(ctx, id)
		if err != nil {
			abortWithError(c, "Failed to read lineage", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"base_loop_id": guardrail.BaseLoopID(id), "traces": lineage})
	}
}

// HandleGetReasoning returns the rerun and finalize records of a loop.
func HandleGetReasoning(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if _, err := ctrl.Engine().Traces().Get(ctx, id); err != nil {
			abortWithError(c, "Failed to read reasoning", err)
			return
		}

		resp := ReasoningResponse{LoopID: id}
		for _, kind := range []guardrail.Decision{guardrail.DecisionRerun, guardrail.DecisionFinalize} {
			rec, ok, err := ctrl.Engine().Reasoning().Get(ctx, id, kind)
			if err != nil {
				abortWithError(c, "Failed to read reasoning", err)
				return
			}
			if !ok {
				continue
			}
			if kind == guardrail.DecisionRerun {
				resp.Rerun = &rec
			} else {
				resp.Finalize = &rec
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleOverride stores an operator override for the next decision of a
// loop. The loop id comes from the path.
func HandleOverride(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req guardrail.OverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		req.LoopID = c.Param("id")

		stored, err := ctrl.Override(c.Request.Context(), req)
		if err != nil {
			abortWithError(c, "Failed to store override", err)
			return
		}
		c.JSON(http.StatusOK, stored)
	}
}

// HandleAbort aborts a loop on an operator's behalf.
func HandleAbort(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AbortRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		rec, err := ctrl.Abort(c.Request.Context(), c.Param("id"), req.By, req.Reason)
		if err != nil {
			abortWithError(c, "Failed to abort loop", err)
			return
		}
		slog.Info("Loop aborted over HTTP",
			slog.String("loop_id", rec.LoopID),
			slog.String("by", req.By))
		c.JSON(http.StatusOK, rec)
	}
}

// HandleVerifyAudit re-hashes the reasoning audit chain.
func HandleVerifyAudit(ctrl *loop.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := ctrl.Engine().Reasoning().VerifyChain(c.Request.Context())
		if errors.Is(err, guardrail.ErrAuditChainBroken) {
			c.JSON(http.StatusConflict, gin.H{"valid": false, "records": n, "error": err.Error()})
			return
		}
		if err != nil {
			abortWithError(c, "Failed to verify audit chain", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "records": n})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
