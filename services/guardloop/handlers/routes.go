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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/guardloop/services/guardloop/loop"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
)

// NewRouter returns a gin engine with recovery, request spans and every
// guardloop route.
func NewRouter(ctrl *loop.Controller, reg *prometheus.Registry, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	SetupRoutes(router, ctrl, reg)
	return router
}

// SetupRoutes registers the routes on router. A nil reg leaves /metrics
// unregistered.
func SetupRoutes(router *gin.Engine, ctrl *loop.Controller, reg *prometheus.Registry) {
	router.GET("/healthz", HealthCheck)
	if reg != nil {
		router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler(reg)))
	}

	v1 := router.Group("/v1")
	{
		loops := v1.Group("/loops")
		{
			loops.POST("", HandleStartLoop(ctrl))
			loops.GET("/:id", HandleGetLoop(ctrl))
			loops.GET("/:id/lineage", HandleGetLineage(ctrl))
			loops.GET("/:id/reasoning", HandleGetReasoning(ctrl))
			loops.POST("/:id/override", HandleOverride(ctrl))
			loops.POST("/:id/abort", HandleAbort(ctrl))
		}
		v1.GET("/audit/verify", HandleVerifyAudit(ctrl))
	}
}
