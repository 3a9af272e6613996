// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the health data ingress endpoints onto a gin
// engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianHealth/services/healthdata"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/handlers"
)

// serviceName labels spans produced by the HTTP middleware.
const serviceName = "aleutian-healthd"

// SetupRoutes registers all ingress endpoints.
//
// Layout:
//
//	GET  /healthz                                    liveness + subsystem probes
//	GET  /metrics                                    Prometheus scrape
//	POST   /v1/health-data                           accept an upload
//	GET    /v1/health-data                           list stored data (paginated)
//	GET    /v1/health-data/processing/:processingId  job status
//	DELETE /v1/health-data/:processingId             cancel + erase one upload
//	DELETE /v1/users/:userId/data                    full user erasure
//	GET    /v1/query                                 retired, 410 + migration hint
func SetupRoutes(router *gin.Engine, svc *healthdata.Service, health handlers.HealthDeps) {
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", handlers.Healthz(health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		data := v1.Group("/health-data")
		{
			data.POST("", handlers.UploadHealthData(svc))
			data.GET("", handlers.ListHealthData(svc))
			data.GET("/processing/:processingId", handlers.GetProcessingStatus(svc))
			data.DELETE("/:processingId", handlers.DeleteHealthData(svc))
		}

		v1.DELETE("/users/:userId/data", handlers.EraseUserData(svc))
		v1.GET("/query", handlers.LegacyQuery())
	}
}
