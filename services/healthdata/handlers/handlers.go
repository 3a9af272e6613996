// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the gin handlers for the health data
// ingress. Errors cross the boundary as RFC 7807 problem documents.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHealth/services/healthdata"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// =============================================================================
// Boundary Helpers
// =============================================================================

// userIDHeader carries the authenticated principal, set by the API
// gateway after token validation. Requests reach this service only
// through the gateway.
const userIDHeader = "X-User-ID"

// problemContentType is the RFC 7807 media type.
const problemContentType = "application/problem+json"

// writeProblem renders any service error as a problem document.
func writeProblem(c *gin.Context, err error) {
	se := datatypes.AsServiceError(err)
	problem := se.Problem(c.Request.URL.Path, traceID(c))
	c.Header("Content-Type", problemContentType)
	c.JSON(problem.Status, problem)
}

// traceID extracts the active trace id for problem documents, empty
// when tracing is not running.
func traceID(c *gin.Context) string {
	sc := trace.SpanContextFromContext(c.Request.Context())
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// authedUser returns the authenticated principal or writes a 401.
func authedUser(c *gin.Context) (string, bool) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.Header("Content-Type", problemContentType)
		c.JSON(http.StatusUnauthorized, datatypes.ProblemDetail{
			Type:     "https://aleutian.ai/problems/authorization/unauthenticated",
			Title:    "Authentication Required",
			Status:   http.StatusUnauthorized,
			Detail:   "request carries no authenticated principal",
			Instance: c.Request.URL.Path,
			TraceID:  traceID(c),
		})
		return "", false
	}
	return userID, true
}

// =============================================================================
// Ingestion
// =============================================================================

// UploadHealthData handles POST /v1/health-data.
//
// Accepts a metric batch, freezes it into the raw blob, creates the
// processing job, and returns 201 with the processing id and a polling
// hint.
func UploadHealthData(svc *healthdata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := authedUser(c)
		if !ok {
			return
		}
		var upload datatypes.Upload
		if err := c.ShouldBindJSON(&upload); err != nil {
			writeProblem(c, datatypes.Validation("bad_json", "request body is not a valid upload"))
			return
		}
		resp, err := svc.Accept(c.Request.Context(), userID, &upload)
		if err != nil {
			writeProblem(c, err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// GetProcessingStatus handles GET /v1/health-data/processing/:processingId.
func GetProcessingStatus(svc *healthdata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := authedUser(c)
		if !ok {
			return
		}
		resp, err := svc.Status(c.Request.Context(), userID, c.Param("processingId"))
		if err != nil {
			writeProblem(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// ListHealthData handles GET /v1/health-data with cursor pagination and
// data_type / source / date-range filters.
func ListHealthData(svc *healthdata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := authedUser(c)
		if !ok {
			return
		}
		var filter datatypes.ListFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			writeProblem(c, datatypes.Validation("bad_query", "query parameters failed to parse"))
			return
		}
		page, err := svc.List(c.Request.Context(), userID, filter)
		if err != nil {
			writeProblem(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// DeleteHealthData handles DELETE /v1/health-data/:processingId.
func DeleteHealthData(svc *healthdata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := authedUser(c)
		if !ok {
			return
		}
		processingID := c.Param("processingId")
		if err := svc.Delete(c.Request.Context(), userID, processingID); err != nil {
			writeProblem(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "deleted",
			"processing_id": processingID,
		})
	}
}

// EraseUserData handles DELETE /v1/users/:userId/data, the full erasure
// cascade. Principals can only erase themselves.
func EraseUserData(svc *healthdata.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := authedUser(c)
		if !ok {
			return
		}
		if c.Param("userId") != userID {
			writeProblem(c, datatypes.Authorization("user_mismatch",
				"principals may only erase their own data"))
			return
		}
		deleted, err := svc.EraseUser(c.Request.Context(), userID)
		if err != nil {
			writeProblem(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "erased",
			"deleted_count": deleted,
		})
	}
}

// =============================================================================
// Legacy
// =============================================================================

// LegacyQuery handles GET /v1/query, retired in favor of the
// /v1/health-data listing. Answers 410 with migration guidance.
func LegacyQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusGone, gin.H{
			"error": "this endpoint has been retired",
			"migration": gin.H{
				"replacement": "/v1/health-data",
				"note":        "use data_type, start_date, end_date, source and cursor query parameters",
			},
		})
	}
}

// =============================================================================
// Health
// =============================================================================

// HealthDeps are the liveness probes behind /healthz, injected as
// functions so the probe never holds references into subsystems.
type HealthDeps struct {
	ModelLoaded     func() bool
	WeightsVerified func() bool
	ModelIntegrity  func() bool
	StoreOK         func(c *gin.Context) bool
	QueueDepth      func(c *gin.Context) (int, error)
}

// Healthz handles GET /healthz. Degraded subsystems flip the status to
// 503 so orchestrators stop routing, but the body always reports every
// probe for operators.
func Healthz(deps HealthDeps) gin.HandlerFunc {
	probe := func(f func() bool) bool {
		if f == nil {
			return false
		}
		return f()
	}
	return func(c *gin.Context) {
		storeOK := deps.StoreOK != nil && deps.StoreOK(c)
		depth := -1
		if deps.QueueDepth != nil {
			if n, err := deps.QueueDepth(c); err == nil {
				depth = n
			}
		}
		modelLoaded := probe(deps.ModelLoaded)

		status := "ok"
		code := http.StatusOK
		if !storeOK || !modelLoaded {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":                   status,
			"model_loaded":             modelLoaded,
			"weights_verified":         probe(deps.WeightsVerified),
			"model_integrity_verified": probe(deps.ModelIntegrity),
			"store_ok":                 storeOK,
			"queue_depth":              depth,
		})
	}
}
