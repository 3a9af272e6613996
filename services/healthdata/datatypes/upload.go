// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Upload envelope and raw-blob document types.
package datatypes

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// DefaultMaxMetricsPerUpload caps metrics per upload. Overridable via
	// MAX_METRICS_PER_UPLOAD, but the control plane always rejects zero
	// metrics and anything above the configured ceiling.
	DefaultMaxMetricsPerUpload = 10_000

	// MaxSyncTokenBytes caps the opaque client idempotency token.
	MaxSyncTokenBytes = 256

	// RawBlobSchemaVersion is stamped into every raw blob document.
	RawBlobSchemaVersion = "1.0"
)

// =============================================================================
// Upload
// =============================================================================

// Upload is the request payload accepted by the control plane. Immutable
// once accepted: the raw blob document is the serialized form of record.
type Upload struct {
	// UserID must equal the authenticated principal's id.
	UserID string `json:"user_id" validate:"required,uuid4_rfc4122"`

	// UploadSource names the producing app or device ecosystem.
	UploadSource string `json:"upload_source" validate:"required"`

	// ClientTimestamp is when the client assembled the upload.
	ClientTimestamp time.Time `json:"client_timestamp" validate:"required"`

	// SyncToken is a client-chosen opaque idempotency key. Clients retry
	// a failed upload with the same token.
	SyncToken string `json:"sync_token,omitempty"`

	// Metrics is the batch being uploaded; 1..max entries.
	Metrics []HealthMetric `json:"metrics" validate:"required"`
}

// Validate enforces the control-plane acceptance rules: authenticated
// user match, metric count bounds, per-metric structural validity.
//
// maxMetrics is the configured ceiling (DefaultMaxMetricsPerUpload when
// unset). Returns a *ServiceError on the first violation.
func (u *Upload) Validate(authenticatedUserID string, maxMetrics int) error {
	if maxMetrics <= 0 {
		maxMetrics = DefaultMaxMetricsPerUpload
	}

	if u.UserID != authenticatedUserID {
		return Authorization("user_mismatch", "upload user_id does not match the authenticated principal")
	}
	if len(u.Metrics) == 0 {
		return Validation("no_metrics", "upload must contain at least one metric")
	}
	if len(u.Metrics) > maxMetrics {
		return Validation("too_many_metrics",
			fmt.Sprintf("upload contains %d metrics, ceiling is %d", len(u.Metrics), maxMetrics))
	}
	if len(u.SyncToken) > MaxSyncTokenBytes {
		return Validation("sync_token_too_large",
			fmt.Sprintf("sync_token exceeds %d bytes", MaxSyncTokenBytes))
	}
	// The source lands in blob metadata and result rows; reject anything
	// that could not be a client identifier.
	if err := validation.ValidateUploadSource(u.UploadSource); err != nil {
		return Validation("bad_upload_source", err.Error())
	}
	if err := metricValidate.StructPartial(u, "UserID", "UploadSource", "ClientTimestamp"); err != nil {
		return Validation("upload_invalid", fmt.Sprintf("upload envelope failed validation: %v", err))
	}

	for i := range u.Metrics {
		sanitized, err := validation.SanitizeDeviceID(u.Metrics[i].DeviceID)
		if err != nil {
			return Validation("bad_device_id", err.Error())
		}
		u.Metrics[i].DeviceID = sanitized
		if err := u.Metrics[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Raw Blob Document
// =============================================================================

// RawBlobDocument is the JSON persisted to the blob store on accept,
// data_schema_version "1.0". It is the full serialized upload plus
// server-side identity, and round-trips losslessly.
type RawBlobDocument struct {
	UserID            string         `json:"user_id"`
	ProcessingID      string         `json:"processing_id"`
	UploadSource      string         `json:"upload_source"`
	ClientTimestamp   time.Time      `json:"client_timestamp"`
	ServerTimestamp   time.Time      `json:"server_timestamp"`
	SyncToken         string         `json:"sync_token,omitempty"`
	MetricsCount      int            `json:"metrics_count"`
	DataSchemaVersion string         `json:"data_schema_version"`
	Metrics           []HealthMetric `json:"metrics"`
}

// NewRawBlobDocument freezes an accepted upload into its document form.
func NewRawBlobDocument(u *Upload, processingID string, serverTime time.Time) *RawBlobDocument {
	return &RawBlobDocument{
		UserID:            u.UserID,
		ProcessingID:      processingID,
		UploadSource:      u.UploadSource,
		ClientTimestamp:   u.ClientTimestamp.UTC(),
		ServerTimestamp:   serverTime.UTC(),
		SyncToken:         u.SyncToken,
		MetricsCount:      len(u.Metrics),
		DataSchemaVersion: RawBlobSchemaVersion,
		Metrics:           u.Metrics,
	}
}

// =============================================================================
// Ingress Responses
// =============================================================================

// UploadResponse is returned on 201 from POST /v1/health-data.
type UploadResponse struct {
	ProcessingID                   string `json:"processing_id"`
	AcceptedMetrics                int    `json:"accepted_metrics"`
	EstimatedProcessingTimeSeconds int    `json:"estimated_processing_time_seconds"`
}

// EstimateProcessingSeconds sizes the client's polling hint: one second
// per thousand metrics, never less than two.
func EstimateProcessingSeconds(totalMetrics int) int {
	est := totalMetrics / 1000
	if est < 2 {
		est = 2
	}
	return est
}

// StatusResponse is returned from GET /v1/health-data/processing/{id}.
type StatusResponse struct {
	ProcessingID string    `json:"processing_id"`
	Status       JobStatus `json:"status"`
	// Progress is processed/total in [0,1]; omitted when total is unknown.
	Progress  *float64  `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilter bounds a paginated result read.
type ListFilter struct {
	DataType  string     `form:"data_type"`
	StartDate *time.Time `form:"start_date" time_format:"2006-01-02"`
	EndDate   *time.Time `form:"end_date" time_format:"2006-01-02"`
	Source    string     `form:"source"`
	Cursor    string     `form:"cursor"`
	Limit     int        `form:"limit"`
}

// ListPage is one page of a result listing.
type ListPage struct {
	Items      []map[string]any `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}
