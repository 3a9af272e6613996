// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// ProcessingJob record and state machine.
package datatypes

import (
	"time"
)

// =============================================================================
// Job Status
// =============================================================================

// JobStatus is the processing state of one upload.
//
// State machine:
//
//	received ──► processing ──► completed
//	    │             ├───────► failed
//	    └─────────────┴───────► cancelled
//
// Terminal states (completed, failed, cancelled) are absorbing. A
// processing entry whose updated_at is older than the configured lease is
// orphaned and may be re-claimed (received ◄─ processing via ReclaimLease,
// modeled as a fresh claim rather than a transition).
type JobStatus string

const (
	StatusReceived   JobStatus = "received"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> next is a legal edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusReceived:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// =============================================================================
// ProcessingJob
// =============================================================================

// JobRetentionDays is how long a job record lives before the retention
// sweep reclaims it.
const JobRetentionDays = 30

// ProcessingJob tracks one upload's journey through validation, storage,
// queueing, and analysis.
type ProcessingJob struct {
	ProcessingID     string    `json:"processing_id"`
	UserID           string    `json:"user_id"`
	Status           JobStatus `json:"status"`
	TotalMetrics     int       `json:"total_metrics"`
	ProcessedMetrics int       `json:"processed_metrics"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	// Error is the typed failure reason code, set only in failed state.
	Error string `json:"error,omitempty"`
	// RawBlobPath is the object key of the serialized upload.
	RawBlobPath string `json:"raw_blob_path"`
	// UploadSource is denormalized for list filtering.
	UploadSource string `json:"upload_source,omitempty"`
}

// NewProcessingJob creates a job in the received state with the standard
// 30-day expiry.
func NewProcessingJob(processingID, userID, blobPath, source string, totalMetrics int, now time.Time) *ProcessingJob {
	now = now.UTC()
	return &ProcessingJob{
		ProcessingID: processingID,
		UserID:       userID,
		Status:       StatusReceived,
		TotalMetrics: totalMetrics,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(JobRetentionDays * 24 * time.Hour),
		RawBlobPath:  blobPath,
		UploadSource: source,
	}
}

// Progress returns processed/total in [0,1], or nil when total is zero.
func (j *ProcessingJob) Progress() *float64 {
	if j.TotalMetrics <= 0 {
		return nil
	}
	p := float64(j.ProcessedMetrics) / float64(j.TotalMetrics)
	if p > 1 {
		p = 1
	}
	return &p
}

// Orphaned reports whether a processing-state job has exceeded its lease
// and may be re-claimed by the sweeper.
func (j *ProcessingJob) Orphaned(lease time.Duration, now time.Time) bool {
	return j.Status == StatusProcessing && now.Sub(j.UpdatedAt) > lease
}

// Expired reports whether the retention sweep should reclaim this record.
func (j *ProcessingJob) Expired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// =============================================================================
// Job Message
// =============================================================================

// JobMessage is the queue payload published after a job record is
// written. Delivery is at-least-once; the worker is idempotent on
// ProcessingID (terminal jobs are detected on record read and replays
// suppressed).
type JobMessage struct {
	ProcessingID string            `json:"processing_id"`
	UserID       string            `json:"user_id"`
	RawBlobPath  string            `json:"raw_blob_path"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
