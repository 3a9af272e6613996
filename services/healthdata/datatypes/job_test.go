// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{StatusReceived, StatusProcessing, true},
		{StatusReceived, StatusCancelled, true},
		{StatusReceived, StatusCompleted, false},
		{StatusReceived, StatusFailed, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusReceived, false},
		// Terminal states are absorbing
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{StatusReceived, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewProcessingJob(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := NewProcessingJob(uuid.NewString(), uuid.NewString(), "raw_data/2025/03/01/u/p.json", "fitbit", 250, now)

	if job.Status != StatusReceived {
		t.Errorf("Status = %s", job.Status)
	}
	if job.TotalMetrics != 250 {
		t.Errorf("TotalMetrics = %d", job.TotalMetrics)
	}
	wantExpiry := now.Add(30 * 24 * time.Hour)
	if !job.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", job.ExpiresAt, wantExpiry)
	}
}

func TestProcessingJob_Progress(t *testing.T) {
	job := &ProcessingJob{TotalMetrics: 200, ProcessedMetrics: 50}
	p := job.Progress()
	if p == nil || *p != 0.25 {
		t.Errorf("Progress = %v, want 0.25", p)
	}

	job.ProcessedMetrics = 400 // over-count clamps to 1
	if p = job.Progress(); p == nil || *p != 1 {
		t.Errorf("Progress = %v, want 1", p)
	}

	job = &ProcessingJob{TotalMetrics: 0}
	if job.Progress() != nil {
		t.Error("Progress with zero total should be nil")
	}
}

func TestProcessingJob_Orphaned(t *testing.T) {
	now := time.Now().UTC()
	lease := 10 * time.Minute

	job := &ProcessingJob{Status: StatusProcessing, UpdatedAt: now.Add(-11 * time.Minute)}
	if !job.Orphaned(lease, now) {
		t.Error("stale processing job should be orphaned")
	}

	job.UpdatedAt = now.Add(-5 * time.Minute)
	if job.Orphaned(lease, now) {
		t.Error("fresh processing job should not be orphaned")
	}

	job = &ProcessingJob{Status: StatusCompleted, UpdatedAt: now.Add(-time.Hour)}
	if job.Orphaned(lease, now) {
		t.Error("terminal job is never orphaned")
	}
}
