// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validUpload(userID string, n int) *Upload {
	metrics := make([]HealthMetric, n)
	for i := range metrics {
		metrics[i] = validHeartRateMetric()
	}
	return &Upload{
		UserID:          userID,
		UploadSource:    "apple_health",
		ClientTimestamp: time.Now().UTC(),
		SyncToken:       "s1",
		Metrics:         metrics,
	}
}

func TestUpload_Validate(t *testing.T) {
	userID := uuid.NewString()

	t.Run("accepts valid upload", func(t *testing.T) {
		if err := validUpload(userID, 3).Validate(userID, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("rejects user mismatch", func(t *testing.T) {
		err := validUpload(userID, 1).Validate(uuid.NewString(), 0)
		var se *ServiceError
		if !errors.As(err, &se) || se.Kind != KindAuthorization {
			t.Fatalf("expected authorization error, got %v", err)
		}
	})

	t.Run("rejects zero metrics", func(t *testing.T) {
		err := validUpload(userID, 0).Validate(userID, 0)
		var se *ServiceError
		if !errors.As(err, &se) || se.Code != "no_metrics" {
			t.Fatalf("expected no_metrics, got %v", err)
		}
	})

	t.Run("rejects over ceiling", func(t *testing.T) {
		err := validUpload(userID, 11).Validate(userID, 10)
		var se *ServiceError
		if !errors.As(err, &se) || se.Code != "too_many_metrics" {
			t.Fatalf("expected too_many_metrics, got %v", err)
		}
	})

	t.Run("ceiling is inclusive", func(t *testing.T) {
		if err := validUpload(userID, 10).Validate(userID, 10); err != nil {
			t.Fatalf("unexpected error at exactly the ceiling: %v", err)
		}
	})

	t.Run("rejects path-hostile upload source", func(t *testing.T) {
		u := validUpload(userID, 1)
		u.UploadSource = "../escape"
		err := u.Validate(userID, 0)
		var se *ServiceError
		if !errors.As(err, &se) || se.Code != "bad_upload_source" {
			t.Fatalf("expected bad_upload_source, got %v", err)
		}
	})

	t.Run("rejects control characters in device id", func(t *testing.T) {
		u := validUpload(userID, 1)
		u.Metrics[0].DeviceID = "watch\x00-01"
		err := u.Validate(userID, 0)
		var se *ServiceError
		if !errors.As(err, &se) || se.Code != "bad_device_id" {
			t.Fatalf("expected bad_device_id, got %v", err)
		}
	})

	t.Run("trims device id whitespace", func(t *testing.T) {
		u := validUpload(userID, 1)
		u.Metrics[0].DeviceID = "  watch-01  "
		if err := u.Validate(userID, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.Metrics[0].DeviceID != "watch-01" {
			t.Errorf("device id = %q, want trimmed", u.Metrics[0].DeviceID)
		}
	})

	t.Run("rejects bad metric inside batch", func(t *testing.T) {
		u := validUpload(userID, 3)
		u.Metrics[1].Biometric = nil
		err := u.Validate(userID, 0)
		var se *ServiceError
		if !errors.As(err, &se) || se.Code != "metric_payload_missing" {
			t.Fatalf("expected metric_payload_missing, got %v", err)
		}
	})

	t.Run("rejects oversized sync token", func(t *testing.T) {
		u := validUpload(userID, 1)
		big := make([]byte, MaxSyncTokenBytes+1)
		for i := range big {
			big[i] = 'x'
		}
		u.SyncToken = string(big)
		err := u.Validate(userID, 0)
		var se *ServiceError
		if !errors.As(err, &se) || se.Code != "sync_token_too_large" {
			t.Fatalf("expected sync_token_too_large, got %v", err)
		}
	})
}

// Round-trip law: serializing an accepted upload to the raw-blob JSON and
// deserializing yields an equal document.
func TestRawBlobDocument_RoundTrip(t *testing.T) {
	userID := uuid.NewString()
	u := validUpload(userID, 5)
	pid := uuid.NewString()
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	doc := NewRawBlobDocument(u, pid, now)
	if doc.MetricsCount != 5 {
		t.Fatalf("MetricsCount = %d", doc.MetricsCount)
	}
	if doc.DataSchemaVersion != RawBlobSchemaVersion {
		t.Fatalf("DataSchemaVersion = %q", doc.DataSchemaVersion)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back RawBlobDocument
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.UserID != doc.UserID || back.ProcessingID != doc.ProcessingID {
		t.Errorf("identity mismatch: %+v", back)
	}
	if !back.ServerTimestamp.Equal(doc.ServerTimestamp) {
		t.Errorf("server timestamp mismatch: %v vs %v", back.ServerTimestamp, doc.ServerTimestamp)
	}
	if len(back.Metrics) != len(doc.Metrics) {
		t.Fatalf("metric count mismatch: %d vs %d", len(back.Metrics), len(doc.Metrics))
	}
	for i := range back.Metrics {
		if back.Metrics[i].MetricID != doc.Metrics[i].MetricID {
			t.Errorf("metric %d id mismatch", i)
		}
		got := back.Metrics[i].Biometric
		want := doc.Metrics[i].Biometric
		if got == nil || want == nil || *got.HeartRateBPM != *want.HeartRateBPM {
			t.Errorf("metric %d payload mismatch", i)
		}
	}
}

func TestEstimateProcessingSeconds(t *testing.T) {
	tests := []struct {
		metrics int
		want    int
	}{
		{1, 2},
		{100, 2},
		{1999, 2}, // floor(1999/1000)=1, clamped to 2
		{5000, 5},
		{10000, 10},
	}
	for _, tt := range tests {
		if got := EstimateProcessingSeconds(tt.metrics); got != tt.want {
			t.Errorf("EstimateProcessingSeconds(%d) = %d, want %d", tt.metrics, got, tt.want)
		}
	}
}

func TestSleepFeatures_Vector(t *testing.T) {
	s := SleepFeatures{
		TotalSleepMinutes: 480,
		SleepEfficiency:   0.92,
		SleepLatency:      30,
		WASOMinutes:       240, // clamps to 1
		AwakeningsCount:   25,  // clamps to 1
		REMPercentage:     0.22,
		DeepPercentage:    0.18,
		ConsistencyScore:  0.8,
	}
	v := s.Vector()
	if len(v) != SleepFeatureDim {
		t.Fatalf("len = %d, want %d", len(v), SleepFeatureDim)
	}
	want := []float64{1, 0.92, 0.5, 1, 1, 0.22, 0.18, 0.8}
	for i := range want {
		if diff := v[i] - want[i]; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("v[%d] = %v, want %v", i, v[i], want[i])
		}
	}
}
