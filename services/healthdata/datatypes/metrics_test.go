// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validHeartRateMetric() HealthMetric {
	return HealthMetric{
		MetricID:   uuid.NewString(),
		MetricType: MetricHeartRate,
		CreatedAt:  time.Now().UTC(),
		DeviceID:   "watch-01",
		Biometric:  &BiometricData{HeartRateBPM: Float64Ptr(72)},
	}
}

func TestMetricType_Kind(t *testing.T) {
	tests := []struct {
		metricType MetricType
		want       PayloadKind
	}{
		{MetricHeartRate, PayloadBiometric},
		{MetricHeartRateVariability, PayloadBiometric},
		{MetricBloodPressure, PayloadBiometric},
		{MetricRespiratoryRate, PayloadBiometric},
		{MetricBloodOxygen, PayloadBiometric},
		{MetricStepCount, PayloadActivity},
		{MetricActiveEnergy, PayloadActivity},
		{MetricDistanceWalking, PayloadActivity},
		{MetricExerciseTime, PayloadActivity},
		{MetricActivityLevel, PayloadActivity},
		{MetricSleepAnalysis, PayloadSleep},
		{MetricSleepDuration, PayloadSleep},
		{MetricMoodRating, PayloadMentalHealth},
		{MetricType("skin_temperature"), PayloadUnknown},
	}
	for _, tt := range tests {
		if got := tt.metricType.Kind(); got != tt.want {
			t.Errorf("Kind(%q) = %q, want %q", tt.metricType, got, tt.want)
		}
	}
}

func TestHealthMetric_Validate_ExactlyOneVariant(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*HealthMetric)
		wantCode string
	}{
		{
			name:   "valid",
			mutate: func(m *HealthMetric) {},
		},
		{
			name: "missing payload",
			mutate: func(m *HealthMetric) {
				m.Biometric = nil
			},
			wantCode: "metric_payload_missing",
		},
		{
			name: "two payloads",
			mutate: func(m *HealthMetric) {
				m.Activity = &ActivityData{StepCount: Float64Ptr(100)}
			},
			wantCode: "metric_payload_ambiguous",
		},
		{
			name: "wrong variant",
			mutate: func(m *HealthMetric) {
				m.Biometric = nil
				m.Sleep = &SleepData{DurationMinutes: Float64Ptr(420)}
			},
			wantCode: "metric_payload_mismatch",
		},
		{
			name: "unknown type with payload",
			mutate: func(m *HealthMetric) {
				m.MetricType = "skin_temperature"
			},
			wantCode: "metric_payload_mismatch",
		},
		{
			name: "unknown type bare is fine",
			mutate: func(m *HealthMetric) {
				m.MetricType = "skin_temperature"
				m.Biometric = nil
				m.Raw = map[string]any{"celsius": 36.5}
			},
		},
		{
			name: "out of range heart rate",
			mutate: func(m *HealthMetric) {
				m.Biometric.HeartRateBPM = Float64Ptr(900)
			},
			wantCode: "metric_payload_invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validHeartRateMetric()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var se *ServiceError
			if !errors.As(err, &se) {
				t.Fatalf("expected ServiceError, got %v", err)
			}
			if se.Kind != KindValidation {
				t.Errorf("Kind = %q, want validation", se.Kind)
			}
			if se.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", se.Code, tt.wantCode)
			}
		})
	}
}

func TestHealthMetric_Validate_MalformedIdentity(t *testing.T) {
	m := validHeartRateMetric()
	m.MetricID = "not-a-uuid"
	if m.Validate() == nil {
		t.Error("expected error for malformed metric_id")
	}

	m = validHeartRateMetric()
	m.MetricType = "Heart-Rate"
	if m.Validate() == nil {
		t.Error("expected error for malformed metric_type")
	}
}

func TestHealthMetric_PrimaryValue(t *testing.T) {
	tests := []struct {
		name   string
		metric HealthMetric
		want   float64
		wantOK bool
	}{
		{
			name:   "heart rate",
			metric: validHeartRateMetric(),
			want:   72, wantOK: true,
		},
		{
			name: "steps",
			metric: HealthMetric{
				MetricType: MetricStepCount,
				Activity:   &ActivityData{StepCount: Float64Ptr(340)},
			},
			want: 340, wantOK: true,
		},
		{
			name: "spo2",
			metric: HealthMetric{
				MetricType: MetricBloodOxygen,
				Biometric:  &BiometricData{OxygenSaturation: Float64Ptr(97.5)},
			},
			want: 97.5, wantOK: true,
		},
		{
			name: "activity level",
			metric: HealthMetric{
				MetricType: MetricActivityLevel,
				Activity:   &ActivityData{ActivityLevel: Float64Ptr(12.25)},
			},
			want: 12.25, wantOK: true,
		},
		{
			name: "sleep stage has no scalar",
			metric: HealthMetric{
				MetricType: MetricSleepAnalysis,
				Sleep:      &SleepData{Stage: StageDeep},
			},
			wantOK: false,
		},
		{
			name: "field missing",
			metric: HealthMetric{
				MetricType: MetricHeartRate,
				Biometric:  &BiometricData{},
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.metric.PrimaryValue()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}
