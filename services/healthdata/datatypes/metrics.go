// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the health-data service.
//
// This file contains the HealthMetric tagged union and its payload
// variants. For upload envelope types see upload.go; for job and result
// types see job.go and result.go.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
)

// =============================================================================
// Metric Types
// =============================================================================

// MetricType identifies the kind of measurement a HealthMetric carries.
//
// The value doubles as the payload-variant discriminator: each type maps
// to exactly one of the four payload variants (see PayloadKind). Unknown
// types are tolerated on ingest and routed to the "other" modality bucket
// downstream.
type MetricType string

const (
	MetricHeartRate            MetricType = "heart_rate"
	MetricHeartRateVariability MetricType = "heart_rate_variability"
	MetricBloodPressure        MetricType = "blood_pressure"
	MetricRespiratoryRate      MetricType = "respiratory_rate"
	MetricBloodOxygen          MetricType = "blood_oxygen"
	MetricStepCount            MetricType = "step_count"
	MetricActiveEnergy         MetricType = "active_energy"
	MetricDistanceWalking      MetricType = "distance_walking"
	MetricExerciseTime         MetricType = "exercise_time"
	MetricActivityLevel        MetricType = "activity_level"
	MetricSleepAnalysis        MetricType = "sleep_analysis"
	MetricSleepDuration        MetricType = "sleep_duration"
	MetricMindfulSession       MetricType = "mindful_session"
	MetricMoodRating           MetricType = "mood_rating"
)

// PayloadKind names the four payload variants of the tagged union.
type PayloadKind string

const (
	PayloadBiometric    PayloadKind = "biometric"
	PayloadActivity     PayloadKind = "activity"
	PayloadSleep        PayloadKind = "sleep"
	PayloadMentalHealth PayloadKind = "mental"
	// PayloadUnknown marks metric types outside the routing table; they
	// carry raw data only and are ignored by downstream processors.
	PayloadUnknown PayloadKind = "unknown"
)

// payloadKinds maps each known metric type to its required payload variant.
var payloadKinds = map[MetricType]PayloadKind{
	MetricHeartRate:            PayloadBiometric,
	MetricHeartRateVariability: PayloadBiometric,
	MetricBloodPressure:        PayloadBiometric,
	MetricRespiratoryRate:      PayloadBiometric,
	MetricBloodOxygen:          PayloadBiometric,
	MetricStepCount:            PayloadActivity,
	MetricActiveEnergy:         PayloadActivity,
	MetricDistanceWalking:      PayloadActivity,
	MetricExerciseTime:         PayloadActivity,
	MetricActivityLevel:        PayloadActivity,
	MetricSleepAnalysis:        PayloadSleep,
	MetricSleepDuration:        PayloadSleep,
	MetricMindfulSession:       PayloadMentalHealth,
	MetricMoodRating:           PayloadMentalHealth,
}

// Kind returns the payload variant this metric type must carry, or
// PayloadUnknown for types outside the table.
func (m MetricType) Kind() PayloadKind {
	if k, ok := payloadKinds[m]; ok {
		return k
	}
	return PayloadUnknown
}

// =============================================================================
// Payload Variants
// =============================================================================

// BiometricData carries cardio-respiratory point measurements. Every
// field is optional; which fields are set depends on the metric type
// (heart_rate sets HeartRateBPM, blood_oxygen sets OxygenSaturation, ...).
type BiometricData struct {
	// HeartRateBPM is the instantaneous heart rate in beats per minute.
	HeartRateBPM *float64 `json:"heart_rate_bpm,omitempty" validate:"omitempty,gte=20,lte=300"`

	// HRVMilliseconds is the RMSSD-style beat-to-beat variability in ms.
	HRVMilliseconds *float64 `json:"hrv_ms,omitempty" validate:"omitempty,gte=0,lte=500"`

	// SystolicMmHg and DiastolicMmHg carry a blood pressure reading.
	SystolicMmHg  *float64 `json:"systolic_mmhg,omitempty" validate:"omitempty,gte=40,lte=300"`
	DiastolicMmHg *float64 `json:"diastolic_mmhg,omitempty" validate:"omitempty,gte=20,lte=200"`

	// RespiratoryRate is breaths per minute.
	RespiratoryRate *float64 `json:"respiratory_rate,omitempty" validate:"omitempty,gte=2,lte=80"`

	// OxygenSaturation is SpO2 as a percentage (0-100).
	OxygenSaturation *float64 `json:"oxygen_saturation,omitempty" validate:"omitempty,gte=0,lte=100"`

	// BodyTemperatureC is core or skin temperature in Celsius.
	BodyTemperatureC *float64 `json:"body_temperature_c,omitempty" validate:"omitempty,gte=25,lte=45"`
}

// ActivityData carries movement and energy measurements.
type ActivityData struct {
	// StepCount is steps in the sample interval.
	StepCount *float64 `json:"step_count,omitempty" validate:"omitempty,gte=0"`

	// ActiveEnergyKcal is active energy burned in kilocalories.
	ActiveEnergyKcal *float64 `json:"active_energy_kcal,omitempty" validate:"omitempty,gte=0"`

	// DistanceMeters is distance walked or run in meters.
	DistanceMeters *float64 `json:"distance_meters,omitempty" validate:"omitempty,gte=0"`

	// ExerciseMinutes is minutes of recognized exercise.
	ExerciseMinutes *float64 `json:"exercise_minutes,omitempty" validate:"omitempty,gte=0,lte=1440"`

	// ActivityLevel is the raw actigraphy magnitude for the interval.
	// This is the signal the PAT transformer consumes.
	ActivityLevel *float64 `json:"activity_level,omitempty" validate:"omitempty,gte=0"`

	// VO2Max is the estimated maximal oxygen uptake (ml/kg/min).
	VO2Max *float64 `json:"vo2_max,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// SleepStage names a sleep-analysis stage interval.
type SleepStage string

const (
	StageAwake SleepStage = "awake"
	StageLight SleepStage = "light"
	StageDeep  SleepStage = "deep"
	StageREM   SleepStage = "rem"
	StageInBed SleepStage = "in_bed"
)

// SleepData carries one sleep-analysis interval or a nightly summary.
type SleepData struct {
	// Stage is the sleep stage for interval samples.
	Stage SleepStage `json:"stage,omitempty"`

	// StartTime and EndTime bound the interval.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// DurationMinutes is set for sleep_duration summaries.
	DurationMinutes *float64 `json:"duration_minutes,omitempty" validate:"omitempty,gte=0,lte=1440"`

	// Efficiency is time-asleep / time-in-bed for summaries, in [0,1].
	Efficiency *float64 `json:"efficiency,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// MentalHealthData carries self-reported or derived mental state points.
type MentalHealthData struct {
	// MoodRating is a self-reported mood on a 1-10 scale.
	MoodRating *float64 `json:"mood_rating,omitempty" validate:"omitempty,gte=1,lte=10"`

	// MindfulMinutes is minutes of a mindfulness session.
	MindfulMinutes *float64 `json:"mindful_minutes,omitempty" validate:"omitempty,gte=0,lte=1440"`

	// StressLevel is a derived stress score in [0,1].
	StressLevel *float64 `json:"stress_level,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// =============================================================================
// HealthMetric
// =============================================================================

// HealthMetric is one timestamped measurement from a wearable.
//
// # Tagged Union Invariant
//
// Exactly one of Biometric, Activity, Sleep, MentalHealth is non-nil, and
// the populated variant must match MetricType.Kind(). Metrics with an
// unknown type carry no variant (all four nil) and only Raw data.
// Validate() enforces both directions; the control plane rejects the
// whole upload on the first violation.
//
// Out-of-order CreatedAt values per device are tolerated: the
// preprocessor re-buckets by timestamp.
type HealthMetric struct {
	// MetricID uniquely identifies this measurement.
	MetricID string `json:"metric_id" validate:"required,uuid4_rfc4122"`

	// MetricType discriminates the payload variant.
	MetricType MetricType `json:"metric_type" validate:"required,metrictype"`

	// CreatedAt is the measurement timestamp, UTC, tz-aware on the wire.
	CreatedAt time.Time `json:"created_at" validate:"required"`

	// DeviceID identifies the source device; empty when unknown.
	DeviceID string `json:"device_id,omitempty"`

	// Exactly one of the following four is non-nil for known types.
	Biometric    *BiometricData    `json:"biometric_data,omitempty"`
	Activity     *ActivityData     `json:"activity_data,omitempty"`
	Sleep        *SleepData        `json:"sleep_data,omitempty"`
	MentalHealth *MentalHealthData `json:"mental_health_data,omitempty"`

	// Raw preserves fields the schema doesn't model.
	Raw map[string]any `json:"raw,omitempty"`

	// Metadata carries client-supplied annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// metricValidate validates HealthMetric and payload structs.
var metricValidate *validator.Validate

func init() {
	metricValidate = validator.New()
	_ = metricValidate.RegisterValidation("metrictype", validateMetricTypeTag)
}

// validateMetricTypeTag accepts any lowercase snake_case identifier.
// Unknown types route to "other" downstream; only malformed ones fail,
// since metric types end up in structured-store sort keys.
func validateMetricTypeTag(fl validator.FieldLevel) bool {
	return validation.ValidateMetricType(fl.Field().String()) == nil
}

// populatedVariants returns the PayloadKinds whose pointer is non-nil.
func (m *HealthMetric) populatedVariants() []PayloadKind {
	var kinds []PayloadKind
	if m.Biometric != nil {
		kinds = append(kinds, PayloadBiometric)
	}
	if m.Activity != nil {
		kinds = append(kinds, PayloadActivity)
	}
	if m.Sleep != nil {
		kinds = append(kinds, PayloadSleep)
	}
	if m.MentalHealth != nil {
		kinds = append(kinds, PayloadMentalHealth)
	}
	return kinds
}

// Validate checks structural validity and the tagged-union invariant.
//
// Returns a ValidationError (KindValidation) describing the first
// violation found, or nil.
func (m *HealthMetric) Validate() error {
	if err := metricValidate.Struct(m); err != nil {
		return Validation("metric_invalid", fmt.Sprintf("metric %s failed validation: %v", m.MetricID, err))
	}
	if m.CreatedAt.IsZero() {
		return Validation("metric_timestamp_missing", fmt.Sprintf("metric %s has no created_at", m.MetricID))
	}

	want := m.MetricType.Kind()
	got := m.populatedVariants()

	if want == PayloadUnknown {
		if len(got) != 0 {
			return Validation("metric_payload_mismatch",
				fmt.Sprintf("metric %s has unknown type %q but carries a %s payload", m.MetricID, m.MetricType, got[0]))
		}
		return nil
	}

	if len(got) == 0 {
		return Validation("metric_payload_missing",
			fmt.Sprintf("metric %s of type %q requires a %s payload", m.MetricID, m.MetricType, want))
	}
	if len(got) > 1 {
		return Validation("metric_payload_ambiguous",
			fmt.Sprintf("metric %s carries %d payload variants, exactly one allowed", m.MetricID, len(got)))
	}
	if got[0] != want {
		return Validation("metric_payload_mismatch",
			fmt.Sprintf("metric %s of type %q carries a %s payload, expected %s", m.MetricID, m.MetricType, got[0], want))
	}

	// Validate the populated variant's field ranges.
	var payloadErr error
	switch got[0] {
	case PayloadBiometric:
		payloadErr = metricValidate.Struct(m.Biometric)
	case PayloadActivity:
		payloadErr = metricValidate.Struct(m.Activity)
	case PayloadSleep:
		payloadErr = metricValidate.Struct(m.Sleep)
	case PayloadMentalHealth:
		payloadErr = metricValidate.Struct(m.MentalHealth)
	}
	if payloadErr != nil {
		return Validation("metric_payload_invalid",
			fmt.Sprintf("metric %s payload out of range: %v", m.MetricID, payloadErr))
	}
	return nil
}

// NewMetricID returns a fresh metric identifier.
func NewMetricID() string {
	return uuid.NewString()
}

// PrimaryValue extracts the single scalar most representative of this
// metric, used by the preprocessor when bucketing time series:
// heart rate in BPM, SpO2 percent, steps, activity magnitude, etc.
// Returns (0, false) when no scalar applies.
func (m *HealthMetric) PrimaryValue() (float64, bool) {
	switch m.MetricType {
	case MetricHeartRate:
		if m.Biometric != nil && m.Biometric.HeartRateBPM != nil {
			return *m.Biometric.HeartRateBPM, true
		}
	case MetricHeartRateVariability:
		if m.Biometric != nil && m.Biometric.HRVMilliseconds != nil {
			return *m.Biometric.HRVMilliseconds, true
		}
	case MetricBloodPressure:
		if m.Biometric != nil && m.Biometric.SystolicMmHg != nil {
			return *m.Biometric.SystolicMmHg, true
		}
	case MetricRespiratoryRate:
		if m.Biometric != nil && m.Biometric.RespiratoryRate != nil {
			return *m.Biometric.RespiratoryRate, true
		}
	case MetricBloodOxygen:
		if m.Biometric != nil && m.Biometric.OxygenSaturation != nil {
			return *m.Biometric.OxygenSaturation, true
		}
	case MetricStepCount:
		if m.Activity != nil && m.Activity.StepCount != nil {
			return *m.Activity.StepCount, true
		}
	case MetricActiveEnergy:
		if m.Activity != nil && m.Activity.ActiveEnergyKcal != nil {
			return *m.Activity.ActiveEnergyKcal, true
		}
	case MetricDistanceWalking:
		if m.Activity != nil && m.Activity.DistanceMeters != nil {
			return *m.Activity.DistanceMeters, true
		}
	case MetricExerciseTime:
		if m.Activity != nil && m.Activity.ExerciseMinutes != nil {
			return *m.Activity.ExerciseMinutes, true
		}
	case MetricActivityLevel:
		if m.Activity != nil && m.Activity.ActivityLevel != nil {
			return *m.Activity.ActivityLevel, true
		}
	case MetricSleepDuration:
		if m.Sleep != nil && m.Sleep.DurationMinutes != nil {
			return *m.Sleep.DurationMinutes, true
		}
	}
	return 0, false
}

// Float64Ptr is a convenience for building metric payloads in tests and
// client adapters.
func Float64Ptr(v float64) *float64 { return &v }
