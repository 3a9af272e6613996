// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"math"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

var t0 = time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)

func hrMetric(at time.Time, bpm float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricHeartRate,
		CreatedAt:  at,
		Biometric:  &datatypes.BiometricData{HeartRateBPM: datatypes.Float64Ptr(bpm)},
	}
}

func hrvMetric(at time.Time, ms float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricHeartRateVariability,
		CreatedAt:  at,
		Biometric:  &datatypes.BiometricData{HRVMilliseconds: datatypes.Float64Ptr(ms)},
	}
}

func rrMetric(at time.Time, breaths float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricRespiratoryRate,
		CreatedAt:  at,
		Biometric:  &datatypes.BiometricData{RespiratoryRate: datatypes.Float64Ptr(breaths)},
	}
}

func spo2Metric(at time.Time, pct float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricBloodOxygen,
		CreatedAt:  at,
		Biometric:  &datatypes.BiometricData{OxygenSaturation: datatypes.Float64Ptr(pct)},
	}
}

func stepMetric(at time.Time, steps float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricStepCount,
		CreatedAt:  at,
		Activity:   &datatypes.ActivityData{StepCount: datatypes.Float64Ptr(steps)},
	}
}

func activityLevelMetric(at time.Time, level float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricActivityLevel,
		CreatedAt:  at,
		Activity:   &datatypes.ActivityData{ActivityLevel: datatypes.Float64Ptr(level)},
	}
}

func stageMetric(stage datatypes.SleepStage, start, end time.Time) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricSleepAnalysis,
		CreatedAt:  start,
		Sleep:      &datatypes.SleepData{Stage: stage, StartTime: &start, EndTime: &end},
	}
}

func summaryMetric(at time.Time, minutes, eff float64) *datatypes.HealthMetric {
	return &datatypes.HealthMetric{
		MetricID:   datatypes.NewMetricID(),
		MetricType: datatypes.MetricSleepDuration,
		CreatedAt:  at,
		Sleep: &datatypes.SleepData{
			DurationMinutes: datatypes.Float64Ptr(minutes),
			Efficiency:      datatypes.Float64Ptr(eff),
		},
	}
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestProcessCardio_Features(t *testing.T) {
	metrics := []*datatypes.HealthMetric{
		hrMetric(t0, 60),
		hrMetric(t0.Add(1*time.Minute), 60),
		hrMetric(t0.Add(2*time.Minute), 100), // peak
		hrMetric(t0.Add(3*time.Minute), 60),
		hrMetric(t0.Add(4*time.Minute), 60),
		hrvMetric(t0, 40),
		hrvMetric(t0.Add(time.Minute), 50),
	}
	out := ProcessCardio(metrics)
	if len(out) != datatypes.CardioFeatureDim {
		t.Fatalf("len = %d", len(out))
	}
	approx(t, "mean_hr", out[0], 68, 1e-9)
	approx(t, "std_hr", out[1], 16, 1e-9)
	approx(t, "resting_hr", out[2], 60, 1e-9)
	approx(t, "max_hr", out[3], 100, 1e-9)
	approx(t, "mean_hrv", out[4], 45, 1e-9)
	// Peak at 100 recovers to 60 one minute later.
	approx(t, "hr_recovery", out[6], 40, 1e-9)
	if out[7] < 0 || out[7] >= 2*math.Pi {
		t.Errorf("circadian_phase = %v, want [0, 2pi)", out[7])
	}
}

func TestProcessCardio_Empty(t *testing.T) {
	out := ProcessCardio(nil)
	if len(out) != datatypes.CardioFeatureDim {
		t.Fatalf("len = %d", len(out))
	}
	for i, v := range out {
		if v != 0 {
			t.Errorf("out[%d] = %v, want 0", i, v)
		}
	}
}

func TestProcessRespiratory_Features(t *testing.T) {
	metrics := []*datatypes.HealthMetric{
		rrMetric(t0, 12),
		rrMetric(t0.Add(time.Minute), 14),
		rrMetric(t0.Add(2*time.Minute), 16),
		spo2Metric(t0, 98),
		spo2Metric(t0.Add(time.Minute), 94),
	}
	out := ProcessRespiratory(metrics)
	approx(t, "mean_rr", out[0], 14, 1e-9)
	approx(t, "min_rr", out[2], 12, 1e-9)
	approx(t, "mean_spo2", out[3], 96, 1e-9)
	approx(t, "min_spo2", out[4], 94, 1e-9)
	wantStability := 1 - math.Sqrt(8.0/3.0)/14
	approx(t, "respiratory_stability", out[6], wantStability, 1e-9)
	approx(t, "oxygenation_efficiency", out[7], 0.5, 1e-9)
}

func TestProcessActivityBasic_Features(t *testing.T) {
	day1 := time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	vo2Old, vo2New := 41.0, 43.0
	metrics := []*datatypes.HealthMetric{
		stepMetric(day1, 5000),
		stepMetric(day2, 5000),
		{
			MetricID:   datatypes.NewMetricID(),
			MetricType: datatypes.MetricDistanceWalking,
			CreatedAt:  day1,
			Activity:   &datatypes.ActivityData{DistanceMeters: datatypes.Float64Ptr(2000), VO2Max: &vo2Old},
		},
		{
			MetricID:   datatypes.NewMetricID(),
			MetricType: datatypes.MetricExerciseTime,
			CreatedAt:  day2,
			Activity:   &datatypes.ActivityData{ExerciseMinutes: datatypes.Float64Ptr(30), VO2Max: &vo2New},
		},
	}
	features := ProcessActivityBasic(metrics)
	byName := make(map[string]float64, len(features))
	for _, f := range features {
		byName[f.Name] = f.Value
	}
	approx(t, "total_steps", byName["total_steps"], 10000, 1e-9)
	approx(t, "average_daily_steps", byName["average_daily_steps"], 5000, 1e-9)
	approx(t, "total_distance", byName["total_distance"], 2, 1e-9) // km
	approx(t, "total_exercise_minutes", byName["total_exercise_minutes"], 30, 1e-9)
	// Identical daily totals: perfectly consistent.
	approx(t, "activity_consistency_score", byName["activity_consistency_score"], 1, 1e-9)
	approx(t, "latest_vo2_max", byName["latest_vo2_max"], vo2New, 1e-9)
}

func TestProcessSleep_StagedIntervals(t *testing.T) {
	night := time.Date(2026, 8, 19, 23, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return night.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	metrics := []*datatypes.HealthMetric{
		stageMetric(datatypes.StageInBed, at(0, 0), at(8, 0)),
		stageMetric(datatypes.StageLight, at(0, 20), at(2, 0)),
		stageMetric(datatypes.StageDeep, at(2, 0), at(3, 0)),
		stageMetric(datatypes.StageAwake, at(3, 0), at(3, 10)),
		stageMetric(datatypes.StageREM, at(3, 10), at(4, 0)),
		stageMetric(datatypes.StageLight, at(4, 0), at(7, 30)),
	}
	out := ProcessSleep(metrics)
	approx(t, "total_sleep", out.TotalSleepMinutes, 420, 1e-9)
	approx(t, "rem_pct", out.REMPercentage, 50.0/420, 1e-9)
	approx(t, "deep_pct", out.DeepPercentage, 60.0/420, 1e-9)
	approx(t, "waso", out.WASOMinutes, 10, 1e-9)
	approx(t, "awakenings", out.AwakeningsCount, 1, 1e-9)
	approx(t, "efficiency", out.SleepEfficiency, 420.0/480, 1e-9)
	approx(t, "latency", out.SleepLatency, 20, 1e-9)
	approx(t, "consistency", out.ConsistencyScore, 1, 1e-9) // single night
}

func TestProcessSleep_SummaryFallback(t *testing.T) {
	metrics := []*datatypes.HealthMetric{
		summaryMetric(t0, 420, 0.9),
		summaryMetric(t0.Add(24*time.Hour), 400, 0.9),
	}
	out := ProcessSleep(metrics)
	approx(t, "total_sleep", out.TotalSleepMinutes, 410, 1e-9)
	approx(t, "efficiency", out.SleepEfficiency, 0.9, 1e-9)
	approx(t, "consistency", out.ConsistencyScore, 1-10.0/410, 1e-9)
}

func TestNightOf_BeforeNoonBelongsToPreviousDay(t *testing.T) {
	if got := nightOf(time.Date(2026, 8, 20, 2, 30, 0, 0, time.UTC)); got != "2026-08-19" {
		t.Errorf("2:30am night = %s, want 2026-08-19", got)
	}
	if got := nightOf(time.Date(2026, 8, 20, 23, 0, 0, 0, time.UTC)); got != "2026-08-20" {
		t.Errorf("11pm night = %s, want 2026-08-20", got)
	}
}
