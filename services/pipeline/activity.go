// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// ProcessActivityBasic derives the named-feature list for the activity
// bucket: totals for steps, distance, energy and exercise time, a
// per-day consistency score, and the most recent VO2max estimate.
//
// activity_consistency_score is 1 minus the Gini coefficient of per-day
// step totals over the observed window: even daily movement scores near
// one, a single-burst week scores near zero. Empty buckets yield the
// feature names with zero values.
func ProcessActivityBasic(metrics []*datatypes.HealthMetric) []datatypes.NamedFeature {
	var (
		totalSteps    float64
		totalDistance float64
		totalEnergy   float64
		totalExercise float64
		latestVO2     float64
	)
	stepsByDay := make(map[string]float64)
	var latestVO2At int64

	for _, m := range metrics {
		switch m.MetricType {
		case datatypes.MetricStepCount:
			if v, ok := m.PrimaryValue(); ok {
				totalSteps += v
				stepsByDay[m.CreatedAt.UTC().Format("2006-01-02")] += v
			}
		case datatypes.MetricDistanceWalking:
			if v, ok := m.PrimaryValue(); ok {
				totalDistance += v
			}
		case datatypes.MetricActiveEnergy:
			if v, ok := m.PrimaryValue(); ok {
				totalEnergy += v
			}
		case datatypes.MetricExerciseTime:
			if v, ok := m.PrimaryValue(); ok {
				totalExercise += v
			}
		}
		if m.Activity != nil && m.Activity.VO2Max != nil {
			if at := m.CreatedAt.Unix(); at >= latestVO2At {
				latestVO2At = at
				latestVO2 = *m.Activity.VO2Max
			}
		}
	}

	avgDaily := 0.0
	if len(stepsByDay) > 0 {
		avgDaily = totalSteps / float64(len(stepsByDay))
	}

	daily := make([]float64, 0, len(stepsByDay))
	for _, v := range stepsByDay {
		daily = append(daily, v)
	}
	consistency := 0.0
	if len(daily) > 0 {
		consistency = clamp01(1 - gini(daily))
	}

	return []datatypes.NamedFeature{
		{Name: "total_steps", Value: totalSteps},
		{Name: "average_daily_steps", Value: avgDaily},
		{Name: "total_distance", Value: totalDistance / 1000},
		{Name: "total_active_energy", Value: totalEnergy},
		{Name: "total_exercise_minutes", Value: totalExercise},
		{Name: "activity_consistency_score", Value: consistency},
		{Name: "latest_vo2_max", Value: latestVO2},
	}
}
