// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline analyzes accepted uploads: it routes metrics into
// modality buckets, derives per-modality feature vectors, runs the
// actigraphy transformer over activity traces, and fuses the modality
// vectors into one representation per job.
package pipeline

import (
	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// Modality names the four processed buckets. "other" collects unknown
// metric types and is ignored downstream.
type Modality string

const (
	ModalityCardio      Modality = "cardio"
	ModalityRespiratory Modality = "respiratory"
	ModalityActivity    Modality = "activity"
	ModalitySleep       Modality = "sleep"
	ModalityOther       Modality = "other"
)

// ModalityOrder is the fixed iteration order for fusion positional
// encoding and bucket traversal. Tests depend on it.
var ModalityOrder = []Modality{ModalityCardio, ModalityRespiratory, ModalityActivity, ModalitySleep}

// routingTable maps metric types to modality buckets. Anything absent
// routes to other.
var routingTable = map[datatypes.MetricType]Modality{
	datatypes.MetricHeartRate:            ModalityCardio,
	datatypes.MetricHeartRateVariability: ModalityCardio,
	datatypes.MetricBloodPressure:        ModalityCardio,
	datatypes.MetricRespiratoryRate:      ModalityRespiratory,
	datatypes.MetricBloodOxygen:          ModalityRespiratory,
	datatypes.MetricStepCount:            ModalityActivity,
	datatypes.MetricActiveEnergy:         ModalityActivity,
	datatypes.MetricDistanceWalking:      ModalityActivity,
	datatypes.MetricExerciseTime:         ModalityActivity,
	datatypes.MetricActivityLevel:        ModalityActivity,
	datatypes.MetricSleepAnalysis:        ModalitySleep,
	datatypes.MetricSleepDuration:        ModalitySleep,
}

// Buckets is one upload's metrics partitioned by modality. Every input
// metric lands in exactly one slice.
type Buckets struct {
	Cardio      []*datatypes.HealthMetric
	Respiratory []*datatypes.HealthMetric
	Activity    []*datatypes.HealthMetric
	Sleep       []*datatypes.HealthMetric
	Other       []*datatypes.HealthMetric
}

// Organize partitions metrics by the routing table. Pure function;
// relative order within each bucket preserves input order.
func Organize(metrics []*datatypes.HealthMetric) *Buckets {
	b := &Buckets{}
	for _, m := range metrics {
		switch routingTable[m.MetricType] {
		case ModalityCardio:
			b.Cardio = append(b.Cardio, m)
		case ModalityRespiratory:
			b.Respiratory = append(b.Respiratory, m)
		case ModalityActivity:
			b.Activity = append(b.Activity, m)
		case ModalitySleep:
			b.Sleep = append(b.Sleep, m)
		default:
			b.Other = append(b.Other, m)
		}
	}
	return b
}

// Bucket returns the slice for a processed modality; nil for other.
func (b *Buckets) Bucket(m Modality) []*datatypes.HealthMetric {
	switch m {
	case ModalityCardio:
		return b.Cardio
	case ModalityRespiratory:
		return b.Respiratory
	case ModalityActivity:
		return b.Activity
	case ModalitySleep:
		return b.Sleep
	case ModalityOther:
		return b.Other
	}
	return nil
}

// Counts reports per-bucket sizes in ModalityOrder plus other, for
// summary stats.
func (b *Buckets) Counts() map[string]int {
	return map[string]int{
		string(ModalityCardio):      len(b.Cardio),
		string(ModalityRespiratory): len(b.Respiratory),
		string(ModalityActivity):    len(b.Activity),
		string(ModalitySleep):       len(b.Sleep),
		string(ModalityOther):       len(b.Other),
	}
}
