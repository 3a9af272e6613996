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

// ProcessRespiratory derives the 8-wide respiratory feature vector:
// [mean_rr, std_rr, min_rr, mean_spo2, min_spo2, spo2_variability,
// respiratory_stability, oxygenation_efficiency].
//
// respiratory_stability is 1 minus the coefficient of variation of the
// respiratory rate, clamped to [0,1]. oxygenation_efficiency is the
// fraction of SpO2 samples above 95%. Empty buckets yield a zero vector.
func ProcessRespiratory(metrics []*datatypes.HealthMetric) []float64 {
	out := make([]float64, datatypes.RespiratoryFeatureDim)
	if len(metrics) == 0 {
		return out
	}

	var rr, spo2 []float64
	for _, m := range metrics {
		v, ok := m.PrimaryValue()
		if !ok {
			continue
		}
		switch m.MetricType {
		case datatypes.MetricRespiratoryRate:
			rr = append(rr, v)
		case datatypes.MetricBloodOxygen:
			spo2 = append(spo2, v)
		}
	}

	out[0] = mean(rr)
	out[1] = stddev(rr)
	out[2] = minOf(rr)
	out[3] = mean(spo2)
	out[4] = minOf(spo2)
	out[5] = stddev(spo2)

	if m := mean(rr); m > 0 {
		out[6] = clamp01(1 - stddev(rr)/m)
	}
	if len(spo2) > 0 {
		above := 0
		for _, v := range spo2 {
			if v > 95 {
				above++
			}
		}
		out[7] = float64(above) / float64(len(spo2))
	}
	return out
}
