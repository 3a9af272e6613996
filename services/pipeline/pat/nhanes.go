// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pat

// NHANES population normative statistics for derived features, used to
// express a subject's values as z-scores against the reference adult
// population. Static snapshot; not user-configurable.
type referenceStat struct {
	Mean   float64
	StdDev float64
}

var nhanesReference = map[string]referenceStat{
	"mean_hr":             {Mean: 72.0, StdDev: 10.5},
	"resting_hr":          {Mean: 62.0, StdDev: 9.0},
	"mean_hrv":            {Mean: 42.0, StdDev: 15.0},
	"mean_rr":             {Mean: 15.0, StdDev: 3.0},
	"mean_spo2":           {Mean: 97.0, StdDev: 1.2},
	"total_sleep_minutes": {Mean: 420.0, StdDev: 60.0},
	"sleep_efficiency":    {Mean: 0.88, StdDev: 0.07},
	"average_daily_steps": {Mean: 6500.0, StdDev: 2800.0},
}

// ZScores converts named feature values to z-scores against the NHANES
// reference. Features without a reference entry are omitted.
func ZScores(features map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for name, value := range features {
		ref, ok := nhanesReference[name]
		if !ok || ref.StdDev == 0 {
			continue
		}
		out[name] = (value - ref.Mean) / ref.StdDev
	}
	return out
}
