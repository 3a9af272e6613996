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
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// hrSample is one timestamped heart-rate observation.
type hrSample struct {
	at    time.Time
	value float64
}

// ProcessCardio derives the 8-wide cardio feature vector:
// [mean_hr, std_hr, resting_hr, max_hr, mean_hrv, hrv_rmssd,
// hr_recovery, circadian_phase].
//
// resting_hr is the 5th percentile of heart rate over the trailing 24 h,
// hr_recovery averages peak-minus-60s-post-peak drops across detected
// peaks, and circadian_phase is the phase (radians) of a first-harmonic
// sinusoid fit over the 24-hour cycle. Empty buckets yield a zero vector.
func ProcessCardio(metrics []*datatypes.HealthMetric) []float64 {
	out := make([]float64, datatypes.CardioFeatureDim)
	if len(metrics) == 0 {
		return out
	}

	var hr []hrSample
	var hrv []float64
	for _, m := range metrics {
		v, ok := m.PrimaryValue()
		if !ok {
			continue
		}
		switch m.MetricType {
		case datatypes.MetricHeartRate:
			hr = append(hr, hrSample{at: m.CreatedAt, value: v})
		case datatypes.MetricHeartRateVariability:
			hrv = append(hrv, v)
		}
	}
	sort.Slice(hr, func(i, j int) bool { return hr[i].at.Before(hr[j].at) })

	hrValues := make([]float64, len(hr))
	for i, s := range hr {
		hrValues[i] = s.value
	}

	out[0] = mean(hrValues)
	out[1] = stddev(hrValues)
	out[2] = restingHR(hr)
	out[3] = maxOf(hrValues)
	out[4] = mean(hrv)
	out[5] = hrRMSSD(hrValues)
	out[6] = hrRecovery(hr)
	out[7] = circadianPhase(hr)
	return out
}

// restingHR is the 5th percentile of HR samples within 24h of the most
// recent sample.
func restingHR(hr []hrSample) float64 {
	if len(hr) == 0 {
		return 0
	}
	cutoff := hr[len(hr)-1].at.Add(-24 * time.Hour)
	var recent []float64
	for _, s := range hr {
		if !s.at.Before(cutoff) {
			recent = append(recent, s.value)
		}
	}
	return percentile(recent, 5)
}

// hrRMSSD converts BPM samples to RR intervals (ms) and computes the
// root-mean-square of successive differences.
func hrRMSSD(bpm []float64) float64 {
	if len(bpm) < 2 {
		return 0
	}
	rr := make([]float64, 0, len(bpm))
	for _, v := range bpm {
		if v > 0 {
			rr = append(rr, 60000/v)
		}
	}
	if len(rr) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(rr); i++ {
		d := rr[i] - rr[i-1]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(rr)-1))
}

// hrRecovery detects local HR peaks above mean + 0.5 std and averages
// the drop to the first sample at least 60 s after each peak.
func hrRecovery(hr []hrSample) float64 {
	if len(hr) < 3 {
		return 0
	}
	values := make([]float64, len(hr))
	for i, s := range hr {
		values[i] = s.value
	}
	threshold := mean(values) + 0.5*stddev(values)

	var drops []float64
	for i := 1; i < len(hr)-1; i++ {
		if hr[i].value <= threshold {
			continue
		}
		if hr[i].value <= hr[i-1].value || hr[i].value <= hr[i+1].value {
			continue
		}
		// First sample >= 60s after the peak.
		for j := i + 1; j < len(hr); j++ {
			if hr[j].at.Sub(hr[i].at) >= time.Minute {
				drops = append(drops, hr[i].value-hr[j].value)
				break
			}
		}
	}
	return mean(drops)
}

// circadianPhase fits a first-harmonic sinusoid over the 24-hour cycle
// and returns the argmax phase in radians, normalized to [0, 2*pi).
func circadianPhase(hr []hrSample) float64 {
	if len(hr) < 2 {
		return 0
	}
	const omega = 2 * math.Pi / (24 * 3600)
	m := 0.0
	for _, s := range hr {
		m += s.value
	}
	m /= float64(len(hr))

	var a, b float64
	for _, s := range hr {
		t := float64(s.at.Unix() % (24 * 3600))
		a += (s.value - m) * math.Cos(omega*t)
		b += (s.value - m) * math.Sin(omega*t)
	}
	phase := math.Atan2(b, a)
	if phase < 0 {
		phase += 2 * math.Pi
	}
	return phase
}
