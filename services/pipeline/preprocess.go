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
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

const (
	// TargetLength is the dense actigraphy length the transformer
	// consumes: one week of 1-minute samples.
	TargetLength = 10080

	// MaxActigraphyPoints is the raw-point ceiling (two weeks of minutes).
	// Larger inputs fail with data_too_large rather than silently truncate
	// an unbounded payload.
	MaxActigraphyPoints = 20160
)

// TimePoint is one raw (timestamp, value) observation.
type TimePoint struct {
	Timestamp time.Time
	Value     float64
}

// Preprocess converts irregular observations into a dense vector of
// exactly targetLength 1-minute samples (TargetLength when 0 is passed):
//
//  1. Observations bucket into 1-minute bins by floor(unix / 60); values
//     within a bin are averaged.
//  2. If the observed span exceeds targetLength bins, the most recent
//     targetLength bins are kept.
//  3. Shorter spans left-pad with zeros, keeping the recency end aligned;
//     missing interior bins are zero-filled.
//
// The output always has length targetLength, including for empty input
// (all zeros). Non-finite values and oversized inputs return a
// DataValidation error.
func Preprocess(points []TimePoint, targetLength int) ([]float64, error) {
	if targetLength <= 0 {
		targetLength = TargetLength
	}
	if len(points) > MaxActigraphyPoints {
		return nil, datatypes.DataValidation("data_too_large",
			fmt.Sprintf("actigraphy has %d points, ceiling is %d", len(points), MaxActigraphyPoints))
	}

	out := make([]float64, targetLength)
	if len(points) == 0 {
		return out, nil
	}

	type bin struct {
		sum   float64
		count int
	}
	bins := make(map[int64]*bin, len(points))
	var minBin, maxBin int64
	first := true
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return nil, datatypes.DataValidation("non_finite_value",
				fmt.Sprintf("actigraphy sample at %s is not finite", p.Timestamp.UTC().Format(time.RFC3339)))
		}
		idx := p.Timestamp.Unix() / 60
		b, ok := bins[idx]
		if !ok {
			b = &bin{}
			bins[idx] = b
		}
		b.sum += p.Value
		b.count++
		if first || idx < minBin {
			minBin = idx
		}
		if first || idx > maxBin {
			maxBin = idx
		}
		first = false
	}

	// Align the newest bin to the last output slot; everything older
	// counts backward from there. Bins before the window drop off.
	for idx, b := range bins {
		pos := targetLength - 1 - int(maxBin-idx)
		if pos < 0 {
			continue
		}
		out[pos] = b.sum / float64(b.count)
	}
	return out, nil
}

// Actigraphy extracts the raw (timestamp, value) trace the transformer
// consumes from an activity bucket, sorted by timestamp. activity_level
// carries the actigraphy magnitude directly; step_count intervals stand
// in for devices that report no raw magnitude.
func Actigraphy(metrics []*datatypes.HealthMetric) []TimePoint {
	var points []TimePoint
	for _, m := range metrics {
		switch m.MetricType {
		case datatypes.MetricActivityLevel, datatypes.MetricStepCount:
			if v, ok := m.PrimaryValue(); ok {
				points = append(points, TimePoint{Timestamp: m.CreatedAt, Value: v})
			}
		}
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}
