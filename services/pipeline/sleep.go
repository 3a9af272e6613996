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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// sleepInterval is one staged span from a sleep_analysis metric.
type sleepInterval struct {
	stage datatypes.SleepStage
	start time.Time
	end   time.Time
}

func (s sleepInterval) minutes() float64 {
	return s.end.Sub(s.start).Minutes()
}

func isAsleep(stage datatypes.SleepStage) bool {
	switch stage {
	case datatypes.StageLight, datatypes.StageDeep, datatypes.StageREM:
		return true
	}
	return false
}

// ProcessSleep derives sleep architecture features from staged
// sleep_analysis intervals, falling back to sleep_duration summaries
// when no staged data exists. Empty buckets yield the zero struct.
//
// WASO counts awake minutes between first sleep onset and final sleep
// end; consistency is 1 minus the coefficient of variation of per-night
// sleep totals.
func ProcessSleep(metrics []*datatypes.HealthMetric) *datatypes.SleepFeatures {
	out := &datatypes.SleepFeatures{}
	if len(metrics) == 0 {
		return out
	}

	var intervals []sleepInterval
	var summaryMinutes, summaryEff []float64
	for _, m := range metrics {
		if m.Sleep == nil {
			continue
		}
		switch m.MetricType {
		case datatypes.MetricSleepAnalysis:
			if m.Sleep.StartTime != nil && m.Sleep.EndTime != nil && m.Sleep.EndTime.After(*m.Sleep.StartTime) {
				intervals = append(intervals, sleepInterval{
					stage: m.Sleep.Stage,
					start: *m.Sleep.StartTime,
					end:   *m.Sleep.EndTime,
				})
			}
		case datatypes.MetricSleepDuration:
			if m.Sleep.DurationMinutes != nil {
				summaryMinutes = append(summaryMinutes, *m.Sleep.DurationMinutes)
			}
			if m.Sleep.Efficiency != nil {
				summaryEff = append(summaryEff, *m.Sleep.Efficiency)
			}
		}
	}

	if len(intervals) == 0 {
		return sleepFromSummaries(summaryMinutes, summaryEff)
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start.Before(intervals[j].start) })

	var totalAsleep, rem, deep float64
	nightly := make(map[string]float64)
	var onset, lastSleepEnd time.Time
	for _, iv := range intervals {
		if !isAsleep(iv.stage) {
			continue
		}
		mins := iv.minutes()
		totalAsleep += mins
		nightly[nightOf(iv.start)] += mins
		switch iv.stage {
		case datatypes.StageREM:
			rem += mins
		case datatypes.StageDeep:
			deep += mins
		}
		if onset.IsZero() {
			onset = iv.start
		}
		if iv.end.After(lastSleepEnd) {
			lastSleepEnd = iv.end
		}
	}

	var waso float64
	var awakenings int
	if !onset.IsZero() {
		for _, iv := range intervals {
			if iv.stage == datatypes.StageAwake && !iv.start.Before(onset) && iv.start.Before(lastSleepEnd) {
				waso += iv.minutes()
				awakenings++
			}
		}
	}

	out.TotalSleepMinutes = totalAsleep
	out.WASOMinutes = waso
	out.AwakeningsCount = float64(awakenings)
	if totalAsleep > 0 {
		out.REMPercentage = rem / totalAsleep
		out.DeepPercentage = deep / totalAsleep
	}

	// Efficiency over the in-bed span: explicit in_bed intervals when
	// present, otherwise first-to-last interval bounds.
	inBedStart, inBedEnd := bedSpan(intervals)
	if span := inBedEnd.Sub(inBedStart).Minutes(); span > 0 {
		out.SleepEfficiency = clamp01(totalAsleep / span)
	}
	if !onset.IsZero() && onset.After(inBedStart) {
		out.SleepLatency = onset.Sub(inBedStart).Minutes()
	}

	out.ConsistencyScore = nightlyConsistency(nightly)
	return out
}

// nightOf assigns an interval to a night: spans starting before noon
// belong to the previous calendar day, so one sleep episode crossing
// midnight counts as a single night.
func nightOf(start time.Time) string {
	start = start.UTC()
	if start.Hour() < 12 {
		start = start.AddDate(0, 0, -1)
	}
	return start.Format("2006-01-02")
}

func bedSpan(intervals []sleepInterval) (time.Time, time.Time) {
	var start, end time.Time
	haveInBed := false
	for _, iv := range intervals {
		if iv.stage == datatypes.StageInBed {
			if !haveInBed || iv.start.Before(start) {
				start = iv.start
			}
			if iv.end.After(end) {
				end = iv.end
			}
			haveInBed = true
		}
	}
	if haveInBed {
		return start, end
	}
	return intervals[0].start, intervals[len(intervals)-1].end
}

func nightlyConsistency(nightly map[string]float64) float64 {
	if len(nightly) < 2 {
		if len(nightly) == 1 {
			return 1
		}
		return 0
	}
	totals := make([]float64, 0, len(nightly))
	for _, v := range nightly {
		totals = append(totals, v)
	}
	m := mean(totals)
	if m <= 0 {
		return 0
	}
	return clamp01(1 - stddev(totals)/m)
}

func sleepFromSummaries(minutes, eff []float64) *datatypes.SleepFeatures {
	out := &datatypes.SleepFeatures{}
	if len(minutes) == 0 && len(eff) == 0 {
		return out
	}
	out.TotalSleepMinutes = mean(minutes)
	out.SleepEfficiency = clamp01(mean(eff))
	if m := mean(minutes); m > 0 && len(minutes) >= 2 {
		out.ConsistencyScore = clamp01(1 - stddev(minutes)/m)
	} else if len(minutes) == 1 {
		out.ConsistencyScore = 1
	}
	return out
}
