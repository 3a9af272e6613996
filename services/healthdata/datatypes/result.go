// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// AnalysisResult and derived-feature types.
package datatypes

import (
	"time"
)

// =============================================================================
// Feature Dimensions
// =============================================================================

const (
	// CardioFeatureDim is the cardio processor's output width.
	CardioFeatureDim = 8

	// RespiratoryFeatureDim is the respiratory processor's output width.
	RespiratoryFeatureDim = 8

	// SleepFeatureDim is the sleep feature vector width used for fusion.
	SleepFeatureDim = 8

	// ActivityEmbeddingDim is the PAT pooled embedding width. This is the
	// canonical activity dimensionality everywhere, including the zero
	// embedding emitted when no activity data is present. Some legacy
	// consumers declare 128; see ExpectedEmbeddingDim handling in the
	// pipeline, which warns on that mismatch instead of resizing.
	ActivityEmbeddingDim = 96

	// PATLogitCount is the classification head's output width.
	PATLogitCount = 18
)

// =============================================================================
// Analysis Result
// =============================================================================

// NamedFeature is a labeled scalar from the activity-basic processor.
type NamedFeature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// SleepFeatures is the sleep processor's structured output.
type SleepFeatures struct {
	TotalSleepMinutes float64 `json:"total_sleep_minutes"`
	SleepEfficiency   float64 `json:"sleep_efficiency"`
	SleepLatency      float64 `json:"sleep_latency_minutes"`
	WASOMinutes       float64 `json:"waso_minutes"`
	AwakeningsCount   float64 `json:"awakenings_count"`
	REMPercentage     float64 `json:"rem_percentage"`
	DeepPercentage    float64 `json:"deep_percentage"`
	ConsistencyScore  float64 `json:"consistency_score"`
}

// Vector converts sleep features to the normalized [0,1]^8 form used for
// fusion: [total/480, efficiency, latency/60, waso/120, awakenings/10,
// rem_pct, deep_pct, consistency], each clamped to [0,1].
func (s *SleepFeatures) Vector() []float64 {
	clamp01 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return []float64{
		clamp01(s.TotalSleepMinutes / 480),
		clamp01(s.SleepEfficiency),
		clamp01(s.SleepLatency / 60),
		clamp01(s.WASOMinutes / 120),
		clamp01(s.AwakeningsCount / 10),
		clamp01(s.REMPercentage),
		clamp01(s.DeepPercentage),
		clamp01(s.ConsistencyScore),
	}
}

// SummaryStats carries aggregate statistics and population z-scores.
type SummaryStats struct {
	// PerModalityCounts is metrics routed per modality bucket.
	PerModalityCounts map[string]int `json:"per_modality_counts,omitempty"`
	// ZScores holds NHANES-referenced z-scores for selected features.
	ZScores map[string]float64 `json:"z_scores,omitempty"`
}

// AnalysisResult is the single per-job output row, written exactly once
// per terminal-success job (re-runs overwrite within the same key).
type AnalysisResult struct {
	ProcessingID string    `json:"processing_id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`

	CardioFeatures      []float64           `json:"cardio_features"`
	RespiratoryFeatures []float64           `json:"respiratory_features"`
	ActivityFeatures    []NamedFeature      `json:"activity_features,omitempty"`
	ActivityEmbedding   []float64           `json:"activity_embedding"`
	SleepFeatures       *SleepFeatures      `json:"sleep_features,omitempty"`
	Actigraphy          *ActigraphyAnalysis `json:"actigraphy_analysis,omitempty"`
	FusedVector         []float64           `json:"fused_vector"`

	SummaryStats *SummaryStats     `json:"summary_stats,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// Actigraphy Analysis (PAT postprocessing)
// =============================================================================

// ActigraphyAnalysis is the clinical-facing decode of the PAT
// classification head, per the fixed output split.
type ActigraphyAnalysis struct {
	// SleepEfficiencyPct is sleep_metrics[0] scaled to percent.
	SleepEfficiencyPct float64 `json:"sleep_efficiency_pct"`
	// SleepOnsetLatencyMin is sleep_metrics[1] scaled to minutes.
	SleepOnsetLatencyMin float64 `json:"sleep_onset_latency_min"`
	// WakeAfterSleepOnsetMin is sleep_metrics[2] scaled to minutes.
	WakeAfterSleepOnsetMin float64 `json:"wake_after_sleep_onset_min"`
	// TotalSleepTimeHours is sleep_metrics[3] scaled to hours.
	TotalSleepTimeHours float64 `json:"total_sleep_time_hours"`
	// ActivityFragmentation is sleep_metrics[4], unitless.
	ActivityFragmentation float64 `json:"activity_fragmentation"`
	// ConfidenceScore is the mean of sleep_metrics[5:8].
	ConfidenceScore float64 `json:"confidence_score"`
	// CircadianScore is the dedicated circadian logit after sigmoid.
	CircadianScore float64 `json:"circadian_score"`
	// DepressionRisk is the dedicated depression logit after sigmoid.
	// Advisory only, never diagnostic.
	DepressionRisk float64 `json:"depression_risk"`
	// Embedding is the pooled 96-dim encoder output.
	Embedding []float64 `json:"embedding"`
	// Insights are thresholded clinical observations.
	Insights []string `json:"insights,omitempty"`
	// WeightsVerified is false when the model fell back to random init.
	WeightsVerified bool `json:"weights_verified"`
}
