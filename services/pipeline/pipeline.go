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
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/pipeline/pat"
)

// Analyzer runs the full analysis pipeline for one job: route metrics
// into modality buckets, derive per-modality features, run the
// actigraphy transformer over the activity trace, and fuse.
//
// Constructed once per worker process with its dependencies injected.
// The fusion weights are read-only after init; the model pointer is
// swappable through SwapModel so a re-verified weights file can take
// effect without a restart. A job in flight keeps the model it started
// with.
type Analyzer struct {
	model  atomic.Pointer[pat.Model]
	fusion *Fusion
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer wires the pipeline. expectedEmbeddingDim lets deployments
// declare what downstream consumers assume; anything other than the
// canonical width logs a warning at startup instead of resizing vectors.
func NewAnalyzer(model *pat.Model, fusion *Fusion, expectedEmbeddingDim int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if expectedEmbeddingDim != 0 && expectedEmbeddingDim != datatypes.ActivityEmbeddingDim {
		logger.Warn("downstream consumer expects a non-canonical activity embedding width",
			"expected", expectedEmbeddingDim, "canonical", datatypes.ActivityEmbeddingDim)
	}
	a := &Analyzer{
		fusion: fusion,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	a.model.Store(model)
	return a
}

// Model returns the currently served model. Callers use it for health
// probes; each Analyze call loads it once and holds it for the job.
func (a *Analyzer) Model() *pat.Model {
	return a.model.Load()
}

// SwapModel replaces the served model. Jobs already running finish on
// the model they loaded.
func (a *Analyzer) SwapModel(m *pat.Model) {
	if m == nil {
		return
	}
	old := a.model.Swap(m)
	a.logger.Info("analysis model swapped",
		"variant", string(m.Variant),
		"weights_verified", m.WeightsVerified,
		"was_verified", old != nil && old.WeightsVerified)
}

// Analyze is a pure function of (userID, metrics) modulo loaded model
// state: identical inputs produce bitwise-identical feature vectors.
func (a *Analyzer) Analyze(ctx context.Context, userID, processingID string, metrics []*datatypes.HealthMetric) (*datatypes.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buckets := Organize(metrics)
	model := a.model.Load()

	result := &datatypes.AnalysisResult{
		ProcessingID:        processingID,
		UserID:              userID,
		Timestamp:           a.now(),
		CardioFeatures:      ProcessCardio(buckets.Cardio),
		RespiratoryFeatures: ProcessRespiratory(buckets.Respiratory),
		ActivityEmbedding:   make([]float64, datatypes.ActivityEmbeddingDim),
		Metadata: map[string]string{
			"model_variant":    string(model.Variant),
			"weights_verified": strconv.FormatBool(model.WeightsVerified),
		},
	}

	if len(buckets.Activity) > 0 {
		result.ActivityFeatures = ProcessActivityBasic(buckets.Activity)
		analysis, embedding, err := a.analyzeActigraphy(ctx, model, buckets.Activity)
		if err != nil {
			return nil, err
		}
		result.Actigraphy = analysis
		result.ActivityEmbedding = embedding
	}

	if len(buckets.Sleep) > 0 {
		result.SleepFeatures = ProcessSleep(buckets.Sleep)
	}

	fused, err := a.fusion.Fuse(a.fusionInputs(buckets, result))
	if err != nil {
		return nil, datatypes.Inference("fusion_failed", "fusion layer failed", err)
	}
	result.FusedVector = fused

	result.SummaryStats = &datatypes.SummaryStats{
		PerModalityCounts: buckets.Counts(),
		ZScores:           pat.ZScores(a.referenceFeatures(result)),
	}
	return result, nil
}

// analyzeActigraphy runs preprocess -> transformer -> postprocess over
// the activity bucket's raw trace.
func (a *Analyzer) analyzeActigraphy(ctx context.Context, model *pat.Model, activity []*datatypes.HealthMetric) (*datatypes.ActigraphyAnalysis, []float64, error) {
	points := Actigraphy(activity)
	if len(points) == 0 {
		return nil, nil, datatypes.DataValidation("empty_actigraphy",
			"activity metrics carry no usable actigraphy samples")
	}

	dense, err := Preprocess(points, model.Config.InputLen)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	embedding, logits, err := model.Forward(dense)
	if err != nil {
		return nil, nil, datatypes.Inference("forward_failed", "transformer forward pass failed", err)
	}
	analysis, err := pat.Postprocess(embedding, logits, model.WeightsVerified)
	if err != nil {
		return nil, nil, datatypes.Inference("postprocess_failed", "logit decoding failed", err)
	}
	return analysis, embedding, nil
}

// fusionInputs collects the present modality vectors. A modality
// contributes only when its bucket was non-empty, so absent data never
// drags the fused representation toward zero.
func (a *Analyzer) fusionInputs(buckets *Buckets, result *datatypes.AnalysisResult) map[Modality][]float64 {
	inputs := make(map[Modality][]float64)
	if len(buckets.Cardio) > 0 {
		inputs[ModalityCardio] = result.CardioFeatures
	}
	if len(buckets.Respiratory) > 0 {
		inputs[ModalityRespiratory] = result.RespiratoryFeatures
	}
	if len(buckets.Activity) > 0 {
		inputs[ModalityActivity] = result.ActivityEmbedding
	}
	if result.SleepFeatures != nil {
		inputs[ModalitySleep] = result.SleepFeatures.Vector()
	}
	return inputs
}

// referenceFeatures flattens the result into the named scalars the
// NHANES table normalizes.
func (a *Analyzer) referenceFeatures(result *datatypes.AnalysisResult) map[string]float64 {
	features := make(map[string]float64)
	if len(result.CardioFeatures) == datatypes.CardioFeatureDim {
		features["mean_hr"] = result.CardioFeatures[0]
		features["resting_hr"] = result.CardioFeatures[2]
		features["mean_hrv"] = result.CardioFeatures[4]
	}
	if len(result.RespiratoryFeatures) == datatypes.RespiratoryFeatureDim {
		features["mean_rr"] = result.RespiratoryFeatures[0]
		features["mean_spo2"] = result.RespiratoryFeatures[3]
	}
	if result.SleepFeatures != nil {
		features["total_sleep_minutes"] = result.SleepFeatures.TotalSleepMinutes
		features["sleep_efficiency"] = result.SleepFeatures.SleepEfficiency
	}
	for _, f := range result.ActivityFeatures {
		if f.Name == "average_daily_steps" {
			features["average_daily_steps"] = f.Value
		}
	}
	// Drop zero-only entries from empty buckets so absent modalities
	// don't read as pathological z-scores.
	for name, v := range features {
		if v == 0 {
			delete(features, name)
		}
	}
	return features
}

// String names the analyzer configuration for startup logs.
func (a *Analyzer) String() string {
	m := a.model.Load()
	return fmt.Sprintf("analyzer(variant=%s, verified=%t)", m.Variant, m.WeightsVerified)
}
