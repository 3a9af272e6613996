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

import (
	"fmt"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// Logit layout of the classification head after sigmoid:
// [0:8] sleep metrics, [8] circadian score, [9] depression risk,
// [10:18] reserved raw.
const (
	sleepMetricCount = 8
	circadianIndex   = 8
	depressionIndex  = 9
)

// Postprocess decodes raw head logits into the clinical-facing analysis.
func Postprocess(embedding, logits []float64, weightsVerified bool) (*datatypes.ActigraphyAnalysis, error) {
	if len(logits) < depressionIndex+1 {
		return nil, fmt.Errorf("logit vector length %d, want at least %d", len(logits), depressionIndex+1)
	}

	sleep := make([]float64, sleepMetricCount)
	for i := range sleep {
		sleep[i] = Sigmoid(logits[i])
	}
	circadian := Sigmoid(logits[circadianIndex])
	depression := Sigmoid(logits[depressionIndex])

	a := &datatypes.ActigraphyAnalysis{
		SleepEfficiencyPct:     sleep[0] * 100,
		SleepOnsetLatencyMin:   sleep[1] * 60,
		WakeAfterSleepOnsetMin: sleep[2] * 60,
		TotalSleepTimeHours:    sleep[3] * 12,
		ActivityFragmentation:  sleep[4],
		ConfidenceScore:        (sleep[5] + sleep[6] + sleep[7]) / 3,
		CircadianScore:         circadian,
		DepressionRisk:         depression,
		Embedding:              append([]float64(nil), embedding...),
		WeightsVerified:        weightsVerified,
	}
	a.Insights = insights(a)
	return a, nil
}

// insights derives thresholded clinical observations. Wording is
// advisory; the depression signal is a screening aid, never a diagnosis.
func insights(a *datatypes.ActigraphyAnalysis) []string {
	var out []string

	switch {
	case a.SleepEfficiencyPct >= 85:
		out = append(out, "Excellent sleep efficiency")
	case a.SleepEfficiencyPct >= 75:
		out = append(out, "Good sleep efficiency")
	default:
		out = append(out, "Poor sleep efficiency - consider sleep hygiene improvements")
	}

	switch {
	case a.CircadianScore >= 0.8:
		out = append(out, "Strong circadian rhythm stability")
	case a.CircadianScore >= 0.6:
		out = append(out, "Moderate circadian rhythm stability")
	default:
		out = append(out, "Irregular circadian rhythm - consider consistent sleep schedule")
	}

	switch {
	case a.DepressionRisk >= 0.7:
		out = append(out, "Activity patterns suggest elevated depression risk - consider professional consultation")
	case a.DepressionRisk >= 0.4:
		out = append(out, "Moderate depression risk indicators in activity patterns")
	default:
		out = append(out, "Activity patterns within healthy range")
	}
	return out
}
