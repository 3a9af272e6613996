// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pat

import (
	"math"
	"testing"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

func TestConfigFor_Variants(t *testing.T) {
	tests := []struct {
		variant Variant
		layers  int
		heads   int
		patch   int
		patches int
	}{
		{VariantSmall, 1, 6, 18, 560},
		{VariantMedium, 2, 12, 18, 560},
		{VariantLarge, 4, 12, 9, 1120},
	}
	for _, tt := range tests {
		cfg, err := ConfigFor(tt.variant)
		if err != nil {
			t.Fatalf("ConfigFor(%s): %v", tt.variant, err)
		}
		if cfg.Layers != tt.layers || cfg.Heads != tt.heads || cfg.PatchSize != tt.patch {
			t.Errorf("%s: config = %+v", tt.variant, cfg)
		}
		if cfg.EmbedDim != 96 || cfg.FFDim != 256 || cfg.InputLen != 10080 {
			t.Errorf("%s: common dims wrong: %+v", tt.variant, cfg)
		}
		if cfg.NumPatches() != tt.patches {
			t.Errorf("%s: NumPatches = %d, want %d", tt.variant, cfg.NumPatches(), tt.patches)
		}
	}

	if _, err := ConfigFor("huge"); err == nil {
		t.Error("unknown variant should error")
	}
}

func TestModel_HeadDimEqualsEmbedDim(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	m := NewRandom(cfg, VariantSmall, 1)

	// Every head carries a full embed_dim x embed_dim projection, not an
	// embed_dim/num_heads slice.
	head := m.Layers[0].Attention.Heads[0]
	if head.Q.W.Rows != cfg.EmbedDim || head.Q.W.Cols != cfg.EmbedDim {
		t.Errorf("Q shape = %dx%d, want %dx%d", head.Q.W.Rows, head.Q.W.Cols, cfg.EmbedDim, cfg.EmbedDim)
	}
	out := m.Layers[0].Attention.Output
	if out.W.Rows != cfg.EmbedDim || out.W.Cols != cfg.Heads*cfg.EmbedDim {
		t.Errorf("output projection shape = %dx%d", out.W.Rows, out.W.Cols)
	}
}

func TestModel_ForwardShapes(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	m := NewRandom(cfg, VariantSmall, 1)

	input := make([]float64, cfg.InputLen)
	for i := range input {
		input[i] = float64(i%120) / 120
	}
	embedding, logits, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(embedding) != datatypes.ActivityEmbeddingDim {
		t.Errorf("embedding len = %d, want %d", len(embedding), datatypes.ActivityEmbeddingDim)
	}
	if len(logits) != datatypes.PATLogitCount {
		t.Errorf("logits len = %d, want %d", len(logits), datatypes.PATLogitCount)
	}
	for i, v := range embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("embedding[%d] not finite: %v", i, v)
		}
	}
}

func TestModel_ForwardRejectsWrongLength(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	m := NewRandom(cfg, VariantSmall, 1)
	if _, _, err := m.Forward(make([]float64, 100)); err == nil {
		t.Error("short input should error")
	}
}

func TestModel_Determinism(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	m := NewRandom(cfg, VariantSmall, 7)

	input := make([]float64, cfg.InputLen)
	for i := range input {
		input[i] = math.Sin(float64(i) / 100)
	}
	e1, l1, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	e2, l2, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range e1 {
		if e1[i] != e2[i] {
			t.Fatalf("embedding[%d] not bitwise identical", i)
		}
	}
	for i := range l1 {
		if l1[i] != l2[i] {
			t.Fatalf("logits[%d] not bitwise identical", i)
		}
	}
}

func TestModel_SelfTest(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	m := NewRandom(cfg, VariantSmall, 7)
	if err := m.SelfTest(); err != nil {
		t.Errorf("SelfTest: %v", err)
	}
}

func TestModel_SameSeedSameWeights(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	a := NewRandom(cfg, VariantSmall, randomInitSeed)
	b := NewRandom(cfg, VariantSmall, randomInitSeed)

	zero := make([]float64, cfg.InputLen)
	ea, _, _ := a.Forward(zero)
	eb, _, _ := b.Forward(zero)
	for i := range ea {
		if ea[i] != eb[i] {
			t.Fatal("same-seed models should produce identical outputs")
		}
	}
}

func TestSoftmaxRows_Normalizes(t *testing.T) {
	m := NewMatrix(2, 3)
	copy(m.Row(0), []float64{1, 2, 3})
	copy(m.Row(1), []float64{-1000, 0, 1000}) // overflow guard
	SoftmaxRows(m)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for _, v := range m.Row(i) {
			if math.IsNaN(v) {
				t.Fatalf("row %d produced NaN", i)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sums to %v", i, sum)
		}
	}
}

func TestPostprocess_OutputSplit(t *testing.T) {
	logits := make([]float64, datatypes.PATLogitCount)
	// Large positive logit saturates sigmoid near 1.
	logits[0] = 10  // sleep_efficiency
	logits[3] = 10  // total_sleep_time
	logits[8] = 10  // circadian
	logits[9] = -10 // depression

	embedding := make([]float64, datatypes.ActivityEmbeddingDim)
	a, err := Postprocess(embedding, logits, true)
	if err != nil {
		t.Fatalf("Postprocess: %v", err)
	}
	if a.SleepEfficiencyPct < 99 {
		t.Errorf("SleepEfficiencyPct = %v", a.SleepEfficiencyPct)
	}
	if a.TotalSleepTimeHours < 11.9 {
		t.Errorf("TotalSleepTimeHours = %v", a.TotalSleepTimeHours)
	}
	if a.CircadianScore < 0.99 {
		t.Errorf("CircadianScore = %v", a.CircadianScore)
	}
	if a.DepressionRisk > 0.01 {
		t.Errorf("DepressionRisk = %v", a.DepressionRisk)
	}
	if !a.WeightsVerified {
		t.Error("WeightsVerified should pass through")
	}
	if len(a.Insights) != 3 {
		t.Errorf("Insights = %v", a.Insights)
	}
}

func TestZScores(t *testing.T) {
	z := ZScores(map[string]float64{
		"mean_hr":      82.5, // one std above
		"unknown_feat": 5,
	})
	if math.Abs(z["mean_hr"]-1.0) > 1e-9 {
		t.Errorf("mean_hr z = %v", z["mean_hr"])
	}
	if _, ok := z["unknown_feat"]; ok {
		t.Error("features without a reference should be omitted")
	}
}
