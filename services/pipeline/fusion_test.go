// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"math"
	"testing"
)

func TestFusion_NoModalities(t *testing.T) {
	out, err := NewFusion().Fuse(nil)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len = %d, want 0", len(out))
	}
}

func TestFusion_SingleModalityBypassesNetwork(t *testing.T) {
	cardio := []float64{72, 5, 60, 140, 42, 30, 20, 1.5}
	out, err := NewFusion().Fuse(map[Modality][]float64{ModalityCardio: cardio})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(out) != len(cardio) {
		t.Fatalf("len = %d, want %d", len(out), len(cardio))
	}
	for i := range out {
		if out[i] != cardio[i] {
			t.Fatalf("out[%d] = %v, want unprojected %v", i, out[i], cardio[i])
		}
	}
	// Returned slice must be a copy, not an alias.
	out[0] = -1
	if cardio[0] == -1 {
		t.Error("Fuse must not alias the caller's vector")
	}
}

func TestFusion_MultiModalWidthAndDeterminism(t *testing.T) {
	f := NewFusion()
	inputs := map[Modality][]float64{
		ModalityCardio:      {72, 5, 60, 140, 42, 30, 20, 1.5},
		ModalityRespiratory: {14, 1, 12, 97, 94, 0.8, 0.9, 0.5},
	}
	a, err := f.Fuse(inputs)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(a) != FusionOutputDim {
		t.Fatalf("len = %d, want %d", len(a), FusionOutputDim)
	}
	for i, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("a[%d] not finite: %v", i, v)
		}
	}

	b, err := f.Fuse(inputs)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("fusion not deterministic at index %d", i)
		}
	}
}

func TestFusion_RejectsDimensionChange(t *testing.T) {
	f := NewFusion()
	if _, err := f.Fuse(map[Modality][]float64{
		ModalityCardio:      make([]float64, 8),
		ModalityRespiratory: make([]float64, 8),
	}); err != nil {
		t.Fatalf("first Fuse: %v", err)
	}
	if _, err := f.Fuse(map[Modality][]float64{
		ModalityCardio:      make([]float64, 9),
		ModalityRespiratory: make([]float64, 8),
	}); err == nil {
		t.Error("changed cardio dimension should be rejected")
	}
}
