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
	"math/rand"
	"sync"

	"github.com/AleutianAI/AleutianHealth/services/pipeline/pat"
)

const (
	// FusionProjDim is the common width modality vectors project to.
	FusionProjDim = 64

	// FusionOutputDim is the fused vector width.
	FusionOutputDim = 64

	fusionHeads = 4
	fusionSeed  = 0x5EED
)

// Fusion combines per-modality feature vectors into one representation
// with a small attention-over-modalities block.
//
// Weights initialize lazily once the modality dimension set is known for
// the service lifetime; they are deterministic per process (fixed seed)
// but not pretrained. Single-modality inputs bypass the network entirely
// so an untrained projection never distorts a lone vector.
//
// Thread Safety: safe for concurrent Fuse calls; lazy init is
// mutex-guarded, weights are read-only afterwards.
type Fusion struct {
	mu          sync.Mutex
	projections map[Modality]*pat.Linear // per-modality, dim -> FusionProjDim
	attention   *pat.Attention
	output      *pat.Linear
	pe          *pat.Matrix
	rng         *rand.Rand
}

// NewFusion creates an empty fusion layer; weights build on first use.
func NewFusion() *Fusion {
	return &Fusion{
		projections: make(map[Modality]*pat.Linear),
		rng:         rand.New(rand.NewSource(fusionSeed)),
	}
}

// Fuse combines the present modality vectors, iterating ModalityOrder.
//
// Edge cases: one modality returns its vector unprojected; zero
// modalities return an empty vector.
func (f *Fusion) Fuse(vectors map[Modality][]float64) ([]float64, error) {
	var present []Modality
	for _, m := range ModalityOrder {
		if v, ok := vectors[m]; ok && len(v) > 0 {
			present = append(present, m)
		}
	}
	if len(present) == 0 {
		return []float64{}, nil
	}
	if len(present) == 1 {
		return append([]float64(nil), vectors[present[0]]...), nil
	}

	f.mu.Lock()
	for _, m := range present {
		if err := f.ensureProjection(m, len(vectors[m])); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.ensureAttention()
	f.mu.Unlock()

	// Project each modality to the common width and stack; positional
	// encoding follows the fixed modality order, not presence order.
	x := pat.NewMatrix(len(present), FusionProjDim)
	for row, m := range present {
		projected := f.projections[m].Apply(vectors[m])
		copy(x.Row(row), projected)
		pePos := modalityPosition(m)
		peRow := f.pe.Row(pePos)
		xr := x.Row(row)
		for j := range xr {
			xr[j] += peRow[j]
		}
	}

	attended := f.attention.Apply(x)
	pooled := pat.MeanPoolRows(attended)
	return f.output.Apply(pooled), nil
}

// ensureProjection lazily builds the per-modality projection, pinning
// the input dimension for the service lifetime.
func (f *Fusion) ensureProjection(m Modality, dim int) error {
	if p, ok := f.projections[m]; ok {
		if p.W.Cols != dim {
			return fmt.Errorf("modality %s dimension changed from %d to %d within one service lifetime", m, p.W.Cols, dim)
		}
		return nil
	}
	f.projections[m] = f.randomLinear(FusionProjDim, dim)
	return nil
}

func (f *Fusion) ensureAttention() {
	if f.attention != nil {
		return
	}
	attn := &pat.Attention{
		Output: f.randomLinear(FusionProjDim, fusionHeads*FusionProjDim),
	}
	for h := 0; h < fusionHeads; h++ {
		attn.Heads = append(attn.Heads, &pat.AttentionHead{
			Q: f.randomLinear(FusionProjDim, FusionProjDim),
			K: f.randomLinear(FusionProjDim, FusionProjDim),
			V: f.randomLinear(FusionProjDim, FusionProjDim),
		})
	}
	f.attention = attn
	f.output = f.randomLinear(FusionOutputDim, FusionProjDim)
	f.pe = pat.SinusoidalPE(len(ModalityOrder), FusionProjDim)
}

func (f *Fusion) randomLinear(out, in int) *pat.Linear {
	bound := math.Sqrt(6 / float64(in+out))
	l := &pat.Linear{W: pat.NewMatrix(out, in), B: make([]float64, out)}
	for i := range l.W.Data {
		l.W.Data[i] = (f.rng.Float64()*2 - 1) * bound
	}
	return l
}

func modalityPosition(m Modality) int {
	for i, o := range ModalityOrder {
		if o == m {
			return i
		}
	}
	return 0
}
