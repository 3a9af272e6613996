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
	"math"
	"math/rand"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// Variant selects the model size.
type Variant string

const (
	VariantSmall  Variant = "small"
	VariantMedium Variant = "medium"
	VariantLarge  Variant = "large"
)

// Config fixes the architecture for a variant.
type Config struct {
	Layers    int
	Heads     int
	EmbedDim  int
	FFDim     int
	PatchSize int
	InputLen  int
}

// NumPatches is the token sequence length after patching.
func (c Config) NumPatches() int { return c.InputLen / c.PatchSize }

// ConfigFor returns the exact architecture for a variant.
func ConfigFor(v Variant) (Config, error) {
	switch v {
	case VariantSmall:
		return Config{Layers: 1, Heads: 6, EmbedDim: 96, FFDim: 256, PatchSize: 18, InputLen: 10080}, nil
	case VariantMedium:
		return Config{Layers: 2, Heads: 12, EmbedDim: 96, FFDim: 256, PatchSize: 18, InputLen: 10080}, nil
	case VariantLarge:
		return Config{Layers: 4, Heads: 12, EmbedDim: 96, FFDim: 256, PatchSize: 9, InputLen: 10080}, nil
	}
	return Config{}, fmt.Errorf("unknown model variant %q", v)
}

// Linear is y = x·Wᵀ + b with W stored as [out, in].
type Linear struct {
	W *Matrix
	B []float64
}

// Apply maps one vector.
func (l *Linear) Apply(x []float64) []float64 {
	out := make([]float64, l.W.Rows)
	for i := 0; i < l.W.Rows; i++ {
		row := l.W.Row(i)
		sum := l.B[i]
		for j, w := range row {
			sum += w * x[j]
		}
		out[i] = sum
	}
	return out
}

// ApplyMat maps every row of x: out = x·Wᵀ + b.
func (l *Linear) ApplyMat(x *Matrix) *Matrix {
	out := MatMulT(x, l.W)
	out.AddRowVector(l.B)
	return out
}

// LayerNorm holds learned scale and shift.
type LayerNorm struct {
	Gamma, Beta []float64
}

// Apply normalizes every row of x in place.
func (n *LayerNorm) Apply(x *Matrix) {
	for i := 0; i < x.Rows; i++ {
		LayerNormRow(x.Row(i), n.Gamma, n.Beta)
	}
}

// AttentionHead holds one head's separate full-width projections.
//
// The architecture departs from standard multi-head attention: every
// head projects to head_dim = embed_dim, not embed_dim / num_heads, with
// its own weight matrices rather than slices of one projection.
type AttentionHead struct {
	Q, K, V *Linear // each [embed_dim, embed_dim]
}

// Attention is the full per-layer attention block.
type Attention struct {
	Heads  []*AttentionHead
	Output *Linear // [embed_dim, num_heads*embed_dim]
}

// Apply runs scaled dot-product attention per head and projects the
// concatenated head outputs back to embed_dim.
func (a *Attention) Apply(x *Matrix) *Matrix {
	headDim := a.Heads[0].Q.W.Rows
	concat := NewMatrix(x.Rows, len(a.Heads)*headDim)
	scale := 1 / math.Sqrt(float64(headDim))

	for h, head := range a.Heads {
		q := head.Q.ApplyMat(x)
		k := head.K.ApplyMat(x)
		v := head.V.ApplyMat(x)

		scores := MatMulT(q, k)
		for i := range scores.Data {
			scores.Data[i] *= scale
		}
		SoftmaxRows(scores)
		o := MatMul(scores, v)

		for i := 0; i < x.Rows; i++ {
			copy(concat.Row(i)[h*headDim:(h+1)*headDim], o.Row(i))
		}
	}
	return a.Output.ApplyMat(concat)
}

// EncoderLayer is one post-norm transformer block.
type EncoderLayer struct {
	Attention *Attention
	FF1, FF2  *Linear
	Norm1     *LayerNorm
	Norm2     *LayerNorm
}

// Apply runs residual-attention, norm, residual-FFN, norm.
func (e *EncoderLayer) Apply(x *Matrix) *Matrix {
	attn := e.Attention.Apply(x)
	for i := range x.Data {
		attn.Data[i] += x.Data[i]
	}
	e.Norm1.Apply(attn)

	ff := e.FF1.ApplyMat(attn)
	ReLURows(ff)
	ff = e.FF2.ApplyMat(ff)
	for i := range attn.Data {
		ff.Data[i] += attn.Data[i]
	}
	e.Norm2.Apply(ff)
	return ff
}

// Model is the full encoder plus classification head. Inference runs
// with dropout disabled; the struct holds no mutable state after
// construction and is safe to share across concurrent inferences.
type Model struct {
	Config  Config
	Variant Variant

	PatchEmbed *Linear // [embed_dim, patch_size]
	PE         *Matrix // [num_patches, embed_dim]
	Layers     []*EncoderLayer

	HeadNorm *LayerNorm
	Head1    *Linear // [48, embed_dim]
	Head2    *Linear // [18, 48]

	// WeightsVerified is false when construction fell back to random
	// initialization (missing file or failed integrity check).
	WeightsVerified bool
}

const (
	headHiddenDim = 48
	headOutputDim = datatypes.PATLogitCount
)

// NewRandom builds a model with seeded Xavier-uniform initialization.
// The fixed seed keeps the self-test deterministic across restarts.
func NewRandom(cfg Config, variant Variant, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))

	m := &Model{
		Config:     cfg,
		Variant:    variant,
		PatchEmbed: randomLinear(rng, cfg.EmbedDim, cfg.PatchSize),
		PE:         SinusoidalPE(cfg.NumPatches(), cfg.EmbedDim),
		HeadNorm:   identityNorm(cfg.EmbedDim),
		Head1:      randomLinear(rng, headHiddenDim, cfg.EmbedDim),
		Head2:      randomLinear(rng, headOutputDim, headHiddenDim),
	}
	for i := 0; i < cfg.Layers; i++ {
		layer := &EncoderLayer{
			Attention: &Attention{
				Output: randomLinear(rng, cfg.EmbedDim, cfg.Heads*cfg.EmbedDim),
			},
			FF1:   randomLinear(rng, cfg.FFDim, cfg.EmbedDim),
			FF2:   randomLinear(rng, cfg.EmbedDim, cfg.FFDim),
			Norm1: identityNorm(cfg.EmbedDim),
			Norm2: identityNorm(cfg.EmbedDim),
		}
		for h := 0; h < cfg.Heads; h++ {
			layer.Attention.Heads = append(layer.Attention.Heads, &AttentionHead{
				Q: randomLinear(rng, cfg.EmbedDim, cfg.EmbedDim),
				K: randomLinear(rng, cfg.EmbedDim, cfg.EmbedDim),
				V: randomLinear(rng, cfg.EmbedDim, cfg.EmbedDim),
			})
		}
		m.Layers = append(m.Layers, layer)
	}
	return m
}

func randomLinear(rng *rand.Rand, out, in int) *Linear {
	bound := math.Sqrt(6 / float64(in+out))
	l := &Linear{W: NewMatrix(out, in), B: make([]float64, out)}
	for i := range l.W.Data {
		l.W.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	return l
}

func identityNorm(dim int) *LayerNorm {
	n := &LayerNorm{Gamma: make([]float64, dim), Beta: make([]float64, dim)}
	for i := range n.Gamma {
		n.Gamma[i] = 1
	}
	return n
}

// Forward runs the encoder and classification head over one dense
// actigraphy vector of exactly Config.InputLen samples. Returns the
// pooled embedding and the raw (pre-sigmoid) logits.
func (m *Model) Forward(input []float64) (embedding, logits []float64, err error) {
	cfg := m.Config
	if len(input) != cfg.InputLen {
		return nil, nil, fmt.Errorf("input length %d, model expects %d", len(input), cfg.InputLen)
	}

	// Patch and embed.
	numPatches := cfg.NumPatches()
	z := NewMatrix(numPatches, cfg.EmbedDim)
	for p := 0; p < numPatches; p++ {
		patch := input[p*cfg.PatchSize : (p+1)*cfg.PatchSize]
		copy(z.Row(p), m.PatchEmbed.Apply(patch))
	}
	for i := range z.Data {
		z.Data[i] += m.PE.Data[i]
	}

	for _, layer := range m.Layers {
		z = layer.Apply(z)
	}

	embedding = MeanPoolRows(z)

	// Classification head: LayerNorm -> Linear(96->48) -> ReLU ->
	// Linear(48->18). Dropout is inference-disabled.
	h := append([]float64(nil), embedding...)
	LayerNormRow(h, m.HeadNorm.Gamma, m.HeadNorm.Beta)
	h = m.Head1.Apply(h)
	for i, v := range h {
		if v < 0 {
			h[i] = 0
		}
	}
	logits = m.Head2.Apply(h)
	return embedding, logits, nil
}

// SelfTest feeds a zero input twice and requires outputs to agree within
// 1e-6, catching silent nondeterminism or uninitialized weights.
func (m *Model) SelfTest() error {
	zero := make([]float64, m.Config.InputLen)
	e1, l1, err := m.Forward(zero)
	if err != nil {
		return fmt.Errorf("self-test forward: %w", err)
	}
	e2, l2, err := m.Forward(zero)
	if err != nil {
		return fmt.Errorf("self-test forward: %w", err)
	}
	const tol = 1e-6
	for i := range e1 {
		if math.Abs(e1[i]-e2[i]) > tol {
			return fmt.Errorf("embedding diverged at dim %d: %g vs %g", i, e1[i], e2[i])
		}
	}
	for i := range l1 {
		if math.Abs(l1[i]-l2[i]) > tol {
			return fmt.Errorf("logits diverged at dim %d: %g vs %g", i, l1[i], l2[i])
		}
	}
	return nil
}
