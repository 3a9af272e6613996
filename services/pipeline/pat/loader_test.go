// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pat

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/awnumar/memguard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildTensors generates a full, deterministic tensor set for a config,
// in the upstream naming and axis layout.
func buildTensors(cfg Config) map[string]*Tensor {
	val := 0.0
	next := func() float64 {
		val += 0.001
		if val > 0.05 {
			val = -0.05
		}
		return val
	}
	fill := func(shape ...int) *Tensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = next()
		}
		return &Tensor{Shape: shape, Data: data}
	}

	tensors := map[string]*Tensor{
		"dense/dense/kernel:0": fill(cfg.PatchSize, cfg.EmbedDim),
		"dense/dense/bias:0":   fill(cfg.EmbedDim),
	}
	headDim := cfg.EmbedDim
	for i := 1; i <= cfg.Layers; i++ {
		attn := fmt.Sprintf("encoder_layer_%d_transformer/encoder_layer_%d_attention", i, i)
		for _, name := range []string{"query", "key", "value"} {
			tensors[fmt.Sprintf("%s/%s/kernel:0", attn, name)] = fill(cfg.EmbedDim, cfg.Heads, headDim)
			tensors[fmt.Sprintf("%s/%s/bias:0", attn, name)] = fill(cfg.Heads, headDim)
		}
		tensors[attn+"/attention_output/kernel:0"] = fill(cfg.Heads, headDim, cfg.EmbedDim)
		tensors[attn+"/attention_output/bias:0"] = fill(cfg.EmbedDim)
		tensors[fmt.Sprintf("encoder_layer_%d_ff1/kernel:0", i)] = fill(cfg.EmbedDim, cfg.FFDim)
		tensors[fmt.Sprintf("encoder_layer_%d_ff1/bias:0", i)] = fill(cfg.FFDim)
		tensors[fmt.Sprintf("encoder_layer_%d_ff2/kernel:0", i)] = fill(cfg.FFDim, cfg.EmbedDim)
		tensors[fmt.Sprintf("encoder_layer_%d_ff2/bias:0", i)] = fill(cfg.EmbedDim)
		for n := 1; n <= 2; n++ {
			tensors[fmt.Sprintf("encoder_layer_%d_norm%d/gamma:0", i, n)] = fill(cfg.EmbedDim)
			tensors[fmt.Sprintf("encoder_layer_%d_norm%d/beta:0", i, n)] = fill(cfg.EmbedDim)
		}
	}
	return tensors
}

func writeWeightFixture(t *testing.T, dir string, cfg Config) (path string, data []byte) {
	t.Helper()
	path = filepath.Join(dir, "PAT-small.aleuth5")
	if err := WriteWeightsFile(path, buildTensors(cfg)); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return path, data
}

func TestWeights_RoundTrip(t *testing.T) {
	in := map[string]*Tensor{
		"dense/dense/kernel:0": {Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
		"dense/dense/bias:0":   {Shape: []int{3}, Data: []float64{0.1, 0.2, 0.3}},
	}
	var buf bytes.Buffer
	if err := WriteWeights(&buf, in); err != nil {
		t.Fatalf("WriteWeights: %v", err)
	}
	out, err := ReadWeights(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadWeights: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("tensors = %d", len(out))
	}
	k := out["dense/dense/kernel:0"]
	if k.Shape[0] != 2 || k.Shape[1] != 3 || k.Data[5] != 6 {
		t.Errorf("kernel = %+v", k)
	}
}

func TestWeights_RejectsBadMagic(t *testing.T) {
	if _, err := ReadWeights(bytes.NewReader([]byte("HDF5\x0d\x0a\x1a\x0aetc"))); err == nil {
		t.Error("foreign magic should be rejected")
	}
}

func TestLoad_VerifiedWeights(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	dir := t.TempDir()
	path, data := writeWeightFixture(t, dir, cfg)

	key := memguard.NewEnclave([]byte("unit-test-signing-key"))
	digest, err := ComputeDigest(data, key)
	if err != nil {
		t.Fatalf("ComputeDigest: %v", err)
	}

	m, err := Load(LoaderConfig{
		Variant:         VariantSmall,
		Path:            path,
		AllowedDirs:     []string{dir},
		SignatureKey:    key,
		ExpectedDigests: map[Variant]string{VariantSmall: digest},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.WeightsVerified {
		t.Fatal("WeightsVerified should be true for a matching digest")
	}

	// Loaded weights must actually differ from the random fallback.
	random := NewRandom(cfg, VariantSmall, randomInitSeed)
	if m.PatchEmbed.W.Data[0] == random.PatchEmbed.W.Data[0] {
		t.Error("patch embedding should come from the file, not random init")
	}
	if err := m.SelfTest(); err != nil {
		t.Errorf("SelfTest on loaded model: %v", err)
	}
}

func TestLoad_TamperedFileFallsBack(t *testing.T) {
	cfg, _ := ConfigFor(VariantSmall)
	dir := t.TempDir()
	path, data := writeWeightFixture(t, dir, cfg)

	key := memguard.NewEnclave([]byte("unit-test-signing-key"))
	digest, err := ComputeDigest(data, key)
	if err != nil {
		t.Fatalf("ComputeDigest: %v", err)
	}

	// Tamper after the digest was recorded.
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0640); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	m, err := Load(LoaderConfig{
		Variant:         VariantSmall,
		Path:            path,
		AllowedDirs:     []string{dir},
		SignatureKey:    key,
		ExpectedDigests: map[Variant]string{VariantSmall: digest},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.WeightsVerified {
		t.Fatal("tampered file must not load verified")
	}
	// Random fallback still serves deterministic inferences.
	if err := m.SelfTest(); err != nil {
		t.Errorf("SelfTest on fallback model: %v", err)
	}
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(LoaderConfig{
		Variant:      VariantSmall,
		Path:         filepath.Join(dir, "nonexistent.aleuth5"),
		AllowedDirs:  []string{dir},
		SignatureKey: memguard.NewEnclave([]byte("k")),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.WeightsVerified {
		t.Error("missing file must not load verified")
	}
}

func TestSanitizePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "default.aleuth5")
	logger := testLogger()

	tests := []struct {
		name      string
		requested string
		wantDef   bool
	}{
		{"inside allowed dir", filepath.Join(dir, "m.aleuth5"), false},
		{"empty", "", true},
		{"traversal", filepath.Join(dir, "..", "..", "etc", "passwd"), true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizePath(tt.requested, []string{dir}, def, logger)
			if tt.wantDef && got != def {
				t.Errorf("got %q, want default", got)
			}
			if !tt.wantDef && got == def {
				t.Errorf("in-tree path should survive sanitization")
			}
		})
	}
}
