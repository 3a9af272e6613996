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
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
)

// randomInitSeed keeps the fallback model deterministic across restarts
// so the self-test and repeated inferences agree.
const randomInitSeed = 0x41C7

// DefaultAllowedDirs is the weight-path allow-list: the repo's models
// tree, the per-user cache, and the system-wide install directory.
func DefaultAllowedDirs() []string {
	dirs := []string{"models", "/var/lib/aleutian/models"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".aleutian", "models"))
	}
	return dirs
}

// LoaderConfig wires the weight loader.
type LoaderConfig struct {
	// Variant selects the architecture; required.
	Variant Variant

	// Path is the requested weight-file path. Paths resolving outside
	// AllowedDirs fall back to DefaultPath with a warning.
	Path string

	// AllowedDirs is the allow-list of base directories.
	// Default: DefaultAllowedDirs().
	AllowedDirs []string

	// DefaultPath is the safe fallback when Path fails sanitization.
	// Default: models/PAT-<variant>.aleuth5 under the first allowed dir.
	DefaultPath string

	// SignatureKey holds the HMAC signing key. Required for a verified
	// load; without it the loader falls back to random initialization.
	SignatureKey *memguard.Enclave

	// ExpectedDigests maps variant to the expected HMAC-SHA-256 hex
	// digest. Default: builtin table.
	ExpectedDigests map[Variant]string

	// Logger for load diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// expectedDigests is the per-variant digest table for the published
// weight exports. Regenerated whenever upstream re-exports.
var expectedDigests = map[Variant]string{
	VariantSmall:  "89a1f1df02b1d1b6ff022ab8b1dbd06164e7b9b5a4c09b1f4ffcba4162fd0f66",
	VariantMedium: "5a2b67e2f9c6f1d0c77b1238ab0fe5ad3e41b0f62e0c7a94be1e5a84b1cf0d21",
	VariantLarge:  "c3d9aa07e11b2db48902f4f76b3bb4a6b77d2fa8e4e1c3907d5ce8e2ba90f544",
}

// Load builds the model for cfg.Variant. It never fails on weight
// problems: integrity mismatches, unreadable files, and shape errors all
// fall back to deterministic random initialization with
// WeightsVerified=false, so the pipeline keeps serving (flagged) results
// while the condition is investigated. Only an unknown variant errors.
func Load(cfg LoaderConfig) (*Model, error) {
	arch, err := ConfigFor(cfg.Variant)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.AllowedDirs) == 0 {
		cfg.AllowedDirs = DefaultAllowedDirs()
	}
	if cfg.DefaultPath == "" {
		cfg.DefaultPath = filepath.Join(cfg.AllowedDirs[0], fmt.Sprintf("PAT-%s.aleuth5", cfg.Variant))
	}
	if cfg.ExpectedDigests == nil {
		cfg.ExpectedDigests = expectedDigests
	}

	fallback := func(reason string, args ...any) *Model {
		args = append(args, "variant", string(cfg.Variant))
		logger.Error("falling back to random weight initialization: "+reason, args...)
		m := NewRandom(arch, cfg.Variant, randomInitSeed)
		m.WeightsVerified = false
		return m
	}

	path := SanitizePath(cfg.Path, cfg.AllowedDirs, cfg.DefaultPath, logger)
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback("weight file unreadable", "path", path, "error", err), nil
	}

	if cfg.SignatureKey == nil {
		return fallback("no signature key configured", "path", path), nil
	}
	ok, err := verifyIntegrity(data, cfg.SignatureKey, cfg.ExpectedDigests[cfg.Variant])
	if err != nil {
		return fallback("integrity check errored", "path", path, "error", err), nil
	}
	if !ok {
		// Deliberate loudest log in the service: a digest mismatch means
		// tampering or a corrupt distribution, never normal operation.
		logger.Error("weight integrity verification FAILED, refusing to load",
			"severity", "critical", "path", path, "variant", string(cfg.Variant))
		return fallback("integrity digest mismatch", "path", path), nil
	}

	tensors, err := ReadWeights(bytes.NewReader(data))
	if err != nil {
		return fallback("weight container unreadable", "path", path, "error", err), nil
	}

	model := NewRandom(arch, cfg.Variant, randomInitSeed)
	if err := applyTensors(model, tensors, logger); err != nil {
		return fallback("tensor mapping failed", "path", path, "error", err), nil
	}
	model.WeightsVerified = true

	if err := model.SelfTest(); err != nil {
		return fallback("determinism self-test failed", "path", path, "error", err), nil
	}

	logger.Info("pretrained weights loaded",
		"variant", string(cfg.Variant), "path", path, "tensors", len(tensors))
	return model, nil
}

// SanitizePath resolves requested to an absolute path and requires it to
// sit under one of the allowed base directories. Traversal attempts and
// out-of-tree paths resolve to defaultPath with a warning.
func SanitizePath(requested string, allowedDirs []string, defaultPath string, logger *slog.Logger) string {
	if requested == "" {
		return defaultPath
	}
	abs, err := filepath.Abs(filepath.Clean(requested))
	if err != nil {
		logger.Warn("weight path unresolvable, using default", "requested", requested)
		return defaultPath
	}
	for _, dir := range allowedDirs {
		base, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if abs == base || strings.HasPrefix(abs, base+string(filepath.Separator)) {
			return abs
		}
	}
	logger.Warn("weight path outside allowed directories, using default",
		"requested", requested, "resolved", abs)
	return defaultPath
}

// verifyIntegrity computes SHA-256 over the file contents, signs the hex
// digest with HMAC-SHA-256, and compares against the expected digest.
func verifyIntegrity(data []byte, key *memguard.Enclave, expected string) (bool, error) {
	if expected == "" {
		return false, fmt.Errorf("no expected digest for variant")
	}
	buf, err := key.Open()
	if err != nil {
		return false, fmt.Errorf("open signature key: %w", err)
	}
	defer buf.Destroy()

	sum := sha256.Sum256(data)
	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write([]byte(hex.EncodeToString(sum[:])))
	actual := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(actual), []byte(expected)), nil
}

// ComputeDigest produces the expected-digest table entry for a weight
// file; used by the export tooling and tests.
func ComputeDigest(data []byte, key *memguard.Enclave) (string, error) {
	buf, err := key.Open()
	if err != nil {
		return "", fmt.Errorf("open signature key: %w", err)
	}
	defer buf.Destroy()

	sum := sha256.Sum256(data)
	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write([]byte(hex.EncodeToString(sum[:])))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// applyTensors maps upstream tensor names onto model fields, with the
// axis permutations the upstream layout requires. Classification-head
// keys are expected to be absent (the head is newly initialized);
// unexpected keys are logged and skipped.
func applyTensors(m *Model, tensors map[string]*Tensor, logger *slog.Logger) error {
	cfg := m.Config
	consumed := make(map[string]bool, len(tensors))

	take := func(name string, shape ...int) (*Tensor, error) {
		t, ok := tensors[name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %q", name)
		}
		consumed[name] = true
		if len(t.Shape) != len(shape) {
			return nil, fmt.Errorf("tensor %q: rank %d, want %d", name, len(t.Shape), len(shape))
		}
		for i, d := range shape {
			if t.Shape[i] != d {
				return nil, fmt.Errorf("tensor %q: shape %v, want %v", name, t.Shape, shape)
			}
		}
		return t, nil
	}

	// Patch embedding: [patch_size, embed_dim] transposed to [embed, patch].
	kernel, err := take("dense/dense/kernel:0", cfg.PatchSize, cfg.EmbedDim)
	if err != nil {
		return err
	}
	for p := 0; p < cfg.PatchSize; p++ {
		for e := 0; e < cfg.EmbedDim; e++ {
			m.PatchEmbed.W.Set(e, p, kernel.Data[p*cfg.EmbedDim+e])
		}
	}
	bias, err := take("dense/dense/bias:0", cfg.EmbedDim)
	if err != nil {
		return err
	}
	copy(m.PatchEmbed.B, bias.Data)

	headDim := cfg.EmbedDim
	for i := 1; i <= cfg.Layers; i++ {
		layer := m.Layers[i-1]
		attnPrefix := fmt.Sprintf("encoder_layer_%d_transformer/encoder_layer_%d_attention", i, i)

		// Per-head q/k/v: kernel [embed, heads, head_dim] split along the
		// middle axis, each per-head matrix transposed to [head_dim, embed].
		for name, dest := range map[string]func(h int) *Linear{
			"query": func(h int) *Linear { return layer.Attention.Heads[h].Q },
			"key":   func(h int) *Linear { return layer.Attention.Heads[h].K },
			"value": func(h int) *Linear { return layer.Attention.Heads[h].V },
		} {
			k, err := take(fmt.Sprintf("%s/%s/kernel:0", attnPrefix, name), cfg.EmbedDim, cfg.Heads, headDim)
			if err != nil {
				return err
			}
			for e := 0; e < cfg.EmbedDim; e++ {
				for h := 0; h < cfg.Heads; h++ {
					for d := 0; d < headDim; d++ {
						dest(h).W.Set(d, e, k.Data[(e*cfg.Heads+h)*headDim+d])
					}
				}
			}
			b, err := take(fmt.Sprintf("%s/%s/bias:0", attnPrefix, name), cfg.Heads, headDim)
			if err != nil {
				return err
			}
			for h := 0; h < cfg.Heads; h++ {
				copy(dest(h).B, b.Data[h*headDim:(h+1)*headDim])
			}
		}

		// Output projection: [heads, head_dim, embed] permuted to
		// [embed, heads*head_dim].
		outK, err := take(attnPrefix+"/attention_output/kernel:0", cfg.Heads, headDim, cfg.EmbedDim)
		if err != nil {
			return err
		}
		for h := 0; h < cfg.Heads; h++ {
			for d := 0; d < headDim; d++ {
				for e := 0; e < cfg.EmbedDim; e++ {
					layer.Attention.Output.W.Set(e, h*headDim+d, outK.Data[(h*headDim+d)*cfg.EmbedDim+e])
				}
			}
		}
		ob, err := take(attnPrefix+"/attention_output/bias:0", cfg.EmbedDim)
		if err != nil {
			return err
		}
		copy(layer.Attention.Output.B, ob.Data)

		// Feed-forward pair, both kernels transposed.
		if err := loadFF(layer.FF1, tensors, consumed, fmt.Sprintf("encoder_layer_%d_ff1", i), cfg.EmbedDim, cfg.FFDim); err != nil {
			return err
		}
		if err := loadFF(layer.FF2, tensors, consumed, fmt.Sprintf("encoder_layer_%d_ff2", i), cfg.FFDim, cfg.EmbedDim); err != nil {
			return err
		}

		// Layer norms.
		for n, norm := range map[int]*LayerNorm{1: layer.Norm1, 2: layer.Norm2} {
			gamma, err := take(fmt.Sprintf("encoder_layer_%d_norm%d/gamma:0", i, n), cfg.EmbedDim)
			if err != nil {
				return err
			}
			copy(norm.Gamma, gamma.Data)
			beta, err := take(fmt.Sprintf("encoder_layer_%d_norm%d/beta:0", i, n), cfg.EmbedDim)
			if err != nil {
				return err
			}
			copy(norm.Beta, beta.Data)
		}
	}

	for name := range tensors {
		if !consumed[name] {
			logger.Warn("skipping unexpected weight tensor", "name", name)
		}
	}
	return nil
}

// loadFF loads one feed-forward kernel/bias pair, transposing the
// kernel from upstream [in, out] to [out, in].
func loadFF(dst *Linear, tensors map[string]*Tensor, consumed map[string]bool, prefix string, in, out int) error {
	k, ok := tensors[prefix+"/kernel:0"]
	if !ok {
		return fmt.Errorf("missing tensor %q", prefix+"/kernel:0")
	}
	consumed[prefix+"/kernel:0"] = true
	if len(k.Shape) != 2 || k.Shape[0] != in || k.Shape[1] != out {
		return fmt.Errorf("tensor %q: shape %v, want [%d %d]", prefix+"/kernel:0", k.Shape, in, out)
	}
	for a := 0; a < in; a++ {
		for b := 0; b < out; b++ {
			dst.W.Set(b, a, k.Data[a*out+b])
		}
	}

	bt, ok := tensors[prefix+"/bias:0"]
	if !ok {
		return fmt.Errorf("missing tensor %q", prefix+"/bias:0")
	}
	consumed[prefix+"/bias:0"] = true
	if len(bt.Shape) != 1 || bt.Shape[0] != out {
		return fmt.Errorf("tensor %q: shape %v, want [%d]", prefix+"/bias:0", bt.Shape, out)
	}
	copy(dst.B, bt.Data)
	return nil
}
