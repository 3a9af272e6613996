// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthd.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err, "first run should write the default config file")
	assert.Equal(t, "medium", cfg.Model.Size)
	assert.Equal(t, 10000, cfg.Upload.MaxMetricsPerUpload)
	assert.Equal(t, 600, cfg.Queue.LeaseSeconds)
}

func TestLoad_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthd.yaml")
	body := "service:\n  port: 9999\nmodel:\n  size: small\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Service.Port)
	assert.Equal(t, "small", cfg.Model.Size)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 10000, cfg.Upload.MaxMetricsPerUpload)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthd.yaml")
	t.Setenv("PAT_MODEL_SIZE", "large")
	t.Setenv("MAX_METRICS_PER_UPLOAD", "500")
	t.Setenv("ENABLE_CACHING", "false")
	t.Setenv("HEALTHKIT_RAW_BUCKET", "healthkit-raw-prod")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "large", cfg.Model.Size)
	assert.Equal(t, 500, cfg.Upload.MaxMetricsPerUpload)
	assert.False(t, cfg.Storage.EnableCache, "ENABLE_CACHING=false should disable the cache")
	assert.Equal(t, "healthkit-raw-prod", cfg.Blob.Bucket)
}

func TestLoad_RejectsBadModelSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthd.yaml")
	t.Setenv("PAT_MODEL_SIZE", "enormous")

	_, err := Load(path)
	require.Error(t, err, "an unknown model size must fail loading")
}

func TestExpandDataDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/var/lib/aleutian"
	cfg.Storage.TableName = "health_prod"
	assert.Equal(t, "/var/lib/aleutian/health_prod", cfg.ExpandDataDir())

	cfg.Storage.DataDir = "~/.aleutian/healthd"
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian", "healthd", "health_prod"), cfg.ExpandDataDir())
}
