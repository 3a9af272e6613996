// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the healthd service configuration: a YAML file
// at ~/.aleutian/healthd.yaml (auto-created with defaults on first
// run) with environment variables overriding individual keys.
//
// Load is explicit and returns a value; nothing here is global, so
// tests can build configs without touching the filesystem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is the API-tier wiring.
type ServiceConfig struct {
	// Port the HTTP listener binds.
	Port int `yaml:"port"`

	// Region tags logs and traces; the local deployment has no real
	// region, so this is a label, not routing.
	Region string `yaml:"region"`
}

// StorageConfig is the structured-store wiring.
type StorageConfig struct {
	// DataDir is the base directory for on-disk state. The badger
	// keyspace lives under DataDir/TableName so two deployments can
	// share a host without sharing state.
	DataDir string `yaml:"data_dir"`

	// TableName is the root table name.
	TableName string `yaml:"table_name"`

	// EnableCache turns on the read-through item cache.
	EnableCache bool `yaml:"enable_cache"`

	// CacheTTLSeconds is the cache entry lifetime.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// BlobConfig is the raw-payload blob store wiring. An empty bucket
// selects the in-memory store, which only makes sense for local
// development: uploads do not survive a restart.
type BlobConfig struct {
	Bucket     string `yaml:"bucket"`
	SAKeyPath  string `yaml:"sa_key_path"`
	KMSKeyName string `yaml:"kms_key_name"`
}

// ModelConfig selects the actigraphy transformer.
type ModelConfig struct {
	// Size is small, medium, or large.
	Size string `yaml:"size"`

	// Path overrides the weight-file location; it is sanitized against
	// the loader's allow-list before use.
	Path string `yaml:"path"`
}

// QueueConfig tunes the processing tier.
type QueueConfig struct {
	// LeaseSeconds is the claim lease; an orphaned claim is reclaimed
	// after this long.
	LeaseSeconds int `yaml:"lease_seconds"`

	// Concurrency is the worker pool size.
	Concurrency int `yaml:"concurrency"`

	// MaxAttempts caps deliveries per job before it is marked failed.
	MaxAttempts int `yaml:"max_attempts"`
}

// UploadConfig tunes the ingress.
type UploadConfig struct {
	// MaxMetricsPerUpload is the per-request metric ceiling.
	MaxMetricsPerUpload int `yaml:"max_metrics_per_upload"`
}

// TelemetryConfig wires the OTLP trace exporter.
type TelemetryConfig struct {
	// OTLPEndpoint is the collector address (host:port, gRPC). Empty
	// disables trace export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config is the full healthd configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Storage   StorageConfig   `yaml:"storage"`
	Blob      BlobConfig      `yaml:"blob"`
	Model     ModelConfig     `yaml:"model"`
	Queue     QueueConfig     `yaml:"queue"`
	Upload    UploadConfig    `yaml:"upload"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Port:   12300,
			Region: "local",
		},
		Storage: StorageConfig{
			DataDir:         "~/.aleutian/healthd",
			TableName:       "aleutian_health",
			EnableCache:     true,
			CacheTTLSeconds: 300,
		},
		Model: ModelConfig{
			Size: "medium",
		},
		Queue: QueueConfig{
			LeaseSeconds: 600,
			Concurrency:  4,
			MaxAttempts:  3,
		},
		Upload: UploadConfig{
			MaxMetricsPerUpload: 10000,
		},
	}
}

// DefaultPath is ~/.aleutian/healthd.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "healthd.yaml"), nil
}

// Load reads the config at path, creating it with defaults first if it
// does not exist, then applies environment overrides. An empty path
// uses DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return cfg, err
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays the environment onto the file-loaded values. Every
// externally documented key has an override.
func (c *Config) applyEnv() {
	c.Service.Port = getEnvInt("HEALTHD_PORT", c.Service.Port)
	c.Service.Region = getEnvString("REGION", c.Service.Region)
	c.Blob.Bucket = getEnvString("HEALTHKIT_RAW_BUCKET", c.Blob.Bucket)
	c.Storage.TableName = getEnvString("DATA_TABLE_NAME", c.Storage.TableName)
	c.Model.Size = getEnvString("PAT_MODEL_SIZE", c.Model.Size)
	c.Model.Path = getEnvString("PAT_MODEL_PATH", c.Model.Path)
	c.Upload.MaxMetricsPerUpload = getEnvInt("MAX_METRICS_PER_UPLOAD", c.Upload.MaxMetricsPerUpload)
	c.Queue.LeaseSeconds = getEnvInt("JOB_LEASE_SECONDS", c.Queue.LeaseSeconds)
	c.Storage.CacheTTLSeconds = getEnvInt("CACHE_TTL_SECONDS", c.Storage.CacheTTLSeconds)
	c.Storage.EnableCache = getEnvBool("ENABLE_CACHING", c.Storage.EnableCache)
	c.Telemetry.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
}

func (c *Config) validate() error {
	switch c.Model.Size {
	case "small", "medium", "large":
	default:
		return fmt.Errorf("model size must be small, medium, or large, got %q", c.Model.Size)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service port out of range: %d", c.Service.Port)
	}
	if c.Upload.MaxMetricsPerUpload <= 0 {
		return fmt.Errorf("max_metrics_per_upload must be positive, got %d", c.Upload.MaxMetricsPerUpload)
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("lease_seconds must be positive, got %d", c.Queue.LeaseSeconds)
	}
	return nil
}

// ExpandDataDir resolves the ~ prefix and appends the table name.
func (c *Config) ExpandDataDir() string {
	dir := c.Storage.DataDir
	if len(dir) > 0 && dir[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	return filepath.Join(dir, c.Storage.TableName)
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
