// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig holds bucket wiring for the production blob store.
type GCSConfig struct {
	// Bucket is the bucket name. Required.
	Bucket string

	// SAKeyPath is an optional service-account key file. Empty uses
	// application default credentials.
	SAKeyPath string

	// KMSKeyName is an optional customer-managed encryption key resource
	// name. Empty relies on Google-managed encryption, which is always
	// on for GCS objects.
	KMSKeyName string
}

// GCS is the production blob store.
type GCS struct {
	client *storage.Client
	cfg    GCSConfig
	logger *slog.Logger
}

// NewGCS creates the production blob store. The caller owns Close().
func NewGCS(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.SAKeyPath != "" {
		if _, err := os.Stat(cfg.SAKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.SAKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.SAKeyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }

// EnsureLifecycle applies the retention lifecycle to the bucket:
// raw objects step down to Nearline at 30 days and Coldline at 90,
// results at 7 and 30; both prefixes delete at 2555 days (7 years).
// Idempotent; call once at startup.
func (g *GCS) EnsureLifecycle(ctx context.Context) error {
	bucket := g.client.Bucket(g.cfg.Bucket)
	update := storage.BucketAttrsToUpdate{
		Lifecycle: &storage.Lifecycle{Rules: []storage.LifecycleRule{
			{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "NEARLINE"},
				Condition: storage.LifecycleCondition{AgeInDays: 30, MatchesPrefix: []string{RawPrefix}},
			},
			{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "COLDLINE"},
				Condition: storage.LifecycleCondition{AgeInDays: 90, MatchesPrefix: []string{RawPrefix}},
			},
			{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "NEARLINE"},
				Condition: storage.LifecycleCondition{AgeInDays: 7, MatchesPrefix: []string{ResultsPrefix}},
			},
			{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "COLDLINE"},
				Condition: storage.LifecycleCondition{AgeInDays: 30, MatchesPrefix: []string{ResultsPrefix}},
			},
			{
				Action:    storage.LifecycleAction{Type: storage.DeleteAction},
				Condition: storage.LifecycleCondition{AgeInDays: 2555, MatchesPrefix: []string{RawPrefix, ResultsPrefix}},
			},
		}},
	}
	if _, err := bucket.Update(ctx, update); err != nil {
		return fmt.Errorf("apply bucket lifecycle: %w", err)
	}
	return nil
}

// Put writes an object with its compliance metadata.
func (g *GCS) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	obj := g.client.Bucket(g.cfg.Bucket).Object(key)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = meta
	if g.cfg.KMSKeyName != "" {
		w.KMSKeyName = g.cfg.KMSKeyName
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

// Get reads an object.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.cfg.Bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes an object; missing objects are ignored.
func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.cfg.Bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete GCS object %s: %w", key, err)
	}
	return nil
}

// List returns keys under a prefix.
func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects under %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// DeleteUserData removes every object belonging to the user across both
// prefixes. Partial failure returns the count already removed.
func (g *GCS) DeleteUserData(ctx context.Context, userID string) (int, error) {
	removed := 0
	for _, prefix := range []string{RawPrefix, ResultsPrefix} {
		keys, err := g.List(ctx, prefix)
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			if KeyUserID(key) != userID {
				continue
			}
			if err := g.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	g.logger.Info("deleted user blobs", "user_id", userID, "count", removed)
	return removed, nil
}
