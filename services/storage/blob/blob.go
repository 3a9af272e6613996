// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blob stores raw upload payloads and analysis result documents
// as immutable objects. The structured store keeps only metadata and
// references; the blob is the durable source of truth for reprocessing.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Object key prefixes. Date partitioning puts the upload date, not the
// metric timestamps, in the path so a day's intake is one prefix scan.
const (
	RawPrefix     = "raw_data/"
	ResultsPrefix = "analysis_results/"
)

// Object metadata attribute names attached to every blob.
const (
	MetaUserID       = "user-id"
	MetaProcessingID = "processing-id"
	MetaUploadSource = "upload-source"
	MetaMetricsCount = "metrics-count"
	MetaDataType     = "data-type"
	MetaCompliance   = "compliance"
)

// ComplianceTag marks every object for bucket-level compliance audits.
const ComplianceTag = "hipaa"

// ErrBlobNotFound is returned by Get for missing keys.
var ErrBlobNotFound = errors.New("blob not found")

// Metadata is the attribute set stored alongside an object.
type Metadata map[string]string

// NewMetadata builds the standard attribute set for an upload blob.
func NewMetadata(userID, processingID, uploadSource, dataType string, metricsCount int) Metadata {
	return Metadata{
		MetaUserID:       userID,
		MetaProcessingID: processingID,
		MetaUploadSource: uploadSource,
		MetaMetricsCount: fmt.Sprintf("%d", metricsCount),
		MetaDataType:     dataType,
		MetaCompliance:   ComplianceTag,
	}
}

// RawKey builds raw_data/YYYY/MM/DD/<user>/<processing_id>.json for the
// given upload time.
func RawKey(userID, processingID string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s/%s.json", RawPrefix, at.UTC().Format("2006/01/02"), userID, processingID)
}

// ResultsKey builds analysis_results/YYYY/MM/DD/<user>/<processing_id>_results.json.
func ResultsKey(userID, processingID string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s/%s_results.json", ResultsPrefix, at.UTC().Format("2006/01/02"), userID, processingID)
}

// KeyUserID extracts the user segment from a raw or results key, empty
// when the key does not match either layout.
func KeyUserID(key string) string {
	rest := key
	switch {
	case strings.HasPrefix(key, RawPrefix):
		rest = strings.TrimPrefix(key, RawPrefix)
	case strings.HasPrefix(key, ResultsPrefix):
		rest = strings.TrimPrefix(key, ResultsPrefix)
	default:
		return ""
	}
	// YYYY/MM/DD/<user>/<object>
	parts := strings.Split(rest, "/")
	if len(parts) != 5 {
		return ""
	}
	return parts[3]
}

// BlobStore is the object storage contract. Implementations: GCS for
// production, Memory for tests.
type BlobStore interface {
	// Put writes an object. Overwrites are allowed only for idempotent
	// re-drives of the same processing id.
	Put(ctx context.Context, key string, data []byte, meta Metadata) error

	// Get reads an object. Returns ErrBlobNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Missing keys are not an error: delete is
	// a compensation step and must be idempotent.
	Delete(ctx context.Context, key string) error

	// List returns object keys under a prefix, lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// DeleteUserData removes every raw and results object belonging to
	// the user. Returns the count removed.
	DeleteUserData(ctx context.Context, userID string) (int, error)
}
