// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// storage keys, object paths, or queue messages. Using these validators
// prevents injection attacks (key-prefix escapes, path traversal) before a
// value reaches the structured store or the blob store.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// metricTypePattern matches valid metric type identifiers.
// Allows: lowercase letters, digits, underscores. Max length 64.
// Matches the wire form used by mobile clients (heart_rate, blood_oxygen).
var metricTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// uploadSourcePattern matches valid upload source identifiers.
// Allows: letters, digits, dots, hyphens, underscores. Max length 64.
// Examples: "apple_health", "fitbit", "oura-ring-v3".
var uploadSourcePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateMetricType validates a metric type identifier.
//
// Metric types become part of structured-store sort keys and routing
// decisions; a crafted value could escape its key prefix. Unknown but
// well-formed types are accepted here (the router sends them to the
// "other" bucket), malformed ones are rejected.
//
// Example:
//
//	if err := validation.ValidateMetricType(m.MetricType); err != nil {
//	    return fmt.Errorf("invalid metric type: %w", err)
//	}
func ValidateMetricType(metricType string) error {
	if metricType == "" {
		return fmt.Errorf("metric type cannot be empty")
	}
	if !metricTypePattern.MatchString(metricType) {
		return fmt.Errorf("invalid metric type format: %q", metricType)
	}
	return nil
}

// ValidateUploadSource validates an upload source identifier.
//
// The upload source is stored as object metadata and in the raw blob;
// it must not contain path separators or control characters.
func ValidateUploadSource(source string) error {
	if source == "" {
		return fmt.Errorf("upload source cannot be empty")
	}
	if !uploadSourcePattern.MatchString(source) {
		return fmt.Errorf("invalid upload source format: %q", source)
	}
	return nil
}

// ValidateUserID validates that a user identifier is a well-formed UUID.
//
// User IDs are embedded in object keys (raw_data/YYYY/MM/DD/<user_id>/...)
// and store partition keys. Restricting them to UUID form rules out
// traversal sequences and cross-prefix reads by construction.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("user id is not a valid UUID: %w", err)
	}
	return nil
}

// ValidateProcessingID validates that a processing identifier is a
// well-formed UUID. Same key-safety reasoning as ValidateUserID.
func ValidateProcessingID(processingID string) error {
	if processingID == "" {
		return fmt.Errorf("processing id cannot be empty")
	}
	if _, err := uuid.Parse(processingID); err != nil {
		return fmt.Errorf("processing id is not a valid UUID: %w", err)
	}
	return nil
}

// SanitizeDeviceID normalizes a device identifier for storage.
//
// Device IDs come from client firmware and vary wildly. Whitespace is
// trimmed, interior control characters rejected, and length capped at 128.
// Returns the sanitized value or an error.
func SanitizeDeviceID(deviceID string) (string, error) {
	s := strings.TrimSpace(deviceID)
	if s == "" {
		return "", nil // absent device id is legal
	}
	if len(s) > 128 {
		return "", fmt.Errorf("device id exceeds 128 characters")
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("device id contains control characters")
		}
	}
	return s, nil
}
