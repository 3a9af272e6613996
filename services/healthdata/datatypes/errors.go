// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Error taxonomy for the health-data core.
//
// Components surface *ServiceError values; the gin boundary is the single
// place where they become RFC 7807 Problem Details. Everything in between
// threads errors explicitly (no panics for control flow).
package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies a ServiceError for propagation and retry policy.
type ErrorKind string

const (
	// KindValidation: malformed payload, type mismatch, bounds violation.
	// Client-visible 4xx; never retried server-side.
	KindValidation ErrorKind = "validation"

	// KindAuthorization: caller acting on another user's resource. 403.
	KindAuthorization ErrorKind = "authorization"

	// KindNotFound: missing resource. "Found but wrong user" returns this
	// identically to prevent probing for other users' processing ids.
	KindNotFound ErrorKind = "not_found"

	// KindIntegrity: pretrained-weight digest mismatch or unrecognized
	// tensor shapes. Logged at critical level; pipeline degrades to
	// random init rather than failing uploads.
	KindIntegrity ErrorKind = "integrity"

	// KindDataValidation: pipeline-internal input rejection (empty
	// actigraphy, oversized actigraphy, non-finite values). Job fails
	// with a typed reason; no retry.
	KindDataValidation ErrorKind = "data_validation"

	// KindInference: runtime failure inside the model. Retried up to
	// twice with backoff before the job fails.
	KindInference ErrorKind = "inference"

	// KindStorage: network/IO failure against object or structured store.
	// Retried with backoff; surfaces as 503 from the control plane.
	KindStorage ErrorKind = "storage"

	// KindTimeout: job exceeded its wall-clock cap.
	KindTimeout ErrorKind = "timeout"
)

// =============================================================================
// ServiceError
// =============================================================================

// ServiceError is the typed error threaded through the accept sequence and
// the pipeline. Code is a stable machine-readable reason ("data_too_large",
// "metric_payload_mismatch"); Detail is the human explanation.
type ServiceError struct {
	Kind    ErrorKind
	Code    string
	Detail  string
	Wrapped error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Detail, e.Wrapped)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Detail)
}

// Unwrap enables errors.Is/As through the chain.
func (e *ServiceError) Unwrap() error { return e.Wrapped }

// Retriable reports whether the worker should retry the operation.
func (e *ServiceError) Retriable() bool {
	switch e.Kind {
	case KindStorage, KindInference:
		return true
	default:
		return false
	}
}

// Constructors, one per kind. Wrap attaches an underlying cause.

func Validation(code, detail string) *ServiceError {
	return &ServiceError{Kind: KindValidation, Code: code, Detail: detail}
}

func Authorization(code, detail string) *ServiceError {
	return &ServiceError{Kind: KindAuthorization, Code: code, Detail: detail}
}

func NotFound(code, detail string) *ServiceError {
	return &ServiceError{Kind: KindNotFound, Code: code, Detail: detail}
}

func Integrity(code, detail string, err error) *ServiceError {
	return &ServiceError{Kind: KindIntegrity, Code: code, Detail: detail, Wrapped: err}
}

func DataValidation(code, detail string) *ServiceError {
	return &ServiceError{Kind: KindDataValidation, Code: code, Detail: detail}
}

func Inference(code, detail string, err error) *ServiceError {
	return &ServiceError{Kind: KindInference, Code: code, Detail: detail, Wrapped: err}
}

func Storage(code, detail string, err error) *ServiceError {
	return &ServiceError{Kind: KindStorage, Code: code, Detail: detail, Wrapped: err}
}

func Timeout(code, detail string) *ServiceError {
	return &ServiceError{Kind: KindTimeout, Code: code, Detail: detail}
}

// AsServiceError extracts a *ServiceError from an error chain, or wraps
// an untyped error as a storage failure (the conservative default for
// anything that escaped untyped from an I/O path).
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return &ServiceError{Kind: KindStorage, Code: "internal", Detail: "unclassified failure", Wrapped: err}
}

// =============================================================================
// RFC 7807 Problem Details
// =============================================================================

// ProblemDetail is the wire form of an error at the ingress boundary,
// per RFC 7807.
type ProblemDetail struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	TraceID  string   `json:"trace_id,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	HelpURL  string   `json:"help_url,omitempty"`
}

// problemBase is the URI prefix for problem type identifiers.
const problemBase = "https://aleutian.ai/problems/"

// HTTPStatus maps an error kind to its ingress status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindDataValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Problem converts a ServiceError into its RFC 7807 representation.
// instance is the request path; traceID comes from the active span.
func (e *ServiceError) Problem(instance, traceID string) ProblemDetail {
	return ProblemDetail{
		Type:     problemBase + string(e.Kind) + "/" + e.Code,
		Title:    titleFor(e.Kind),
		Status:   e.Kind.HTTPStatus(),
		Detail:   e.Detail,
		Instance: instance,
		TraceID:  traceID,
	}
}

func titleFor(kind ErrorKind) string {
	switch kind {
	case KindValidation:
		return "Validation Failed"
	case KindAuthorization:
		return "Authorization Failed"
	case KindNotFound:
		return "Resource Not Found"
	case KindIntegrity:
		return "Integrity Check Failed"
	case KindDataValidation:
		return "Data Validation Failed"
	case KindInference:
		return "Inference Failed"
	case KindStorage:
		return "Service Unavailable"
	case KindTimeout:
		return "Request Timed Out"
	default:
		return "Internal Error"
	}
}
