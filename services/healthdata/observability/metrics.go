// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the health data
// plane.
//
// # Description
//
// Metrics cover the ingestion control plane (uploads accepted/rejected),
// the analysis pipeline (job outcomes, per-stage latency), the durable
// queue (depth), and the audit trail (write failures). They are exposed
// on /metrics and are intended for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking. Every helper is also nil-receiver safe so library code can
// record unconditionally while tests run without a registry.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for health data plane metrics
const healthSubsystem = "health"

// HealthMetrics holds all Prometheus metrics for the health data plane.
// Initialize once at startup via InitMetrics().
type HealthMetrics struct {
	// UploadsTotal counts upload requests by outcome.
	// Labels: status (accepted, rejected)
	UploadsTotal *prometheus.CounterVec

	// UploadRejectionsTotal counts rejected uploads by error code.
	// Labels: code (no_metrics, too_many_metrics, user_mismatch, ...)
	UploadRejectionsTotal *prometheus.CounterVec

	// UploadMetricsCount sizes accepted upload batches.
	UploadMetricsCount prometheus.Histogram

	// JobsTotal counts jobs reaching a terminal state.
	// Labels: status (completed, failed, cancelled)
	JobsTotal *prometheus.CounterVec

	// StageDurationSeconds measures pipeline stage latency.
	// Labels: stage (claim, analysis, persist)
	StageDurationSeconds *prometheus.HistogramVec

	// QueueDepth tracks the number of pending queue entries.
	QueueDepth prometheus.Gauge

	// SweepActionsTotal counts recovery sweep actions.
	// Labels: action (republish, reclaim, expire, audit_prune, orphan_blob)
	SweepActionsTotal *prometheus.CounterVec

	// AuditWriteFailuresTotal counts audit trail entries that could not
	// be persisted. A non-zero rate is an operational alarm, not a
	// request failure.
	AuditWriteFailuresTotal prometheus.Counter

	// ErasuresTotal counts user data erasure requests.
	ErasuresTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of HealthMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *HealthMetrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at application startup; panics if called twice (duplicate
// registration).
func InitMetrics() *HealthMetrics {
	DefaultMetrics = &HealthMetrics{
		UploadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "uploads_total",
				Help:      "Total upload requests by outcome",
			},
			[]string{"status"},
		),

		UploadRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "upload_rejections_total",
				Help:      "Total rejected uploads by error code",
			},
			[]string{"code"},
		),

		UploadMetricsCount: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "upload_metrics_count",
				Help:      "Metrics per accepted upload batch",
				Buckets:   []float64{1, 10, 100, 500, 1000, 2500, 5000, 10000},
			},
		),

		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "jobs_total",
				Help:      "Total processing jobs reaching a terminal state",
			},
			[]string{"status"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "queue_depth",
				Help:      "Pending entries in the durable job queue",
			},
		),

		SweepActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "sweep_actions_total",
				Help:      "Recovery sweep actions by kind",
			},
			[]string{"action"},
		),

		AuditWriteFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "audit_write_failures_total",
				Help:      "Audit trail entries that failed to persist",
			},
		),

		ErasuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: healthSubsystem,
				Name:      "erasures_total",
				Help:      "User data erasure requests processed",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Stage Names
// =============================================================================

// Stage labels one phase of the analysis pipeline for latency metrics.
type Stage string

const (
	// StageClaim is the conditional job claim on the job record.
	StageClaim Stage = "claim"

	// StageAnalysis is blob load plus feature extraction and fusion.
	StageAnalysis Stage = "analysis"

	// StagePersist is the result row and results blob write.
	StagePersist Stage = "persist"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordUpload records one upload request outcome.
func (m *HealthMetrics) RecordUpload(accepted bool, metricsCount int) {
	if m == nil {
		return
	}
	if accepted {
		m.UploadsTotal.WithLabelValues("accepted").Inc()
		m.UploadMetricsCount.Observe(float64(metricsCount))
		return
	}
	m.UploadsTotal.WithLabelValues("rejected").Inc()
}

// RecordRejection records the error code of a rejected upload.
func (m *HealthMetrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.UploadRejectionsTotal.WithLabelValues(code).Inc()
}

// RecordJobOutcome records a job reaching a terminal status.
func (m *HealthMetrics) RecordJobOutcome(status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}

// RecordStage records one pipeline stage duration.
func (m *HealthMetrics) RecordStage(stage Stage, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(string(stage)).Observe(seconds)
}

// SetQueueDepth publishes the current queue backlog.
func (m *HealthMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordSweep records recovery sweep actions of one kind.
func (m *HealthMetrics) RecordSweep(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SweepActionsTotal.WithLabelValues(action).Add(float64(count))
}

// RecordAuditWriteFailure counts a lost audit trail entry.
func (m *HealthMetrics) RecordAuditWriteFailure() {
	if m == nil {
		return
	}
	m.AuditWriteFailuresTotal.Inc()
}

// RecordErasure counts one user data erasure.
func (m *HealthMetrics) RecordErasure() {
	if m == nil {
		return
	}
	m.ErasuresTotal.Inc()
}
