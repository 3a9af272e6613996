// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/observability"
	"github.com/AleutianAI/AleutianHealth/services/storage"
	"github.com/AleutianAI/AleutianHealth/services/storage/blob"
)

const (
	// DefaultAnalysisTimeout is the wall-clock cap per job. Jobs past it
	// fail with reason "timeout" rather than holding a worker slot.
	DefaultAnalysisTimeout = 5 * time.Minute

	// DefaultJobLease matches the queue lease: a processing-state record
	// older than this is orphaned and may be re-claimed.
	DefaultJobLease = 10 * time.Minute

	// inferenceRetries is how many times a retriable analysis failure is
	// re-run within one claim before the job fails.
	inferenceRetries = 2

	inferenceRetryBackoff = time.Second
)

// claim outcomes that are not job failures.
var (
	errClaimConflict  = errors.New("job is claimed by another worker")
	errReplayTerminal = errors.New("job already reached a terminal state")
)

// WorkerConfig tunes the processing worker.
type WorkerConfig struct {
	AnalysisTimeout time.Duration
	JobLease        time.Duration
	Logger          *slog.Logger
}

func (c *WorkerConfig) applyDefaults() {
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if c.JobLease <= 0 {
		c.JobLease = DefaultJobLease
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker consumes job messages and runs the analysis pipeline to a
// terminal job state. It is idempotent on processing id: a redelivered
// message whose job already completed (or failed, or was cancelled) is
// suppressed with an audit event instead of re-running side effects.
type Worker struct {
	store    *storage.Store
	blobs    blob.BlobStore
	audit    *storage.AuditLog
	analyzer *Analyzer
	config   WorkerConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewWorker wires the worker. audit may be nil in tests.
func NewWorker(store *storage.Store, blobs blob.BlobStore, audit *storage.AuditLog, analyzer *Analyzer, config WorkerConfig) *Worker {
	config.applyDefaults()
	return &Worker{
		store:    store,
		blobs:    blobs,
		audit:    audit,
		analyzer: analyzer,
		config:   config,
		logger:   config.Logger.With(slog.String("component", "pipeline_worker")),
		tracer:   otel.Tracer("aleutian.health.pipeline"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one delivered job message. It satisfies
// queue.Handler: nil acks the message, an error nacks it.
//
// An error return deliberately leaves the job record in processing; the
// orphan sweep republishes it once the lease expires, so a transient
// storage outage costs one lease interval, not the job.
func (w *Worker) Handle(ctx context.Context, msg datatypes.JobMessage, attempts int) error {
	ctx, span := w.tracer.Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("processing_id", msg.ProcessingID),
		attribute.Int("attempts", attempts),
	))
	defer span.End()
	logger := w.logger.With(
		slog.String("processing_id", msg.ProcessingID),
		slog.String("user_id", msg.UserID),
	)

	claimStart := w.now()
	job, err := w.claimJob(ctx, msg.ProcessingID)
	observability.DefaultMetrics.RecordStage(observability.StageClaim, w.now().Sub(claimStart).Seconds())
	switch {
	case errors.Is(err, errReplayTerminal):
		logger.Info("suppressing replay of terminal job")
		w.emitAudit(ctx, storage.OpPipelineReplaySuppressed, msg.ProcessingID, msg.UserID, nil)
		return nil
	case errors.Is(err, errClaimConflict):
		logger.Debug("job claimed elsewhere, dropping duplicate delivery")
		return nil
	case errors.Is(err, storage.ErrItemNotFound):
		logger.Warn("job record missing for queued message, dropping")
		return nil
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("claim job %s: %w", msg.ProcessingID, err)
	}

	started := w.now()
	w.emitAudit(ctx, storage.OpPipelineStarted, job.ProcessingID, job.UserID, map[string]any{
		"total_metrics": job.TotalMetrics,
		"attempts":      attempts,
	})

	result, serr := w.runAnalysis(ctx, job)
	observability.DefaultMetrics.RecordStage(observability.StageAnalysis, w.now().Sub(started).Seconds())
	if serr != nil {
		if serr.Retriable() {
			// Transient failure: leave the record in processing and let
			// redelivery or the orphan sweep pick it up.
			span.SetStatus(codes.Error, serr.Error())
			return serr
		}
		logger.Warn("job failed", "reason", serr.Code, "error", serr)
		w.failJob(ctx, job, serr.Code)
		return nil
	}

	persistStart := w.now()
	if err := w.persistResult(ctx, job, result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	observability.DefaultMetrics.RecordStage(observability.StagePersist, w.now().Sub(persistStart).Seconds())
	w.completeJob(ctx, job, started)
	logger.Info("job completed",
		"duration", w.now().Sub(started).String(),
		"weights_verified", result.Metadata["weights_verified"])
	return nil
}

// MarkExhausted satisfies queue.ExhaustedHandler: when the queue drops
// a message after its final attempt, the job record must still reach a
// terminal state.
func (w *Worker) MarkExhausted(ctx context.Context, msg datatypes.JobMessage, lastErr error) {
	w.logger.Error("job exhausted its delivery attempts",
		"processing_id", msg.ProcessingID, "error", lastErr)
	job := &datatypes.ProcessingJob{ProcessingID: msg.ProcessingID, UserID: msg.UserID}
	w.failJob(ctx, job, "retries_exhausted")
}

// claimJob transitions received -> processing under a conditional
// update. A processing-state record past its lease is orphaned and may
// be re-claimed; a fresh one belongs to another worker.
func (w *Worker) claimJob(ctx context.Context, processingID string) (*datatypes.ProcessingJob, error) {
	var claimed datatypes.ProcessingJob
	now := w.now()
	err := w.store.Update(ctx, storage.TableProcessingJobs, storage.JobKey(processingID),
		func(item storage.Item) error {
			var job datatypes.ProcessingJob
			if err := storage.ItemToStruct(item, &job); err != nil {
				return err
			}
			switch {
			case job.Status.Terminal():
				return errReplayTerminal
			case job.Status == datatypes.StatusReceived:
				return nil
			case job.Orphaned(w.config.JobLease, now):
				return nil
			default:
				return errClaimConflict
			}
		},
		func(item storage.Item) {
			item["status"] = string(datatypes.StatusProcessing)
		})
	if err != nil {
		switch {
		case errors.Is(err, errReplayTerminal):
			return nil, errReplayTerminal
		case errors.Is(err, errClaimConflict):
			return nil, errClaimConflict
		default:
			return nil, err
		}
	}

	item, err := w.store.Get(ctx, storage.TableProcessingJobs, storage.JobKey(processingID),
		storage.GetOptions{SkipCache: true})
	if err != nil {
		return nil, err
	}
	if err := storage.ItemToStruct(item, &claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}

// runAnalysis fetches the raw blob and runs the analyzer under the
// wall-clock cap, retrying retriable failures within the claim.
func (w *Worker) runAnalysis(ctx context.Context, job *datatypes.ProcessingJob) (*datatypes.AnalysisResult, *datatypes.ServiceError) {
	raw, err := w.blobs.Get(ctx, job.RawBlobPath)
	if errors.Is(err, blob.ErrBlobNotFound) {
		return nil, datatypes.DataValidation("raw_blob_missing", "raw upload blob is gone")
	}
	if err != nil {
		return nil, datatypes.Storage("raw_blob_read", "reading raw upload blob", err)
	}

	var doc datatypes.RawBlobDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, datatypes.DataValidation("raw_blob_corrupt", "raw upload blob does not decode")
	}

	metrics := make([]*datatypes.HealthMetric, len(doc.Metrics))
	for i := range doc.Metrics {
		metrics[i] = &doc.Metrics[i]
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.AnalysisTimeout)
	defer cancel()

	var result *datatypes.AnalysisResult
	for attempt := 0; ; attempt++ {
		result, err = w.analyzer.Analyze(ctx, job.UserID, job.ProcessingID, metrics)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, datatypes.Timeout("timeout", "analysis exceeded its wall-clock cap")
		}
		serr := datatypes.AsServiceError(err)
		if serr.Kind != datatypes.KindInference || attempt >= inferenceRetries {
			return nil, serr
		}
		w.logger.Warn("retrying inference failure",
			"processing_id", job.ProcessingID, "attempt", attempt+1, "error", serr)
		select {
		case <-ctx.Done():
			return nil, datatypes.Timeout("timeout", "analysis exceeded its wall-clock cap")
		case <-time.After(inferenceRetryBackoff << attempt):
		}
	}
}

// persistResult writes the analysis row and the results blob. Both must
// land before the job flips to completed; a failure here leaves the job
// processing for the orphan sweep.
func (w *Worker) persistResult(ctx context.Context, job *datatypes.ProcessingJob, result *datatypes.AnalysisResult) error {
	if result.Metadata == nil {
		result.Metadata = make(map[string]string)
	}
	// The row inherits the upload's source so result listings can
	// filter by producing app.
	result.Metadata["upload_source"] = job.UploadSource

	item, err := storage.StructToItem(result)
	if err != nil {
		return fmt.Errorf("encode analysis result: %w", err)
	}
	key := storage.AnalysisKey(job.UserID, result.Timestamp)
	if err := w.store.Put(ctx, storage.TableAnalysisResults, key, item); err != nil {
		return fmt.Errorf("write analysis row: %w", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal results blob: %w", err)
	}
	meta := blob.NewMetadata(job.UserID, job.ProcessingID, job.UploadSource,
		"analysis_results", job.TotalMetrics)
	blobKey := blob.ResultsKey(job.UserID, job.ProcessingID, result.Timestamp)
	if err := w.blobs.Put(ctx, blobKey, data, meta); err != nil {
		return fmt.Errorf("write results blob: %w", err)
	}
	return nil
}

// completeJob flips processing -> completed. A conditional failure here
// means the job was cancelled mid-flight; the result row stays (it is
// harmless) and the cancellation wins.
func (w *Worker) completeJob(ctx context.Context, job *datatypes.ProcessingJob, started time.Time) {
	err := w.store.Update(ctx, storage.TableProcessingJobs, storage.JobKey(job.ProcessingID),
		func(item storage.Item) error {
			var current datatypes.ProcessingJob
			if err := storage.ItemToStruct(item, &current); err != nil {
				return err
			}
			if !current.Status.CanTransition(datatypes.StatusCompleted) {
				return fmt.Errorf("status %s cannot complete", current.Status)
			}
			return nil
		},
		func(item storage.Item) {
			item["status"] = string(datatypes.StatusCompleted)
			item["processed_metrics"] = int64(job.TotalMetrics)
		})
	if err != nil {
		w.logger.Error("completing job record failed",
			"processing_id", job.ProcessingID, "error", err)
		return
	}
	observability.DefaultMetrics.RecordJobOutcome(string(datatypes.StatusCompleted))
	w.emitAudit(ctx, storage.OpPipelineCompleted, job.ProcessingID, job.UserID, map[string]any{
		"duration_ms": w.now().Sub(started).Milliseconds(),
	})
}

// failJob flips the record to failed with a typed reason code. Already-
// terminal records are left alone.
func (w *Worker) failJob(ctx context.Context, job *datatypes.ProcessingJob, reason string) {
	err := w.store.Update(ctx, storage.TableProcessingJobs, storage.JobKey(job.ProcessingID),
		func(item storage.Item) error {
			var current datatypes.ProcessingJob
			if err := storage.ItemToStruct(item, &current); err != nil {
				return err
			}
			if current.Status.Terminal() {
				return errReplayTerminal
			}
			return nil
		},
		func(item storage.Item) {
			item["status"] = string(datatypes.StatusFailed)
			item["error"] = reason
		})
	if err != nil && !errors.Is(err, errReplayTerminal) && !errors.Is(err, storage.ErrItemNotFound) {
		w.logger.Error("failing job record failed",
			"processing_id", job.ProcessingID, "reason", reason, "error", err)
		return
	}
	if err == nil {
		observability.DefaultMetrics.RecordJobOutcome(string(datatypes.StatusFailed))
		w.emitAudit(ctx, storage.OpPipelineFailed, job.ProcessingID, job.UserID, map[string]any{
			"reason": reason,
		})
	}
}

func (w *Worker) emitAudit(ctx context.Context, op storage.AuditOperation, processingID, userID string, meta map[string]any) {
	if w.audit == nil {
		return
	}
	w.audit.Emit(ctx, storage.AuditEvent{
		Operation: op,
		Table:     storage.TableProcessingJobs,
		ItemID:    processingID,
		UserID:    userID,
		Metadata:  meta,
	})
}
