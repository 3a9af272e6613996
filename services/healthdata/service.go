// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package healthdata is the ingestion control plane: it accepts metric
// uploads, freezes them into immutable raw blobs, creates processing
// jobs, and serves status, result listing, and deletion.
package healthdata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/observability"
	"github.com/AleutianAI/AleutianHealth/services/storage"
	"github.com/AleutianAI/AleutianHealth/services/storage/blob"
)

// =============================================================================
// Service
// =============================================================================

// JobPublisher enqueues accepted jobs for the analysis workers.
// Satisfied by *queue.Queue.
type JobPublisher interface {
	Publish(ctx context.Context, msg datatypes.JobMessage) error
}

// Config tunes the control plane.
type Config struct {
	// MaxMetricsPerUpload caps batch size; default
	// datatypes.DefaultMaxMetricsPerUpload.
	MaxMetricsPerUpload int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service implements the health data control plane over the structured
// store, the blob store, and the durable job queue.
type Service struct {
	store      *storage.Store
	blobs      blob.BlobStore
	publisher  JobPublisher
	audit      *storage.AuditLog
	logger     *slog.Logger
	tracer     trace.Tracer
	maxMetrics int
	now        func() time.Time
}

// NewService wires the control plane. audit may be nil in tests.
func NewService(store *storage.Store, blobs blob.BlobStore, publisher JobPublisher,
	audit *storage.AuditLog, cfg Config) *Service {
	if cfg.MaxMetricsPerUpload <= 0 {
		cfg.MaxMetricsPerUpload = datatypes.DefaultMaxMetricsPerUpload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:      store,
		blobs:      blobs,
		publisher:  publisher,
		audit:      audit,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("aleutian.health.ingest"),
		maxMetrics: cfg.MaxMetricsPerUpload,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// Accept
// =============================================================================

// Accept runs the upload acceptance sequence. The raw blob is written
// before any structured record so that every job ever visible in the
// store has a durable payload behind it; each later step can only
// strand earlier ones, never the reverse, and every stranding has a
// recovery path (ORPHAN_BLOB audit, republish sweep).
//
// Returns the client acknowledgment on success. A queue publish
// failure is not surfaced: the job stays received and the sweep
// re-publishes it.
func (s *Service) Accept(ctx context.Context, authUserID string, upload *datatypes.Upload) (*datatypes.UploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "healthdata.Accept")
	defer span.End()

	if err := upload.Validate(authUserID, s.maxMetrics); err != nil {
		observability.DefaultMetrics.RecordUpload(false, 0)
		if se := datatypes.AsServiceError(err); se != nil {
			observability.DefaultMetrics.RecordRejection(se.Code)
		}
		return nil, err
	}

	processingID := uuid.NewString()
	now := s.now()
	span.SetAttributes(
		attribute.String("processing_id", processingID),
		attribute.Int("metrics_count", len(upload.Metrics)),
	)

	// Step 1: immutable raw blob, the payload of record.
	doc := datatypes.NewRawBlobDocument(upload, processingID, now)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, datatypes.Storage("raw_blob_encode", "failed to serialize upload", err)
	}
	blobKey := blob.RawKey(upload.UserID, processingID, now)
	meta := blob.NewMetadata(upload.UserID, processingID, upload.UploadSource, "raw_data", len(upload.Metrics))
	if err := s.blobs.Put(ctx, blobKey, data, meta); err != nil {
		return nil, datatypes.Storage("raw_blob_write", "failed to persist raw upload", err)
	}

	// Step 2: job record. A failure here strands the blob; flag it so
	// the sweep can reclaim the orphan.
	job := datatypes.NewProcessingJob(processingID, upload.UserID, blobKey, upload.UploadSource, len(upload.Metrics), now)
	item, err := storage.StructToItem(job)
	if err != nil {
		return nil, datatypes.Storage("job_record_encode", "failed to encode job record", err)
	}
	if err := s.store.Put(ctx, storage.TableProcessingJobs, storage.JobKey(processingID), item); err != nil {
		s.emitAudit(ctx, storage.OpOrphanBlob, blobKey, upload.UserID, map[string]any{
			"processing_id": processingID,
			"raw_blob_path": blobKey,
		})
		return nil, datatypes.Storage("job_record_write", "failed to create processing job", err)
	}

	// User-partitioned index entry for list filtering. Derivable from
	// the primary record, so a failure degrades listing, not intake.
	idx := storage.Item{
		"processing_id": processingID,
		"user_id":       upload.UserID,
		"status":        string(datatypes.StatusReceived),
		"upload_source": upload.UploadSource,
	}
	if err := s.store.Put(ctx, storage.TableProcessingJobs,
		storage.JobIndexKey(upload.UserID, processingID, now), idx); err != nil {
		s.logger.Warn("job index write failed", "processing_id", processingID, "error", err)
	}

	// Step 3: denormalized per-metric records for filtered reads.
	if err := s.writeMetricRecords(ctx, upload, processingID); err != nil {
		// The job exists and the blob holds every metric; the republish
		// sweep will still get it analyzed. Surface the failure so the
		// client knows record-level reads may lag.
		return nil, datatypes.Storage("metric_records_write", "failed to persist metric records", err)
	}

	// Step 4: hand the job to the workers.
	msg := datatypes.JobMessage{
		ProcessingID: processingID,
		UserID:       upload.UserID,
		RawBlobPath:  blobKey,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("job publish failed, leaving job for republish sweep",
			"processing_id", processingID, "error", err)
	}

	observability.DefaultMetrics.RecordUpload(true, len(upload.Metrics))
	s.logger.Info("upload accepted",
		"processing_id", processingID,
		"user_id", upload.UserID,
		"metrics", len(upload.Metrics),
		"source", upload.UploadSource)

	return &datatypes.UploadResponse{
		ProcessingID:                   processingID,
		AcceptedMetrics:                len(upload.Metrics),
		EstimatedProcessingTimeSeconds: datatypes.EstimateProcessingSeconds(len(upload.Metrics)),
	}, nil
}

// writeMetricRecords batch-writes one structured record per metric,
// partition user, sort fixed-width-timestamp#metric_id so time-range
// scans are contiguous.
func (s *Service) writeMetricRecords(ctx context.Context, upload *datatypes.Upload, processingID string) error {
	entries := make([]storage.BatchEntry, 0, len(upload.Metrics))
	for i := range upload.Metrics {
		m := &upload.Metrics[i]
		item, err := storage.StructToItem(m)
		if err != nil {
			return fmt.Errorf("encode metric %s: %w", m.MetricID, err)
		}
		item["user_id"] = upload.UserID
		item["processing_id"] = processingID
		item["upload_source"] = upload.UploadSource
		entries = append(entries, storage.BatchEntry{
			Key:  storage.MetricRecordKey(upload.UserID, m.MetricID, m.CreatedAt),
			Item: item,
		})
	}
	return s.store.BatchWrite(ctx, storage.TableHealthData, entries)
}

// =============================================================================
// Status
// =============================================================================

// Status reports one job's progress. A job belonging to another user
// answers exactly like a missing one, so the endpoint cannot be used to
// probe for foreign processing ids.
func (s *Service) Status(ctx context.Context, userID, processingID string) (*datatypes.StatusResponse, error) {
	job, err := s.loadJob(ctx, userID, processingID)
	if err != nil {
		return nil, err
	}
	return &datatypes.StatusResponse{
		ProcessingID: job.ProcessingID,
		Status:       job.Status,
		Progress:     job.Progress(),
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}, nil
}

// loadJob fetches a job and enforces ownership with an answer
// indistinguishable from absence.
func (s *Service) loadJob(ctx context.Context, userID, processingID string) (*datatypes.ProcessingJob, error) {
	notFound := datatypes.NotFound("job_not_found", "no processing job with this id")

	// A malformed id can never name a job, and must not reach the key
	// layer; it answers like any other absent id.
	if err := validation.ValidateProcessingID(processingID); err != nil {
		return nil, notFound
	}
	item, err := s.store.Get(ctx, storage.TableProcessingJobs, storage.JobKey(processingID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, notFound
		}
		return nil, datatypes.Storage("job_record_read", "failed to read processing job", err)
	}
	var job datatypes.ProcessingJob
	if err := storage.ItemToStruct(item, &job); err != nil {
		return nil, datatypes.Storage("job_record_decode", "corrupt processing job record", err)
	}
	if job.UserID != userID {
		return nil, notFound
	}
	return &job, nil
}

// =============================================================================
// List
// =============================================================================

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// List returns a page of the caller's stored data, newest first.
// Without a data_type filter it lists analysis results; with one it
// lists the matching denormalized metric records. The cursor is opaque
// to clients.
func (s *Service) List(ctx context.Context, userID string, filter datatypes.ListFilter) (*datatypes.ListPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	startAfter, err := decodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}

	table := storage.TableAnalysisResults
	sortPrefix := storage.AnalysisSortPrefix
	if filter.DataType != "" {
		table = storage.TableHealthData
		sortPrefix = ""
	}

	result, err := s.store.Query(ctx, table, userID, storage.QueryOptions{
		SortPrefix: sortPrefix,
		Descending: true,
		Limit:      limit,
		StartAfter: startAfter,
	})
	if err != nil {
		return nil, datatypes.Storage("list_query", "failed to list stored data", err)
	}

	page := &datatypes.ListPage{Items: make([]map[string]any, 0, len(result.Items))}
	for _, item := range result.Items {
		if !matchesFilter(item, filter) {
			continue
		}
		page.Items = append(page.Items, map[string]any(item))
	}
	page.NextCursor = encodeCursor(result.NextCursor)
	return page, nil
}

// matchesFilter applies the type, source, and date bounds to one item.
// Filters narrow within the fetched page; pages stay key-ordered.
func matchesFilter(item storage.Item, filter datatypes.ListFilter) bool {
	if filter.DataType != "" {
		if mt, _ := item["metric_type"].(string); mt != filter.DataType {
			return false
		}
	}
	if filter.Source != "" {
		if src, _ := item["upload_source"].(string); src != filter.Source {
			return false
		}
	}
	if filter.StartDate == nil && filter.EndDate == nil {
		return true
	}
	ts := itemTimestamp(item)
	if ts.IsZero() {
		return false
	}
	if filter.StartDate != nil && ts.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && !ts.Before(filter.EndDate.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// itemTimestamp reads the record's event time: analysis rows carry
// "timestamp", metric records "created_at".
func itemTimestamp(item storage.Item) time.Time {
	for _, field := range []string{"timestamp", "created_at"} {
		if raw, ok := item[field].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

func encodeCursor(sortKey string) string {
	if sortKey == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", datatypes.Validation("bad_cursor", "cursor is not a valid pagination token")
	}
	return string(raw), nil
}

// =============================================================================
// Delete
// =============================================================================

// Delete cancels one job and erases its payloads: the raw blob, the
// results blob, the analysis rows, and the denormalized metric records.
// The job record itself survives as cancelled so status polls keep
// answering. Idempotent; deleting an already-terminal job only erases.
func (s *Service) Delete(ctx context.Context, userID, processingID string) error {
	ctx, span := s.tracer.Start(ctx, "healthdata.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("processing_id", processingID))

	job, err := s.loadJob(ctx, userID, processingID)
	if err != nil {
		return err
	}

	if !job.Status.Terminal() {
		err := s.store.Update(ctx, storage.TableProcessingJobs, storage.JobKey(processingID),
			func(item storage.Item) error { return nil },
			func(item storage.Item) {
				item["status"] = string(datatypes.StatusCancelled)
				item["error"] = "cancelled_by_user"
			})
		if err != nil {
			return datatypes.Storage("job_cancel", "failed to cancel processing job", err)
		}
		observability.DefaultMetrics.RecordJobOutcome(string(datatypes.StatusCancelled))
	}

	// Blob erasure is idempotent; the results blob key embeds the
	// completion date, so locate it by suffix.
	if err := s.blobs.Delete(ctx, job.RawBlobPath); err != nil {
		return datatypes.Storage("raw_blob_delete", "failed to erase raw upload", err)
	}
	if err := s.deleteResultsBlob(ctx, userID, processingID); err != nil {
		return err
	}

	if err := s.deleteAnalysisRows(ctx, userID, processingID); err != nil {
		return err
	}
	if err := s.deleteMetricRecords(ctx, userID, processingID); err != nil {
		return err
	}

	s.logger.Info("processing job deleted", "processing_id", processingID, "user_id", userID)
	return nil
}

func (s *Service) deleteResultsBlob(ctx context.Context, userID, processingID string) error {
	keys, err := s.blobs.List(ctx, blob.ResultsPrefix)
	if err != nil {
		return datatypes.Storage("results_blob_list", "failed to locate results blob", err)
	}
	suffix := "/" + userID + "/" + processingID + "_results.json"
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			if err := s.blobs.Delete(ctx, key); err != nil {
				return datatypes.Storage("results_blob_delete", "failed to erase results blob", err)
			}
		}
	}
	return nil
}

func (s *Service) deleteAnalysisRows(ctx context.Context, userID, processingID string) error {
	result, err := s.store.Query(ctx, storage.TableAnalysisResults, userID, storage.QueryOptions{
		SortPrefix: storage.AnalysisSortPrefix,
	})
	if err != nil {
		return datatypes.Storage("analysis_rows_query", "failed to locate analysis rows", err)
	}
	for _, item := range result.Items {
		if pid, _ := item["processing_id"].(string); pid != processingID {
			continue
		}
		ts := itemTimestamp(item)
		if ts.IsZero() {
			continue
		}
		if err := s.store.Delete(ctx, storage.TableAnalysisResults, storage.AnalysisKey(userID, ts)); err != nil &&
			!storage.IsNotFound(err) {
			return datatypes.Storage("analysis_row_delete", "failed to erase analysis row", err)
		}
	}
	return nil
}

func (s *Service) deleteMetricRecords(ctx context.Context, userID, processingID string) error {
	result, err := s.store.Query(ctx, storage.TableHealthData, userID, storage.QueryOptions{})
	if err != nil {
		return datatypes.Storage("metric_records_query", "failed to locate metric records", err)
	}
	for _, item := range result.Items {
		if pid, _ := item["processing_id"].(string); pid != processingID {
			continue
		}
		id, _ := item["metric_id"].(string)
		ts := itemTimestamp(item)
		if id == "" || ts.IsZero() {
			continue
		}
		if err := s.store.Delete(ctx, storage.TableHealthData, storage.MetricRecordKey(userID, id, ts)); err != nil &&
			!storage.IsNotFound(err) {
			return datatypes.Storage("metric_record_delete", "failed to erase metric record", err)
		}
	}
	return nil
}

// =============================================================================
// User Erasure
// =============================================================================

// EraseUser removes every stored artifact belonging to the user: blob
// objects, job records, and analysis rows, plus the index and metric
// records behind them. The cascade emits exactly one DELETE audit
// event whose deleted_count sums blobs, jobs, and analysis rows.
func (s *Service) EraseUser(ctx context.Context, userID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "healthdata.EraseUser")
	defer span.End()

	// Primary job records are keyed by processing id; find them through
	// the user-partitioned index before it goes away.
	index, err := s.store.Query(ctx, storage.TableProcessingJobs, userID, storage.QueryOptions{
		SortPrefix: storage.JobSortPrefix,
	})
	if err != nil {
		return 0, datatypes.Storage("erasure_index_query", "failed to enumerate user jobs", err)
	}

	jobs := 0
	for _, item := range index.Items {
		pid, _ := item["processing_id"].(string)
		if pid == "" {
			continue
		}
		n, err := s.store.PurgePartition(ctx, storage.TableProcessingJobs, pid)
		if err != nil {
			return 0, datatypes.Storage("erasure_jobs", "failed to erase processing jobs", err)
		}
		jobs += n
	}
	if _, err := s.store.PurgePartition(ctx, storage.TableProcessingJobs, userID); err != nil {
		return 0, datatypes.Storage("erasure_job_index", "failed to erase job index", err)
	}

	results, err := s.store.PurgePartition(ctx, storage.TableAnalysisResults, userID)
	if err != nil {
		return 0, datatypes.Storage("erasure_results", "failed to erase analysis rows", err)
	}
	if _, err := s.store.PurgePartition(ctx, storage.TableHealthData, userID); err != nil {
		return 0, datatypes.Storage("erasure_metric_records", "failed to erase metric records", err)
	}

	blobs, err := s.blobs.DeleteUserData(ctx, userID)
	if err != nil {
		return 0, datatypes.Storage("erasure_blobs", "failed to erase blob objects", err)
	}

	total := blobs + jobs + results
	s.emitAudit(ctx, storage.OpDelete, "user/"+userID, userID, map[string]any{
		"resource":      "user/" + userID,
		"deleted_count": total,
		"blobs":         blobs,
		"jobs":          jobs,
		"results":       results,
	})
	observability.DefaultMetrics.RecordErasure()
	s.logger.Info("user data erased", "user_id", userID, "deleted_count", total)
	return total, nil
}

// emitAudit writes one trail entry; nil-audit safe for tests.
func (s *Service) emitAudit(ctx context.Context, op storage.AuditOperation, itemID, userID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, storage.AuditEvent{
		Operation: op,
		Table:     storage.TableProcessingJobs,
		ItemID:    itemID,
		UserID:    userID,
		Metadata:  meta,
	})
}
