// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the periodic recovery and retention sweep.
//
// The accept sequence and the worker are both allowed to strand state
// in bounded ways (a published-but-unclaimed job, an orphaned claim, a
// blob without a job record). The sweep is the single place those
// strandings are repaired, and it also enforces retention: expired
// jobs and audit entries past their window.
package ttl

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/observability"
	"github.com/AleutianAI/AleutianHealth/services/storage"
	"github.com/AleutianAI/AleutianHealth/services/storage/blob"
)

const (
	// DefaultInterval is the sweep cadence.
	DefaultInterval = time.Minute

	// DefaultRepublishAfter is how long a received job may sit unclaimed
	// before the sweep assumes its publish was lost.
	DefaultRepublishAfter = 60 * time.Second

	// DefaultJobLease mirrors the worker's claim lease.
	DefaultJobLease = 10 * time.Minute

	// orphanBlobGrace protects in-flight accepts: a raw blob with no job
	// record is reclaimed only once it is at least this old.
	orphanBlobGrace = time.Hour
)

// Publisher re-enqueues stranded jobs. Satisfied by *queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, msg datatypes.JobMessage) error
}

// DepthFunc reports the queue backlog for the gauge; nil disables it.
type DepthFunc func(ctx context.Context) (int, error)

// Config tunes the sweeper.
type Config struct {
	Interval        time.Duration
	RepublishAfter  time.Duration
	JobLease        time.Duration
	Logger          *slog.Logger
	// QueueDepth, when set, is sampled every pass.
	QueueDepth DepthFunc
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RepublishAfter <= 0 {
		c.RepublishAfter = DefaultRepublishAfter
	}
	if c.JobLease <= 0 {
		c.JobLease = DefaultJobLease
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sweeper repairs stranded state and enforces retention.
type Sweeper struct {
	store     *storage.Store
	blobs     blob.BlobStore
	publisher Publisher
	audit     *storage.AuditLog
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper wires the sweeper. audit may be nil in tests.
func NewSweeper(store *storage.Store, blobs blob.BlobStore, publisher Publisher,
	audit *storage.AuditLog, cfg Config) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		audit:     audit,
		config:    cfg,
		logger:    cfg.Logger.With(slog.String("component", "ttl_sweeper")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured cadence until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Each stage is independent; a failing stage
// logs and the pass continues, since every repair is retried next tick
// anyway.
func (s *Sweeper) Sweep(ctx context.Context) {
	republished, reclaimed, expired := s.sweepJobs(ctx)
	observability.DefaultMetrics.RecordSweep("republish", republished)
	observability.DefaultMetrics.RecordSweep("reclaim", reclaimed)
	observability.DefaultMetrics.RecordSweep("expire", expired)

	orphans := s.sweepOrphanBlobs(ctx)
	observability.DefaultMetrics.RecordSweep("orphan_blob", orphans)

	pruned := s.pruneAudit(ctx)
	observability.DefaultMetrics.RecordSweep("audit_prune", pruned)

	if s.config.QueueDepth != nil {
		if depth, err := s.config.QueueDepth(ctx); err == nil {
			observability.DefaultMetrics.SetQueueDepth(depth)
		}
	}

	if republished+reclaimed+expired+orphans+pruned > 0 {
		s.logger.Info("sweep pass complete",
			"republished", republished,
			"reclaimed", reclaimed,
			"expired", expired,
			"orphan_blobs", orphans,
			"audit_pruned", pruned)
	}
}

// sweepJobs walks the primary job records once and applies all three
// job repairs: republish stale received jobs, republish orphaned
// claims, and delete records past retention.
func (s *Sweeper) sweepJobs(ctx context.Context) (republished, reclaimed, expired int) {
	now := s.now()
	var stale, orphaned []datatypes.ProcessingJob
	var dead []datatypes.ProcessingJob

	err := s.store.Scan(ctx, storage.TableProcessingJobs, func(key storage.Key, item storage.Item) error {
		// Index entries carry a sort key; primary records do not.
		if key.Sort != "" {
			return nil
		}
		var job datatypes.ProcessingJob
		if err := storage.ItemToStruct(item, &job); err != nil {
			s.logger.Warn("skipping undecodable job record", "key", key.String(), "error", err)
			return nil
		}
		switch {
		case job.Expired(now):
			dead = append(dead, job)
		case job.Status == datatypes.StatusReceived && now.Sub(job.UpdatedAt) > s.config.RepublishAfter:
			stale = append(stale, job)
		case job.Status == datatypes.StatusProcessing && job.Orphaned(s.config.JobLease, now):
			orphaned = append(orphaned, job)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("job sweep scan failed", "error", err)
		return 0, 0, 0
	}

	for _, job := range stale {
		if s.republish(ctx, job) {
			republished++
		}
	}
	for _, job := range orphaned {
		// Redelivery lets a worker re-claim through the lease check.
		if s.republish(ctx, job) {
			reclaimed++
		}
	}
	for _, job := range dead {
		if s.expireJob(ctx, job) {
			expired++
		}
	}
	return republished, reclaimed, expired
}

func (s *Sweeper) republish(ctx context.Context, job datatypes.ProcessingJob) bool {
	msg := datatypes.JobMessage{
		ProcessingID: job.ProcessingID,
		UserID:       job.UserID,
		RawBlobPath:  job.RawBlobPath,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("republish failed", "processing_id", job.ProcessingID, "error", err)
		return false
	}
	return true
}

// expireJob deletes a job past retention together with its index entry
// and raw blob. The results blob and analysis rows survive: retention
// bounds the raw payload, not the derived result.
func (s *Sweeper) expireJob(ctx context.Context, job datatypes.ProcessingJob) bool {
	if err := s.blobs.Delete(ctx, job.RawBlobPath); err != nil {
		s.logger.Warn("expired blob delete failed", "processing_id", job.ProcessingID, "error", err)
		return false
	}
	err := s.store.Delete(ctx, storage.TableProcessingJobs, storage.JobKey(job.ProcessingID))
	if err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("expired job delete failed", "processing_id", job.ProcessingID, "error", err)
		return false
	}
	idx := storage.JobIndexKey(job.UserID, job.ProcessingID, job.CreatedAt)
	if err := s.store.Delete(ctx, storage.TableProcessingJobs, idx); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("expired job index delete failed", "processing_id", job.ProcessingID, "error", err)
	}
	return true
}

// sweepOrphanBlobs reclaims raw blobs whose job record never landed
// (the accept sequence flags these with an ORPHAN_BLOB audit event).
// A grace period keeps the sweep from racing an in-flight accept.
func (s *Sweeper) sweepOrphanBlobs(ctx context.Context) int {
	keys, err := s.blobs.List(ctx, blob.RawPrefix)
	if err != nil {
		s.logger.Error("orphan blob scan failed", "error", err)
		return 0
	}
	cutoff := s.now().Add(-orphanBlobGrace)

	reclaimed := 0
	for _, key := range keys {
		uploadedAt, processingID, ok := parseRawKey(key)
		// The key's date has day resolution, so a blob is not old until
		// the end of its upload day is past the cutoff.
		if !ok || uploadedAt.AddDate(0, 0, 1).After(cutoff) {
			continue
		}
		_, err := s.store.Get(ctx, storage.TableProcessingJobs, storage.JobKey(processingID),
			storage.GetOptions{SkipCache: true})
		if err == nil {
			continue
		}
		if !storage.IsNotFound(err) {
			s.logger.Warn("orphan check failed", "key", key, "error", err)
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("orphan blob delete failed", "key", key, "error", err)
			continue
		}
		reclaimed++
	}
	return reclaimed
}

// parseRawKey extracts the upload date and processing id from
// raw_data/YYYY/MM/DD/<user>/<processing_id>.json. The date has day
// resolution; the grace period absorbs the truncation.
func parseRawKey(key string) (time.Time, string, bool) {
	rest, ok := strings.CutPrefix(key, blob.RawPrefix)
	if !ok {
		return time.Time{}, "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 5 {
		return time.Time{}, "", false
	}
	uploadedAt, err := time.Parse("2006/01/02", parts[0]+"/"+parts[1]+"/"+parts[2])
	if err != nil {
		return time.Time{}, "", false
	}
	processingID := strings.TrimSuffix(parts[4], ".json")
	return uploadedAt, processingID, true
}

// pruneAudit trims the trail to its retention window.
func (s *Sweeper) pruneAudit(ctx context.Context) int {
	if s.audit == nil {
		return 0
	}
	pruned, err := s.audit.Prune(ctx, s.now().Add(-storage.AuditRetention))
	if err != nil {
		s.logger.Error("audit prune failed", "error", err)
		return 0
	}
	return pruned
}
