// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ttl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/storage"
	"github.com/AleutianAI/AleutianHealth/services/storage/blob"
)

type capturePublisher struct {
	msgs []datatypes.JobMessage
}

func (p *capturePublisher) Publish(_ context.Context, msg datatypes.JobMessage) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

type sweeperFixture struct {
	sweeper *Sweeper
	store   *storage.Store
	blobs   *blob.Memory
	audit   *storage.AuditLog
	pub     *capturePublisher
}

func testSweeper(t *testing.T, cfg Config) *sweeperFixture {
	t.Helper()
	db, err := storage.OpenBadger(storage.InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := storage.NewAuditLog(db, logger)
	store := storage.NewStore(db, audit, storage.StoreConfig{}, logger)
	blobs := blob.NewMemory()
	pub := &capturePublisher{}
	cfg.Logger = logger

	return &sweeperFixture{
		sweeper: NewSweeper(store, blobs, pub, audit, cfg),
		store:   store,
		blobs:   blobs,
		audit:   audit,
		pub:     pub,
	}
}

// seedJob writes a primary job record plus its raw blob. age backdates
// created_at and expires_at; updated_at is always stamped "now" by the
// store, so staleness tests age records by sleeping past a short
// threshold instead.
func (f *sweeperFixture) seedJob(t *testing.T, status datatypes.JobStatus, age time.Duration) *datatypes.ProcessingJob {
	t.Helper()
	ctx := context.Background()
	userID := uuid.NewString()
	processingID := uuid.NewString()
	at := time.Now().UTC().Add(-age)

	blobKey := blob.RawKey(userID, processingID, at)
	err := f.blobs.Put(ctx, blobKey, []byte("{}"),
		blob.NewMetadata(userID, processingID, "unit-test", "raw_data", 1))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}

	job := datatypes.NewProcessingJob(processingID, userID, blobKey, "unit-test", 1, at)
	job.Status = status
	item, err := storage.StructToItem(job)
	if err != nil {
		t.Fatalf("encode job: %v", err)
	}
	if err := f.store.Put(ctx, storage.TableProcessingJobs, storage.JobKey(processingID), item); err != nil {
		t.Fatalf("put job: %v", err)
	}
	idx := storage.Item{"processing_id": processingID, "user_id": userID}
	if err := f.store.Put(ctx, storage.TableProcessingJobs,
		storage.JobIndexKey(userID, processingID, at), idx); err != nil {
		t.Fatalf("put index: %v", err)
	}
	return job
}

func TestSweep_RepublishesStaleReceivedJob(t *testing.T) {
	f := testSweeper(t, Config{RepublishAfter: 50 * time.Millisecond})
	stale := f.seedJob(t, datatypes.StatusReceived, 0)
	time.Sleep(150 * time.Millisecond)
	f.seedJob(t, datatypes.StatusReceived, 0) // fresh, left alone

	f.sweeper.Sweep(context.Background())

	if len(f.pub.msgs) != 1 {
		t.Fatalf("republished %d jobs, want 1", len(f.pub.msgs))
	}
	if f.pub.msgs[0].ProcessingID != stale.ProcessingID {
		t.Errorf("republished %s, want %s", f.pub.msgs[0].ProcessingID, stale.ProcessingID)
	}
}

func TestSweep_RepublishesOrphanedClaim(t *testing.T) {
	f := testSweeper(t, Config{JobLease: 50 * time.Millisecond})
	orphan := f.seedJob(t, datatypes.StatusProcessing, 0)
	time.Sleep(150 * time.Millisecond)
	f.seedJob(t, datatypes.StatusProcessing, 0) // live claim

	f.sweeper.Sweep(context.Background())

	if len(f.pub.msgs) != 1 || f.pub.msgs[0].ProcessingID != orphan.ProcessingID {
		t.Fatalf("republished = %v, want just the orphan", f.pub.msgs)
	}
}

func TestSweep_ExpiresJobsPastRetention(t *testing.T) {
	f := testSweeper(t, Config{})
	dead := f.seedJob(t, datatypes.StatusCompleted, (datatypes.JobRetentionDays+1)*24*time.Hour)
	kept := f.seedJob(t, datatypes.StatusCompleted, 24*time.Hour)

	f.sweeper.Sweep(context.Background())

	ctx := context.Background()
	_, err := f.store.Get(ctx, storage.TableProcessingJobs, storage.JobKey(dead.ProcessingID),
		storage.GetOptions{SkipCache: true})
	if !storage.IsNotFound(err) {
		t.Error("expired job record should be deleted")
	}
	if _, err := f.blobs.Get(ctx, dead.RawBlobPath); !errors.Is(err, blob.ErrBlobNotFound) {
		t.Error("expired raw blob should be deleted")
	}
	if _, err := f.store.Get(ctx, storage.TableProcessingJobs, storage.JobKey(kept.ProcessingID),
		storage.GetOptions{SkipCache: true}); err != nil {
		t.Errorf("recent job must survive: %v", err)
	}
	if len(f.pub.msgs) != 0 {
		t.Errorf("terminal jobs must not be republished: %v", f.pub.msgs)
	}
}

func TestSweep_ReclaimsOrphanedBlob(t *testing.T) {
	f := testSweeper(t, Config{})
	ctx := context.Background()
	userID := uuid.NewString()

	// Old blob with no job record behind it.
	orphanKey := blob.RawKey(userID, uuid.NewString(), time.Now().UTC().AddDate(0, 0, -3))
	if err := f.blobs.Put(ctx, orphanKey, []byte("{}"),
		blob.NewMetadata(userID, "x", "unit-test", "raw_data", 1)); err != nil {
		t.Fatalf("put orphan: %v", err)
	}
	// Old blob whose job record exists.
	covered := f.seedJob(t, datatypes.StatusCompleted, 3*24*time.Hour)
	// Fresh blob without a record: inside the grace window.
	freshKey := blob.RawKey(userID, uuid.NewString(), time.Now().UTC())
	if err := f.blobs.Put(ctx, freshKey, []byte("{}"),
		blob.NewMetadata(userID, "y", "unit-test", "raw_data", 1)); err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	f.sweeper.Sweep(ctx)

	if _, err := f.blobs.Get(ctx, orphanKey); !errors.Is(err, blob.ErrBlobNotFound) {
		t.Error("orphaned blob should be reclaimed")
	}
	if _, err := f.blobs.Get(ctx, covered.RawBlobPath); err != nil {
		t.Errorf("covered blob must survive: %v", err)
	}
	if _, err := f.blobs.Get(ctx, freshKey); err != nil {
		t.Errorf("fresh blob must survive the grace window: %v", err)
	}
}

func TestParseRawKey(t *testing.T) {
	at := time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC)
	key := blob.RawKey("user-1", "proc-1", at)
	day, pid, ok := parseRawKey(key)
	if !ok {
		t.Fatalf("parseRawKey(%q) failed", key)
	}
	if pid != "proc-1" {
		t.Errorf("pid = %q", pid)
	}
	if !day.Equal(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day = %v", day)
	}
	if _, _, ok := parseRawKey("analysis_results/2026/08/20/u/p_results.json"); ok {
		t.Error("results keys must not parse as raw keys")
	}
}
