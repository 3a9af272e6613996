// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// =============================================================================
// Audit Operations
// =============================================================================

// AuditOperation labels what a trail entry records.
type AuditOperation string

const (
	OpCreate     AuditOperation = "CREATE"
	OpRead       AuditOperation = "READ"
	OpUpdate     AuditOperation = "UPDATE"
	OpDelete     AuditOperation = "DELETE"
	OpBatchWrite AuditOperation = "BATCH_WRITE"

	// Pipeline lifecycle events emitted by the worker.
	OpPipelineStarted          AuditOperation = "PIPELINE_STARTED"
	OpPipelineCompleted        AuditOperation = "PIPELINE_COMPLETED"
	OpPipelineFailed           AuditOperation = "PIPELINE_FAILED"
	OpPipelineReplaySuppressed AuditOperation = "PIPELINE_REPLAY_SUPPRESSED"

	// OpOrphanBlob records a raw blob whose job record vanished; flagged
	// by the retention sweep for manual review.
	OpOrphanBlob AuditOperation = "ORPHAN_BLOB"
)

// AuditRetention is how long trail entries are kept before the
// retention sweep prunes them. Seven years per HIPAA record-keeping.
const AuditRetention = 7 * 365 * 24 * time.Hour

// auditTimeFormat is fixed-width so key order equals time order.
// time.RFC3339Nano trims trailing zeros, which breaks lexicographic
// sorting of sub-second timestamps.
const auditTimeFormat = "2006-01-02T15:04:05.000000000Z"

// AuditEvent is one immutable trail entry.
type AuditEvent struct {
	AuditID   string         `json:"audit_id"`
	Operation AuditOperation `json:"operation"`
	Table     string         `json:"table"`
	ItemID    string         `json:"item_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// AuditLog
// =============================================================================

// AuditLog is the append-only trail. Entries share the badger keyspace
// under the audit_logs prefix, keyed by fixed-width timestamp so the
// retention prune is a single ordered scan.
//
// Emit never returns an error: a lost audit row is logged at ERROR but
// must not fail the clinical write it describes.
type AuditLog struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	// onWriteFailure, when set, is invoked for every entry that could
	// not be persisted. Wired to a metrics counter at startup.
	onWriteFailure func()
}

// SetWriteFailureHook registers a callback for lost audit entries. Call
// before the log is shared across goroutines.
func (a *AuditLog) SetWriteFailureHook(fn func()) { a.onWriteFailure = fn }

// NewAuditLog creates the trail over a shared database handle.
func NewAuditLog(db *badger.DB, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// auditKey builds audit_logs#<fixed-width-ts>#<uuid>.
func auditKey(ts time.Time, id string) []byte {
	return []byte(TableAuditLogs + keySeparator + ts.UTC().Format(auditTimeFormat) + keySeparator + id)
}

// Emit appends one trail entry. AuditID and Timestamp are assigned here;
// caller-provided values are ignored. Failures are logged and swallowed.
func (a *AuditLog) Emit(ctx context.Context, event AuditEvent) {
	event.AuditID = uuid.NewString()
	event.Timestamp = a.now()

	data, err := encodeItem(auditEventToItem(event))
	if err != nil {
		a.logger.Error("audit event encode failed",
			"operation", string(event.Operation), "table", event.Table, "error", err)
		if a.onWriteFailure != nil {
			a.onWriteFailure()
		}
		return
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(auditKey(event.Timestamp, event.AuditID), data)
	})
	if err != nil {
		a.logger.Error("audit event write failed",
			"operation", string(event.Operation), "table", event.Table,
			"item_id", event.ItemID, "error", err)
		if a.onWriteFailure != nil {
			a.onWriteFailure()
		}
	}
}

func auditEventToItem(event AuditEvent) Item {
	item := Item{
		"audit_id":  event.AuditID,
		"operation": string(event.Operation),
		"table":     event.Table,
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.ItemID != "" {
		item["item_id"] = event.ItemID
	}
	if event.UserID != "" {
		item["user_id"] = event.UserID
	}
	if len(event.Metadata) > 0 {
		item["metadata"] = event.Metadata
	}
	return item
}

func itemToAuditEvent(item Item) (AuditEvent, error) {
	var event AuditEvent
	if err := ItemToStruct(item, &event); err != nil {
		return AuditEvent{}, fmt.Errorf("decode audit event: %w", err)
	}
	return event, nil
}

// List returns entries in time order, oldest first, up to limit
// (0 = unbounded). Used by compliance export and tests.
func (a *AuditLog) List(ctx context.Context, limit int) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(TableAuditLogs + keySeparator)
	var events []AuditEvent
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event AuditEvent
			err := it.Item().Value(func(val []byte) error {
				item, derr := decodeItem(val)
				if derr != nil {
					return derr
				}
				event, derr = itemToAuditEvent(item)
				return derr
			})
			if err != nil {
				return err
			}
			events = append(events, event)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// Prune deletes entries older than cutoff. Returns the count removed.
// The only code path that deletes from the trail.
func (a *AuditLog) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte(TableAuditLogs + keySeparator)
	boundary := TableAuditLogs + keySeparator + cutoff.UTC().Format(auditTimeFormat)

	var stale [][]byte
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= boundary {
				break
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan audit trail: %w", err)
	}

	removed := 0
	for _, key := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := a.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return removed, fmt.Errorf("prune audit entry: %w", err)
		}
		removed++
	}
	return removed, nil
}
