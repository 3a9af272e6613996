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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Tables and Keys
// =============================================================================

// Logical table names. All tables share one badger keyspace under
// distinct prefixes.
const (
	// TableHealthData holds per-metric records: partition user_id, sort
	// id (lexicographic by time). Enables metric-type-filtered reads
	// without re-parsing the raw blob.
	TableHealthData = "health_data"

	// TableProcessingJobs holds job records keyed by processing_id, with
	// a user-partitioned secondary index for list filtering.
	TableProcessingJobs = "processing_jobs"

	// TableAnalysisResults holds analysis rows: partition user_id, sort
	// "ANALYSIS#<iso-timestamp>", read newest-first.
	TableAnalysisResults = "analysis_results"

	// TableAuditLogs is append-only; only the retention sweep deletes.
	TableAuditLogs = "audit_logs"
)

// keySeparator joins table, partition, and sort segments. Inputs are
// validated upstream (pkg/validation) to never contain it.
const keySeparator = "#"

// Key addresses one item: Partition groups items (user_id), Sort orders
// them within the partition. Single-key tables leave Sort empty.
type Key struct {
	Partition string
	Sort      string
}

// encode renders the full badger key for a table.
func (k Key) encode(table string) []byte {
	if k.Sort == "" {
		return []byte(table + keySeparator + k.Partition)
	}
	return []byte(table + keySeparator + k.Partition + keySeparator + k.Sort)
}

// String renders the key for audit item_id fields.
func (k Key) String() string {
	if k.Sort == "" {
		return k.Partition
	}
	return k.Partition + keySeparator + k.Sort
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrItemNotFound is returned by Get/Update/Delete for missing keys.
	ErrItemNotFound = errors.New("item not found")

	// ErrConditionFailed is returned by Update when the caller's
	// condition rejects the current item state.
	ErrConditionFailed = errors.New("conditional update rejected")
)

// IsNotFound reports whether err is a missing-item error, including
// ones wrapped by store operations.
func IsNotFound(err error) bool { return errors.Is(err, ErrItemNotFound) }

// =============================================================================
// Store
// =============================================================================

// MaxBatchSize is the per-chunk ceiling for batch writes. Callers may
// pass any number of entries; the store splits into chunks of this size.
const MaxBatchSize = 25

// batch retry policy: up to 3 attempts per chunk, exponential backoff
// starting at 100 ms.
const (
	batchRetryAttempts = 3
	batchRetryBaseWait = 100 * time.Millisecond
)

// StoreConfig tunes caching behavior.
type StoreConfig struct {
	// EnableCache turns on the in-process read-through cache.
	EnableCache bool
	// CacheTTL is the entry lifetime. Default 300 s when zero.
	CacheTTL time.Duration
}

// Store is the structured store over BadgerDB.
//
// Every mutation (Put, Update, Delete, BatchWrite) emits an AuditEvent
// after the mutation commits. Audit write failures are logged and
// swallowed, never propagated: a deliberate exception to the surface-
// everything policy, because losing an audit row must not fail a
// clinical write. Reads are audited only when QueryOptions.Audit or
// GetOptions request it.
//
// Thread safety: Store is safe for concurrent use; badger transactions
// provide isolation, the cache is mutex-guarded.
type Store struct {
	db     *badger.DB
	audit  *AuditLog
	cache  *readCache
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store. audit may be nil (mutations then skip audit
// emission; used by the audit log's own internals and some tests).
func NewStore(db *badger.DB, audit *AuditLog, cfg StoreConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	var cache *readCache
	if cfg.EnableCache {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 300 * time.Second
		}
		cache = newReadCache(ttl)
	}
	return &Store{
		db:     db,
		audit:  audit,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// emitAudit writes an audit event; failures are logged and swallowed.
func (s *Store) emitAudit(ctx context.Context, op AuditOperation, table string, key Key, userID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, AuditEvent{
		Operation: op,
		Table:     table,
		ItemID:    key.String(),
		UserID:    userID,
		Metadata:  meta,
	})
}

// userOf pulls the user_id attribute for audit attribution.
func userOf(item Item) string {
	if u, ok := item["user_id"].(string); ok {
		return u
	}
	return ""
}

// Put writes an item, stamping created_at (if absent) and updated_at.
func (s *Store) Put(ctx context.Context, table string, key Key, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now().Format(time.RFC3339Nano)
	if _, ok := item["created_at"]; !ok {
		item["created_at"] = now
	}
	item["updated_at"] = now

	data, err := encodeItem(item)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.encode(table), data)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}

	s.invalidate(table, key)
	s.emitAudit(ctx, OpCreate, table, key, userOf(item), nil)
	return nil
}

// GetOptions controls read behavior.
type GetOptions struct {
	// Audit requests a READ audit event for this call.
	Audit bool
	// SkipCache bypasses the read cache.
	SkipCache bool
}

// Get reads one item, serving from the read-through cache when enabled.
// Returns ErrItemNotFound for missing keys.
func (s *Store) Get(ctx context.Context, table string, key Key, opts ...GetOptions) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var opt GetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	if s.cache != nil && !opt.SkipCache {
		if item, ok := s.cache.get(table, key); ok {
			return item, nil
		}
	}

	var item Item
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(key.encode(table))
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			item, err = decodeItem(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}

	if s.cache != nil {
		s.cache.put(table, key, item)
	}
	if opt.Audit {
		s.emitAudit(ctx, OpRead, table, key, userOf(item), nil)
	}
	return item, nil
}

// Update applies a conditional read-modify-write inside one transaction.
//
// cond inspects the current item and returns an error to reject the
// update (wrapped as ErrConditionFailed); apply mutates the item in
// place. updated_at is stamped after apply.
func (s *Store) Update(ctx context.Context, table string, key Key, cond func(Item) error, apply func(Item)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var updated Item
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := txn.Get(key.encode(table))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		var item Item
		if err := entry.Value(func(val []byte) error {
			item, err = decodeItem(val)
			return err
		}); err != nil {
			return err
		}

		if cond != nil {
			if err := cond(item); err != nil {
				return fmt.Errorf("%w: %w", ErrConditionFailed, err)
			}
		}
		apply(item)
		item["updated_at"] = s.now().Format(time.RFC3339Nano)

		data, err := encodeItem(item)
		if err != nil {
			return err
		}
		updated = item
		return txn.Set(key.encode(table), data)
	})
	if err != nil {
		if errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrConditionFailed) {
			return err
		}
		return fmt.Errorf("update %s/%s: %w", table, key, err)
	}

	s.invalidate(table, key)
	s.emitAudit(ctx, OpUpdate, table, key, userOf(updated), nil)
	return nil
}

// Delete removes one item. Missing keys return ErrItemNotFound.
func (s *Store) Delete(ctx context.Context, table string, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var existed Item
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, err := txn.Get(key.encode(table))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if err := entry.Value(func(val []byte) error {
			existed, err = decodeItem(val)
			return err
		}); err != nil {
			return err
		}
		return txn.Delete(key.encode(table))
	})
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return err
		}
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}

	s.invalidate(table, key)
	s.emitAudit(ctx, OpDelete, table, key, userOf(existed), nil)
	return nil
}

// PurgePartition removes every item in one partition and returns the
// count removed. Unlike Delete it emits no per-item audit events: it
// exists for erasure cascades, where the caller owns the single summary
// DELETE event covering the whole cascade.
func (s *Store) PurgePartition(ctx context.Context, table, partition string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Matches both the sortless form "table#partition" and sorted keys
	// "table#partition#...".
	exact := []byte(table + keySeparator + partition)
	prefix := []byte(table + keySeparator + partition + keySeparator)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = exact
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(exact); it.ValidForPrefix(exact); it.Next() {
			k := it.Item().KeyCopy(nil)
			if len(k) == len(exact) || bytes.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge scan %s/%s: %w", table, partition, err)
	}

	deleted := 0
	for start := 0; start < len(keys); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys[start:end] {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("purge %s/%s: %w", table, partition, err)
		}
		deleted += end - start
	}
	if s.cache != nil {
		s.cache.invalidatePartition(table, partition)
	}
	return deleted, nil
}

// =============================================================================
// Query
// =============================================================================

// QueryOptions bounds a prefix query within one partition.
type QueryOptions struct {
	// SortPrefix restricts results to sort keys with this prefix.
	SortPrefix string
	// Descending iterates newest-first (reverse lexicographic).
	Descending bool
	// Limit caps returned items; 0 means no cap.
	Limit int
	// StartAfter is the exclusive cursor: the sort key of the last item
	// from the previous page.
	StartAfter string
	// Audit requests a READ audit event for this call.
	Audit bool
}

// QueryResult is one page of items with the continuation cursor.
type QueryResult struct {
	Items []Item
	// NextCursor is the last sort key of this page, empty when the
	// partition is exhausted.
	NextCursor string
}

// Query scans one partition in sort-key order.
func (s *Store) Query(ctx context.Context, table, partition string, opts QueryOptions) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	basePrefix := table + keySeparator + partition + keySeparator
	scanPrefix := basePrefix + opts.SortPrefix

	result := &QueryResult{}
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(scanPrefix)
		iterOpts.Reverse = opts.Descending
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		// Reverse iteration must seek to the end of the prefix range.
		seek := []byte(scanPrefix)
		if opts.Descending {
			seek = append([]byte(scanPrefix), 0xff)
		}

		var lastSort string
		for it.Seek(seek); it.ValidForPrefix([]byte(scanPrefix)); it.Next() {
			fullKey := string(it.Item().Key())
			sortKey := strings.TrimPrefix(fullKey, basePrefix)

			if opts.StartAfter != "" {
				if opts.Descending && sortKey >= opts.StartAfter {
					continue
				}
				if !opts.Descending && sortKey <= opts.StartAfter {
					continue
				}
			}

			var item Item
			err := it.Item().Value(func(val []byte) error {
				var derr error
				item, derr = decodeItem(val)
				return derr
			})
			if err != nil {
				return err
			}
			result.Items = append(result.Items, item)
			lastSort = sortKey

			if opts.Limit > 0 && len(result.Items) >= opts.Limit {
				// More items may remain; hand back a cursor.
				it.Next()
				if it.ValidForPrefix([]byte(scanPrefix)) {
					result.NextCursor = lastSort
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", table, partition, err)
	}

	if opts.Audit {
		s.emitAudit(ctx, OpRead, table, Key{Partition: partition}, partition,
			map[string]any{"count": len(result.Items)})
	}
	return result, nil
}

// Scan walks every item in a table, in key order, invoking fn for each.
// fn returning an error stops the walk. Sweeps use this; request paths
// never should.
func (s *Store) Scan(ctx context.Context, table string, fn func(key Key, item Item) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte(table + keySeparator)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			key := Key{Partition: rest}
			if i := strings.Index(rest, keySeparator); i >= 0 {
				key = Key{Partition: rest[:i], Sort: rest[i+1:]}
			}
			var item Item
			err := it.Item().Value(func(val []byte) error {
				var derr error
				item, derr = decodeItem(val)
				return derr
			})
			if err != nil {
				return err
			}
			if err := fn(key, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Batch Write
// =============================================================================

// BatchEntry is one item in a batch write.
type BatchEntry struct {
	Key  Key
	Item Item
}

// BatchWrite writes entries in chunks of MaxBatchSize. Each chunk
// commits atomically and is retried up to 3 times with exponential
// backoff starting at 100 ms. A chunk that exhausts its retries fails
// the whole call; earlier chunks stay committed (at-least-once callers
// re-drive idempotently).
//
// One BATCH_WRITE audit event is emitted for the call with the count of
// committed items.
func (s *Store) BatchWrite(ctx context.Context, table string, entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now().Format(time.RFC3339Nano)

	committed := 0
	for start := 0; start < len(entries); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		var lastErr error
		for attempt := 0; attempt < batchRetryAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			lastErr = s.writeChunk(chunk, table, now)
			if lastErr == nil {
				break
			}
			wait := batchRetryBaseWait << attempt
			s.logger.Warn("batch chunk failed, retrying",
				"table", table, "attempt", attempt+1, "wait", wait.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if lastErr != nil {
			s.emitAudit(ctx, OpBatchWrite, table, Key{}, userOf(chunk[0].Item),
				map[string]any{"count": committed, "failed": true})
			return fmt.Errorf("batch write %s: chunk %d-%d exhausted retries: %w", table, start, end, lastErr)
		}
		committed += len(chunk)
		for _, e := range chunk {
			s.invalidate(table, e.Key)
		}
	}

	s.emitAudit(ctx, OpBatchWrite, table, Key{}, userOf(entries[0].Item),
		map[string]any{"count": committed})
	return nil
}

// writeChunk commits one chunk in a single transaction.
func (s *Store) writeChunk(chunk []BatchEntry, table, now string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, e := range chunk {
			if _, ok := e.Item["created_at"]; !ok {
				e.Item["created_at"] = now
			}
			e.Item["updated_at"] = now
			data, err := encodeItem(e.Item)
			if err != nil {
				return err
			}
			if err := txn.Set(e.Key.encode(table), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Cache plumbing
// =============================================================================

func (s *Store) invalidate(table string, key Key) {
	if s.cache != nil {
		s.cache.invalidate(table, key)
	}
}

// DB exposes the underlying database for the queue journal and the
// audit log, which share the keyspace under their own prefixes.
func (s *Store) DB() *badger.DB { return s.db }
