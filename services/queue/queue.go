// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue is the durable hand-off between upload accept and the
// processing worker.
//
// Entries journal into BadgerDB with CRC32 checksums and survive process
// restarts. Delivery is at-least-once: a claimed entry that is never
// acked returns to the pool when its lease expires, and the job record's
// terminal-state check suppresses duplicate side effects downstream.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrQueueClosed is returned when operations are called on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrEntryCorrupted is returned when an entry fails its CRC check.
	ErrEntryCorrupted = errors.New("queue entry corrupted (CRC mismatch)")

	// ErrNotClaimed is returned by Ack/Nack for entries not currently leased.
	ErrNotClaimed = errors.New("entry is not claimed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes queue behavior.
type Config struct {
	// LeaseDuration is how long a claim holds an entry before it returns
	// to the pool. Default: 10 minutes (matches the job orphan lease).
	LeaseDuration time.Duration

	// MaxAttempts caps deliveries per entry. An entry nacked at the cap
	// is dropped; the caller owns marking the job failed. Default: 3.
	MaxAttempts int

	// Logger for queue operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 10 * time.Minute,
		MaxAttempts:   3,
		Logger:        slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// -----------------------------------------------------------------------------
// Entry encoding
// -----------------------------------------------------------------------------

// entry is the journaled form of one queued message.
type entry struct {
	Message      datatypes.JobMessage `json:"message"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
	Attempts     int                  `json:"attempts"`
	LeaseExpires time.Time            `json:"lease_expires,omitempty"`
}

func (e *entry) leased(now time.Time) bool {
	return !e.LeaseExpires.IsZero() && now.Before(e.LeaseExpires)
}

// encodeEntry prepends a CRC32 of the JSON body: [4-byte CRC][json].
func encodeEntry(e *entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decodeEntry(data []byte) (*entry, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrEntryCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrEntryCorrupted, stored, computed)
	}
	var e entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

// -----------------------------------------------------------------------------
// Queue
// -----------------------------------------------------------------------------

const entryKeyPrefix = "queue:msg:"

// Delivery is one claimed message. Ack or Nack it through the queue
// using Seq before the lease expires.
type Delivery struct {
	Seq      uint64
	Message  datatypes.JobMessage
	Attempts int
}

// Queue is the durable BadgerDB-backed work queue.
//
// Thread Safety: safe for concurrent use; Claim serializes internally so
// two workers never lease the same entry.
type Queue struct {
	db     *badger.DB
	config Config
	logger *slog.Logger
	now    func() time.Time

	seqNum atomic.Uint64
	closed atomic.Bool

	// claimMu serializes claim scans. Publish/Ack/Nack ride on badger
	// transactions alone.
	claimMu sync.Mutex
}

// New creates a queue over a shared database handle, recovering the
// sequence counter from any entries that survived a restart.
func New(db *badger.DB, config Config) (*Queue, error) {
	config.applyDefaults()
	q := &Queue{
		db:     db,
		config: config,
		logger: config.Logger.With(slog.String("component", "queue")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := q.initSeqNum(); err != nil {
		return nil, fmt.Errorf("init sequence number: %w", err)
	}
	return q, nil
}

// initSeqNum scans for the highest existing sequence number.
func (q *Queue) initSeqNum() error {
	prefix := []byte(entryKeyPrefix)
	var maxSeq uint64

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.seqNum.Store(maxSeq)
	return nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", entryKeyPrefix, seq))
}

// Publish journals a message for the worker pool.
func (q *Queue) Publish(ctx context.Context, msg datatypes.JobMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}

	ctx, span := otel.Tracer("queue").Start(ctx, "queue.Publish",
		trace.WithAttributes(
			attribute.String("processing_id", msg.ProcessingID),
		),
	)
	defer span.End()

	data, err := encodeEntry(&entry{Message: msg, EnqueuedAt: q.now()})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return err
	}

	seq := q.seqNum.Add(1)
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(seq), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("publish entry: %w", err)
	}

	span.SetAttributes(attribute.Int64("seq_num", int64(seq)))
	q.logger.Debug("message published",
		slog.Uint64("seq_num", seq),
		slog.String("processing_id", msg.ProcessingID))
	return nil
}

// Claim leases the oldest available entry. Returns nil when the queue
// has nothing deliverable. Corrupted entries are dropped with a warning;
// the job orphan sweep republishes their work.
func (q *Queue) Claim(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	now := q.now()
	prefix := []byte(entryKeyPrefix)
	var delivery *Delivery

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
				continue
			}

			var e *entry
			err := it.Item().Value(func(val []byte) error {
				var derr error
				e, derr = decodeEntry(val)
				return derr
			})
			if errors.Is(err, ErrEntryCorrupted) {
				q.logger.Warn("dropping corrupted queue entry",
					slog.Uint64("seq_num", seq), slog.String("error", err.Error()))
				if derr := txn.Delete(key); derr != nil {
					return derr
				}
				continue
			}
			if err != nil {
				return err
			}
			if e.leased(now) {
				continue
			}

			e.Attempts++
			e.LeaseExpires = now.Add(q.config.LeaseDuration)
			data, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
			delivery = &Delivery{Seq: seq, Message: e.Message, Attempts: e.Attempts}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}

	if delivery != nil {
		q.logger.Debug("message claimed",
			slog.Uint64("seq_num", delivery.Seq),
			slog.String("processing_id", delivery.Message.ProcessingID),
			slog.Int("attempts", delivery.Attempts))
	}
	return delivery, nil
}

// Ack removes a claimed entry after successful processing.
func (q *Queue) Ack(ctx context.Context, seq uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotClaimed
		}
		if err != nil {
			return err
		}
		return txn.Delete(entryKey(seq))
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimed) {
			return err
		}
		return fmt.Errorf("ack entry %d: %w", seq, err)
	}
	return nil
}

// Nack returns a claimed entry to the pool for redelivery. When the
// entry has reached MaxAttempts it is dropped instead and exhausted is
// true; the caller marks the job failed.
func (q *Queue) Nack(ctx context.Context, seq uint64) (exhausted bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	if q.closed.Load() {
		return false, ErrQueueClosed
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotClaimed
		}
		if err != nil {
			return err
		}
		var e *entry
		if err := item.Value(func(val []byte) error {
			var derr error
			e, derr = decodeEntry(val)
			return derr
		}); err != nil {
			return err
		}

		if e.Attempts >= q.config.MaxAttempts {
			exhausted = true
			return txn.Delete(entryKey(seq))
		}
		e.LeaseExpires = time.Time{}
		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(seq), data)
	})
	if err != nil {
		if errors.Is(err, ErrNotClaimed) {
			return false, err
		}
		return false, fmt.Errorf("nack entry %d: %w", seq, err)
	}

	if exhausted {
		q.logger.Warn("entry exhausted delivery attempts", slog.Uint64("seq_num", seq))
	}
	return exhausted, nil
}

// Len counts journaled entries, leased or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte(entryKeyPrefix)
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// Close marks the queue closed. The database handle is shared; the
// owner closes it.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
