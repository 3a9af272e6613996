// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHealth/services/healthdata/datatypes"
)

// Handler processes one delivered message. A nil return acks the entry;
// an error nacks it for redelivery until attempts are exhausted.
type Handler func(ctx context.Context, msg datatypes.JobMessage, attempts int) error

// ExhaustedHandler is notified when an entry is dropped after its final
// failed attempt, so the job record can be marked failed.
type ExhaustedHandler func(ctx context.Context, msg datatypes.JobMessage, lastErr error)

// ConsumerConfig tunes the worker pool.
type ConsumerConfig struct {
	// Concurrency is the number of parallel workers. Default: 4.
	Concurrency int

	// PollInterval is the idle sleep between claim scans. Default: 500 ms.
	PollInterval time.Duration

	// Logger for consumer operations. Default: slog.Default().
	Logger *slog.Logger
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Consumer drains the queue with a fixed worker pool.
type Consumer struct {
	queue       *Queue
	handler     Handler
	onExhausted ExhaustedHandler
	config      ConsumerConfig
	logger      *slog.Logger
}

// NewConsumer wires a handler to the queue. onExhausted may be nil.
func NewConsumer(q *Queue, handler Handler, onExhausted ExhaustedHandler, config ConsumerConfig) *Consumer {
	config.applyDefaults()
	return &Consumer{
		queue:       q,
		handler:     handler,
		onExhausted: onExhausted,
		config:      config,
		logger:      config.Logger.With(slog.String("component", "queue_consumer")),
	}
}

// Run blocks until ctx is cancelled, draining the queue with
// Concurrency workers. Returns nil on clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.config.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return c.runWorker(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) runWorker(ctx context.Context, worker int) error {
	logger := c.logger.With(slog.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		delivery, err := c.queue.Claim(ctx)
		if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			logger.Error("claim failed", "error", err)
			c.sleep(ctx)
			continue
		}
		if delivery == nil {
			c.sleep(ctx)
			continue
		}

		c.dispatch(ctx, logger, delivery)
	}
}

func (c *Consumer) dispatch(ctx context.Context, logger *slog.Logger, delivery *Delivery) {
	err := c.handler(ctx, delivery.Message, delivery.Attempts)
	if err == nil {
		if ackErr := c.queue.Ack(ctx, delivery.Seq); ackErr != nil {
			logger.Error("ack failed", "seq_num", delivery.Seq, "error", ackErr)
		}
		return
	}

	logger.Warn("handler failed",
		"processing_id", delivery.Message.ProcessingID,
		"attempts", delivery.Attempts,
		"error", err)

	exhausted, nackErr := c.queue.Nack(ctx, delivery.Seq)
	if nackErr != nil {
		logger.Error("nack failed", "seq_num", delivery.Seq, "error", nackErr)
		return
	}
	if exhausted && c.onExhausted != nil {
		c.onExhausted(ctx, delivery.Message, err)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.config.PollInterval):
	}
}
