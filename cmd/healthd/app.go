// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHealth/cmd/healthd/config"
	"github.com/AleutianAI/AleutianHealth/pkg/logging"
	"github.com/AleutianAI/AleutianHealth/services/healthdata"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/handlers"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/observability"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/routes"
	"github.com/AleutianAI/AleutianHealth/services/healthdata/ttl"
	"github.com/AleutianAI/AleutianHealth/services/pipeline"
	"github.com/AleutianAI/AleutianHealth/services/pipeline/pat"
	"github.com/AleutianAI/AleutianHealth/services/queue"
	"github.com/AleutianAI/AleutianHealth/services/storage"
	"github.com/AleutianAI/AleutianHealth/services/storage/blob"
)

// weightsKeyEnv names the HMAC signing key for weight verification.
// Kept in an enclave from the moment it is read; without it the model
// falls back to random initialization with weights_verified=false.
const weightsKeyEnv = "WEIGHTS_SIGNING_KEY"

// app is one wired healthd process. serve, worker, and all modes share
// the same construction and differ only in which loops they run.
type app struct {
	cfg      config.Config
	logging  *logging.Logger
	logger   *slog.Logger
	db       *badger.DB
	store    *storage.Store
	audit    *storage.AuditLog
	blobs    blob.BlobStore
	queue    *queue.Queue
	analyzer *pipeline.Analyzer
	worker   *pipeline.Worker
	consumer *queue.Consumer
	sweeper  *ttl.Sweeper
	svc      *healthdata.Service

	// weightsPath is the resolved on-disk weight file the watcher
	// observes; empty when the loader fell back before resolving one.
	weightsPath string

	// selfTestOK caches the determinism self-test verdict; refreshed on
	// weight reloads so /healthz stays cheap.
	selfTestOK atomic.Bool
}

func newAppLogger(service string) *logging.Logger {
	return logging.New(logging.Config{
		Service: service,
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if portFlag > 0 {
		cfg.Service.Port = portFlag
	}
	return cfg, nil
}

// buildApp wires every tier from one config. The caller owns Close.
func buildApp(ctx context.Context, cfg config.Config, service string) (*app, error) {
	appLog := newAppLogger(service)
	logger := appLog.Slog().With(slog.String("region", cfg.Service.Region))
	slog.SetDefault(logger)

	metrics := observability.InitMetrics()
	if err := initMeter(); err != nil {
		logger.Warn("otel meter bridge unavailable", "error", err)
	}

	db, err := storage.OpenBadger(storage.DefaultBadgerConfig(cfg.ExpandDataDir()))
	if err != nil {
		appLog.Close()
		return nil, fmt.Errorf("open badger at %s: %w", cfg.ExpandDataDir(), err)
	}

	audit := storage.NewAuditLog(db, logger)
	audit.SetWriteFailureHook(func() { metrics.RecordAuditWriteFailure() })

	store := storage.NewStore(db, audit, storage.StoreConfig{
		EnableCache: cfg.Storage.EnableCache,
		CacheTTL:    time.Duration(cfg.Storage.CacheTTLSeconds) * time.Second,
	}, logger)

	blobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		_ = db.Close()
		appLog.Close()
		return nil, err
	}

	lease := time.Duration(cfg.Queue.LeaseSeconds) * time.Second
	q, err := queue.New(db, queue.Config{
		LeaseDuration: lease,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Logger:        logger,
	})
	if err != nil {
		_ = db.Close()
		appLog.Close()
		return nil, fmt.Errorf("open job queue: %w", err)
	}

	model, weightsPath := loadModel(cfg, logger)
	analyzer := pipeline.NewAnalyzer(model, pipeline.NewFusion(), 0, logger)
	selfTestOK := model.SelfTest() == nil
	worker := pipeline.NewWorker(store, blobs, audit, analyzer, pipeline.WorkerConfig{
		JobLease: lease,
		Logger:   logger,
	})
	consumer := queue.NewConsumer(q, worker.Handle, worker.MarkExhausted, queue.ConsumerConfig{
		Concurrency: cfg.Queue.Concurrency,
		Logger:      logger,
	})
	sweeper := ttl.NewSweeper(store, blobs, q, audit, ttl.Config{
		JobLease:   lease,
		Logger:     logger,
		QueueDepth: q.Len,
	})
	svc := healthdata.NewService(store, blobs, q, audit, healthdata.Config{
		MaxMetricsPerUpload: cfg.Upload.MaxMetricsPerUpload,
		Logger:              logger,
	})

	logger.Info("healthd wired",
		"data_dir", cfg.ExpandDataDir(),
		"table", cfg.Storage.TableName,
		"model", analyzer.String(),
		"bucket", cfg.Blob.Bucket)

	a := &app{
		cfg:         cfg,
		logging:     appLog,
		logger:      logger,
		db:          db,
		store:       store,
		audit:       audit,
		blobs:       blobs,
		queue:       q,
		analyzer:    analyzer,
		worker:      worker,
		consumer:    consumer,
		sweeper:     sweeper,
		svc:         svc,
		weightsPath: weightsPath,
	}
	a.selfTestOK.Store(selfTestOK)
	return a, nil
}

func (a *app) Close() {
	_ = a.queue.Close()
	if closer, ok := a.blobs.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close failed", "error", err)
	}
	_ = a.logging.Close()
}

// buildBlobStore selects GCS when a bucket is configured and the
// in-memory store otherwise. The in-memory store loses raw payloads on
// restart, so it is loudly flagged as development-only.
func buildBlobStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (blob.BlobStore, error) {
	if cfg.Blob.Bucket == "" {
		logger.Warn("no raw blob bucket configured, using the in-memory store (development only)")
		return blob.NewMemory(), nil
	}
	gcs, err := blob.NewGCS(ctx, blob.GCSConfig{
		Bucket:     cfg.Blob.Bucket,
		SAKeyPath:  cfg.Blob.SAKeyPath,
		KMSKeyName: cfg.Blob.KMSKeyName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open blob bucket %s: %w", cfg.Blob.Bucket, err)
	}
	if err := gcs.EnsureLifecycle(ctx); err != nil {
		logger.Warn("could not apply the bucket retention lifecycle", "error", err)
	}
	return gcs, nil
}

// loadModel builds the actigraphy model from config. It also returns
// the resolved weight path so the fsnotify watcher can observe it.
func loadModel(cfg config.Config, logger *slog.Logger) (*pat.Model, string) {
	variant := pat.Variant(cfg.Model.Size)
	allowed := pat.DefaultAllowedDirs()
	defaultPath := filepath.Join(allowed[0], fmt.Sprintf("PAT-%s.aleuth5", variant))
	path := pat.SanitizePath(cfg.Model.Path, allowed, defaultPath, logger)

	model, err := loadModelAt(cfg, path, logger)
	if err != nil {
		// Only an unknown variant reaches here, and validate() already
		// rejected those; treat it as fatal misconfiguration.
		logger.Error("model load failed", "error", err)
		os.Exit(1)
	}
	return model, path
}

// loadModelAt runs the verified loader against a resolved path. Also
// used by the fsnotify watcher on weight-file changes.
func loadModelAt(cfg config.Config, path string, logger *slog.Logger) (*pat.Model, error) {
	lc := pat.LoaderConfig{
		Variant: pat.Variant(cfg.Model.Size),
		Path:    path,
		Logger:  logger,
	}
	if raw := os.Getenv(weightsKeyEnv); raw != "" {
		lc.SignatureKey = memguard.NewEnclave([]byte(raw))
	}
	return pat.Load(lc)
}

func (a *app) healthDeps() handlers.HealthDeps {
	return handlers.HealthDeps{
		ModelLoaded:     func() bool { return a.analyzer.Model() != nil },
		WeightsVerified: func() bool { return a.analyzer.Model().WeightsVerified },
		ModelIntegrity: func() bool { return a.selfTestOK.Load() },
		StoreOK: func(c *gin.Context) bool {
			_, err := a.store.Get(c.Request.Context(), storage.TableProcessingJobs,
				storage.JobKey("healthz-probe"), storage.GetOptions{SkipCache: true})
			return err == nil || storage.IsNotFound(err)
		},
		QueueDepth: func(c *gin.Context) (int, error) {
			return a.queue.Len(c.Request.Context())
		},
	}
}

func (a *app) httpServer() *http.Server {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, a.svc, a.healthDeps())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveHTTP runs the listener until ctx ends, then drains in-flight
// requests.
func (a *app) serveHTTP(ctx context.Context) error {
	srv := a.httpServer()
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(ctx context.Context) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := initTracer(cfg)
	if err != nil {
		return fmt.Errorf("otlp tracer setup: %w", err)
	}
	defer cleanup(context.Background())

	a, err := buildApp(ctx, cfg, "healthd-api")
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serveHTTP(ctx)
}

func runWorker(ctx context.Context) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := initTracer(cfg)
	if err != nil {
		return fmt.Errorf("otlp tracer setup: %w", err)
	}
	defer cleanup(context.Background())

	a, err := buildApp(ctx, cfg, "healthd-worker")
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consumer.Run(ctx) })
	g.Go(func() error { return ignoreCancel(a.sweeper.Run(ctx)) })
	g.Go(func() error { return a.watchWeights(ctx) })
	return ignoreCancel(g.Wait())
}

func runAll(ctx context.Context) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := initTracer(cfg)
	if err != nil {
		return fmt.Errorf("otlp tracer setup: %w", err)
	}
	defer cleanup(context.Background())

	a, err := buildApp(ctx, cfg, "healthd")
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveHTTP(ctx) })
	g.Go(func() error { return a.consumer.Run(ctx) })
	g.Go(func() error { return ignoreCancel(a.sweeper.Run(ctx)) })
	g.Go(func() error { return a.watchWeights(ctx) })
	return ignoreCancel(g.Wait())
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
