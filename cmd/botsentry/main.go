// Package main is the entry point for the automation discovery engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botsentry/internal/baseline"
	"botsentry/internal/config"
	bserrors "botsentry/internal/errors"
	"botsentry/internal/kafka"
	"botsentry/internal/orchestrator"
	"botsentry/internal/schema"
	"botsentry/internal/signature"
	"botsentry/internal/startup"
	"botsentry/internal/storage"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	bserrors.ProductionMode = cfg.Logging.Production

	logger.Info("starting botsentry engine",
		"version", version,
		"queue_size", cfg.Queue.Size,
		"kafka_enabled", cfg.Kafka.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(ctx)
	if diag.HasErrors() {
		logger.Error("startup diagnostics failed")
		os.Exit(1)
	}

	catalog := loadCatalog(cfg.Catalog.Path, logger)

	// Baseline store: Redis when configured, in-memory otherwise.
	var store baseline.Store
	if cfg.Baseline.Redis.Enabled {
		redisStore, err := baseline.NewRedisStore(cfg.Baseline.Redis)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		store = baseline.NewMemoryStore()
	}

	learner := baseline.NewLearner(store, cfg.Baseline.WarmSampleCount, cfg.Baseline.RefreshCadence)

	// Event history feeds baseline warm-up across restarts.
	var chClient *storage.ClickHouseClient
	var batchWriter *storage.BatchWriter
	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		if err := chClient.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure clickhouse schema", "error", err)
			os.Exit(1)
		}
		batchWriter = storage.NewBatchWriter(chClient, storage.DefaultBatchWriterConfig())

		replayBaselines(ctx, cfg, chClient, learner, logger)
	}

	orch := orchestrator.New(cfg, catalog, store, learner, logger)

	// Kafka transport: events in, assessments out.
	var consumer *kafka.EventConsumer
	var producer *kafka.AssessmentProducer
	if cfg.Kafka.Enabled {
		kcfg := kafka.FromService(cfg.Kafka)

		producer, err = kafka.NewAssessmentProducer(kcfg, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		orch.AddHandler(func(ctx context.Context, res *orchestrator.BatchResult) error {
			return producer.PublishAssessments(ctx, res.BatchID, res.OrgID, res.Assessments)
		})

		var submitter kafka.BatchSubmitter = orch
		if batchWriter != nil {
			submitter = &storingSubmitter{engine: orch, writer: batchWriter, logger: logger}
		}

		consumer, err = kafka.NewEventConsumer(kcfg, submitter, logger)
		if err != nil {
			logger.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.StartAsync(); err != nil {
			logger.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("kafka transport disabled, engine only reachable in-process")
	}

	// Snapshot archival on its own cadence.
	if cfg.Baseline.Archive.Enabled {
		archive, err := baseline.NewArchive(ctx, cfg.Baseline.Archive, baseline.ArchiveOptions{}, logger)
		if err != nil {
			logger.Error("failed to create baseline archive", "error", err)
			os.Exit(1)
		}
		restoreBaselines(ctx, cfg, archive, store, logger)
		go runArchiveLoop(ctx, cfg, archive, store, logger)
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		orch.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop intake first so in-flight batches can drain.
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop error", "error", err)
		}
	}

	cancel()
	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		logger.Error("engine did not drain within shutdown window")
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("producer close error", "error", err)
		}
	}
	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			logger.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}

	qm := orch.QueueMetrics()
	logger.Info("shutdown complete",
		"batches_pushed", qm.Pushed,
		"batches_popped", qm.Popped,
		"batches_rejected", qm.Rejected,
	)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadCatalog(path string, logger *slog.Logger) *signature.Catalog {
	if path == "" {
		return signature.BuiltinCatalog()
	}
	catalog, err := signature.LoadCatalog(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("catalog file not found, using builtin signatures", "path", path)
		} else {
			logger.Warn("failed to load signature catalog, using builtin signatures",
				"path", path, "error", err)
		}
		return signature.BuiltinCatalog()
	}
	logger.Info("signature catalog loaded", "path", path)
	return catalog
}

// replayBaselines rebuilds baselines for configured organizations from
// stored event history, so a restart does not reset them to cold.
func replayBaselines(ctx context.Context, cfg *config.Config, client *storage.ClickHouseClient, learner *baseline.Learner, logger *slog.Logger) {
	since := time.Now().Add(-cfg.Baseline.RefreshCadence)
	for _, org := range cfg.Orgs {
		events, err := client.EventsSince(ctx, org.OrgID, since, 0)
		if err != nil {
			logger.Warn("baseline replay query failed", "org_id", org.OrgID, "error", err)
			continue
		}
		if len(events) == 0 {
			continue
		}
		if err := learner.ReplayHistory(ctx, org.OrgID, events); err != nil {
			logger.Warn("baseline replay failed", "org_id", org.OrgID, "error", err)
			continue
		}
		logger.Info("baseline replayed from history", "org_id", org.OrgID, "events", len(events))
	}
}

// restoreBaselines reseeds organizations whose baseline store has no
// snapshot from the newest archived version, so a wiped store does not
// force every organization back to cold.
func restoreBaselines(ctx context.Context, cfg *config.Config, archive *baseline.Archive, store baseline.Store, logger *slog.Logger) {
	for _, org := range cfg.Orgs {
		if _, err := store.Get(ctx, org.OrgID); !errors.Is(err, baseline.ErrNotFound) {
			continue
		}
		snap, err := archive.FetchLatest(ctx, org.OrgID)
		if err != nil {
			if !errors.Is(err, baseline.ErrNotFound) {
				logger.Warn("archive restore failed", "org_id", org.OrgID, "error", err)
			}
			continue
		}
		if err := store.Put(ctx, snap, 0); err != nil {
			logger.Warn("archive restore write failed", "org_id", org.OrgID, "error", err)
			continue
		}
		logger.Info("baseline restored from archive",
			"org_id", org.OrgID,
			"archived_version", snap.Version,
			"sample_size", snap.SampleSize,
		)
	}
}

// runArchiveLoop periodically archives the current baseline snapshot of
// every configured organization.
func runArchiveLoop(ctx context.Context, cfg *config.Config, archive *baseline.Archive, store baseline.Store, logger *slog.Logger) {
	interval := cfg.Baseline.Archive.Interval
	if interval <= 0 {
		interval = cfg.Baseline.RefreshCadence
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, org := range cfg.Orgs {
				snap, err := store.Get(ctx, org.OrgID)
				if err != nil {
					if !errors.Is(err, baseline.ErrNotFound) {
						logger.Warn("archive snapshot read failed", "org_id", org.OrgID, "error", err)
					}
					continue
				}
				if err := archive.Store(ctx, snap); err != nil {
					logger.Warn("archive snapshot write failed", "org_id", org.OrgID, "error", err)
				}
			}
		}
	}
}

// storingSubmitter writes incoming events to the history store before
// handing the batch to the engine, so rejected batches are still
// available for baseline replay.
type storingSubmitter struct {
	engine *orchestrator.Orchestrator
	writer *storage.BatchWriter
	logger *slog.Logger
}

func (s *storingSubmitter) Submit(batch *schema.Batch) error {
	for _, c := range batch.Candidates {
		for i := range c.Events {
			if err := s.writer.Write(&c.Events[i]); err != nil {
				s.logger.Warn("event history write failed",
					"org_id", batch.OrgID, "error", err)
				break
			}
		}
	}
	return s.engine.Submit(batch)
}
