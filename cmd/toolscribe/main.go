// toolscribe observes an interactive coding assistant's tool activity,
// distills it into observations via a child analyzer process, persists
// them, syncs them to a vector index, and streams live updates and token
// economics to a local viewer UI.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolscribe/toolscribe/pkg/api"
	"github.com/toolscribe/toolscribe/pkg/cleanup"
	"github.com/toolscribe/toolscribe/pkg/config"
	"github.com/toolscribe/toolscribe/pkg/events"
	"github.com/toolscribe/toolscribe/pkg/metrics"
	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/orchestrator"
	"github.com/toolscribe/toolscribe/pkg/perf"
	"github.com/toolscribe/toolscribe/pkg/queue"
	"github.com/toolscribe/toolscribe/pkg/session"
	"github.com/toolscribe/toolscribe/pkg/store"
	"github.com/toolscribe/toolscribe/pkg/vectorsync"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "."), "path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	setLogLevel(cfg.LogLevel)

	slog.Info("starting toolscribe", "storePath", cfg.StorePath, "httpAddr", cfg.HTTPAddr)

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("error closing store", "error", err)
		}
	}()

	broadcaster := events.New(func() any { return snapshot(context.Background(), db) })
	sink := events.NewSink(broadcaster)

	registry := prometheus.DefaultRegisterer
	tracker := perf.New(registry)

	metricsEngine := metrics.New(db.ReadDB(), broadcaster)

	msgQueue := queue.New(db)

	var vectors orchestrator.VectorSync
	if cfg.VectorSyncEnabled() {
		syncer, err := vectorsync.New(vectorsync.Config{
			Host:       cfg.VectorHost,
			Port:       cfg.VectorPort,
			APIKey:     cfg.VectorAPIKey,
			Collection: cfg.VectorCollection,
			Dimension:  cfg.VectorDimension,
		}, nil)
		if err != nil {
			slog.Error("vector sync disabled: failed to connect", "error", err)
		} else {
			vectors = syncer
			defer syncer.Close()
		}
	}

	sinkAndMetrics := combinedMetricsSink{engine: metricsEngine, tracker: tracker}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newOrch := func(sess models.Session, ev orchestrator.ObservationEvents) *orchestrator.Orchestrator {
		return orchestrator.New(
			sess,
			db,
			msgQueue,
			ev,
			sinkAndMetrics,
			vectors,
			session.WithBackoffSpawn(cfg.AnalyzerPath, cfg.AnalyzerArgs),
			func() int64 { return time.Now().UnixMilli() },
		)
	}

	manager := session.New(ctx, db, msgQueue, newOrch, sink)
	if err := manager.Resume(ctx); err != nil {
		slog.Error("failed to resume sessions with pending messages", "error", err)
	}

	cleanupSvc := cleanup.NewService(cleanup.Config{Interval: cfg.CleanupInterval, KeepLast: cfg.CleanupKeepLast}, msgQueue)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	server := api.NewServer(manager, metricsEngine, tracker, broadcaster)

	gin.SetMode(getEnv("GIN_MODE", "release"))
	router := server.Router()

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := router.Run(cfg.HTTPAddr); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	waitForShutdown()
	slog.Info("shutting down", "activeSessions", manager.ActiveCount())
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// snapshot builds the initial_load payload a freshly-subscribed viewer
// connection needs to catch up before the first live event arrives (§4.6).
func snapshot(ctx context.Context, reader models.Reader) any {
	q := models.PageQuery{Limit: 100}
	observations, _ := reader.ListObservations(ctx, q)
	summaries, _ := reader.ListSummaries(ctx, q)
	prompts, _ := reader.ListPrompts(ctx, q)
	return map[string]any{
		"observations": observations,
		"summaries":    summaries,
		"prompts":      prompts,
	}
}

// combinedMetricsSink satisfies orchestrator.MetricsSink by composing the
// Token Metrics Engine's cache/broadcast capability with the Performance
// Tracker's sample-recording capability — the two collaborators §9 keeps
// distinct at the package level are joined here, at the one call site that
// actually needs both.
type combinedMetricsSink struct {
	engine  *metrics.Engine
	tracker *perf.Tracker
}

func (c combinedMetricsSink) InvalidateCache(project *string) { c.engine.InvalidateCache(project) }
func (c combinedMetricsSink) BroadcastTokenUpdate(ctx context.Context, project *string) error {
	return c.engine.BroadcastTokenUpdate(ctx, project)
}
func (c combinedMetricsSink) RecordSample(atEpochMillis, durationMillis int64, observationCount int, discoveryTokens int64) {
	c.tracker.RecordSample(atEpochMillis, durationMillis, observationCount, discoveryTokens)
}

func setLogLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
