// Command analytics aggregates page_served events from the ranker.
//
// It consumes the feed-events topic, keeps totals, cache-hit rate, latency
// percentiles, tier mix and error kinds in memory, serves them at
// GET /api/v1/analytics, and snapshots them to PostgreSQL periodically.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The handler needs the aggregator and the aggregator owns the consumer,
	// so the handler closure resolves agg lazily.
	var agg *analytics.Aggregator
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.FeedEvents, func(ctx context.Context, key, value []byte) error {
		return analytics.HandleEvent(agg)(ctx, key, value)
	})
	defer consumer.Close()
	agg = analytics.NewAggregator(consumer)

	go func() {
		if err := agg.Start(ctx); err != nil {
			slog.Error("aggregator error", "error", err)
		}
	}()
	slog.Info("analytics aggregator started", "topic", cfg.Kafka.Topics.FeedEvents)

	checker := health.NewChecker()
	var snapshots analytics.SnapshotLister
	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, snapshots disabled", "error", err)
	} else {
		defer db.Close()
		if cfg.Postgres.Migrate {
			if err := db.Migrate(ctx); err != nil {
				slog.Error("failed to apply migrations", "error", err)
				os.Exit(1)
			}
		}
		store := aggregator.NewStore(db)
		if last, err := store.LatestSnapshot(ctx); err != nil {
			slog.Warn("reading last snapshot", "error", err)
		} else if last != nil {
			slog.Info("previous snapshot found",
				"captured_at", last.CapturedAt,
				"total_pages", last.TotalPages,
				"p95_latency_ms", last.P95LatencyMs,
			)
		}
		store.StartPeriodicSave(ctx, agg, cfg.Analytics.SnapshotInterval)
		snapshots = store
		checker.Register("postgres", health.Ping(db.Ping, health.StatusDegraded))
	}

	h := analytics.NewHandler(agg, snapshots)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", h.Stats)
	mux.HandleFunc("GET /api/v1/analytics/snapshots", h.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port, nil)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}

	var chain http.Handler = mux
	chain = middleware.AccessLog(chain)
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m, "/api/v1/analytics", "/api/v1/analytics/snapshots", "/health/live", "/health/ready")(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("analytics service stopped")
}
