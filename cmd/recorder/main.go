// Command recorder consumes viewability events from Kafka and records them:
// confirmed views become impression log rows and interest-signal updates.
// It also prunes impressions that have aged past the repeat cooldown.
//
// Usage:
//
//	go run ./cmd/recorder [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/candidates"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/recorder"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/signals"
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
	slog.Info("starting impression recorder", "topic", cfg.Kafka.Topics.ViewEvents)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port, nil)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.Postgres.Migrate {
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	clock := feed.SystemClock{}
	impLog := impressions.NewPostgresLog(db, cfg.Feed.RepeatCooldown)
	rec := recorder.New(
		impLog,
		signals.NewPostgresStore(db, cfg.Recorder.EMAAlpha),
		candidates.NewPostgresStore(db, cfg.Feed.MaxUploadDurationMs, clock),
		cfg.Recorder,
		clock,
		m,
	)

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ViewEvents, nil)
	defer consumer.Close()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.StartBatch(ctx, cfg.Recorder.BatchSize, cfg.Recorder.FlushInterval, recorder.HandleBatch(rec)); err != nil {
			slog.Error("view event consumer error", "error", err)
		}
	}()
	go recorder.RunPruner(ctx, impLog, cfg.Feed.RepeatCooldown, cfg.Recorder.PruneInterval, clock)

	checker := health.NewChecker()
	checker.Register("postgres", health.Ping(db.Ping, health.StatusDown))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.RequestID(mux),
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

	slog.Info("recorder health endpoint listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-consumerDone
	slog.Info("impression recorder stopped")
}
