// Command ranker serves the personalized short-video feed.
//
// It assembles pages from the candidate store, impression log and signal
// store in PostgreSQL, memoizes them per session in Redis, accepts
// viewability events (recorded in-process or forwarded to Kafka), and emits
// one page_served analytics event per response.
//
// Usage:
//
//	go run ./cmd/ranker [-config configs/development.yaml]
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
	"time"

	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/analytics/collector"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/api"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/assembler"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/candidates"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/feed"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/impressions"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/recorder"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/selector"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/session"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/internal/signals"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/redis"
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
	slog.Info("starting feed ranker", "port", cfg.Server.Port, "recorder_mode", cfg.Recorder.Mode)

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
	checker := health.NewChecker()
	checker.Register("postgres", health.Ping(db.Ping, health.StatusDown))

	var backend session.Backend
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, using process-local session cache", "error", err)
		backend = session.NewMemoryBackend(clock)
	} else {
		defer redisClient.Close()
		backend = session.NewRedisBackend(redisClient)
		slog.Info("session cache enabled", "addr", cfg.Redis.Addr)
	}
	cache := session.New(backend, cfg.Redis.KeyPrefix, cfg.Feed.PageMemoTTL, cfg.Feed.SessionTTL, m)
	checker.Register("session_cache", health.Ping(cache.Ping, health.StatusDegraded))

	posts := candidates.NewPostgresStore(db, cfg.Feed.MaxUploadDurationMs, clock)
	impLog := impressions.NewPostgresLog(db, cfg.Feed.RepeatCooldown)
	sig := signals.NewPostgresStore(db, cfg.Recorder.EMAAlpha)

	var observer assembler.Observer
	if cfg.Analytics.Enabled {
		producer := kafka.NewAsyncProducer(cfg.Kafka, cfg.Kafka.Topics.FeedEvents)
		defer producer.Close()
		c := analytics.NewCollector(producer, cfg.Analytics.BufferSize)
		c.Start(ctx)
		defer c.Close()
		observer = c
		slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.FeedEvents)
	}

	sampleRate := 0.0
	if cfg.Tracing.Enabled {
		sampleRate = cfg.Tracing.SampleRate
	}
	sel := selector.New(posts, impLog, cfg.Feed, clock, m)
	for _, name := range selector.Sources {
		checker.Register("breaker:"+name, health.Ping(sel.Breaker(name).Check, health.StatusDegraded))
	}
	asm := assembler.New(cfg.Feed, assembler.Deps{
		Selector:        sel,
		Signals:         sig,
		Cache:           cache,
		Clock:           clock,
		Metrics:         m,
		Observer:        observer,
		TraceSampleRate: sampleRate,
	})

	var sink api.EventSink
	switch cfg.Recorder.Mode {
	case "kafka":
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ViewEvents)
		defer producer.Close()
		bc := collector.NewBatchCollector(producer, cfg.Recorder.BatchSize, cfg.Recorder.FlushInterval)
		bc.Start(ctx)
		defer bc.Close()
		gate := recorder.Gate{Threshold: cfg.Recorder.ViewabilityThreshold, Dwell: cfg.Recorder.ViewabilityDwell}
		sink = recorder.NewKafkaSink(bc, gate, m)
		slog.Info("view events forwarded to kafka", "topic", cfg.Kafka.Topics.ViewEvents)
	default:
		rec := recorder.New(impLog, sig, posts, cfg.Recorder, clock, m)
		done := make(chan struct{})
		go func() {
			rec.Run(ctx)
			close(done)
		}()
		defer func() { <-done }()
		go recorder.RunPruner(ctx, impLog, cfg.Feed.RepeatCooldown, cfg.Recorder.PruneInterval, clock)
		sink = rec
	}

	var limiter *api.Limiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		go limiter.Run(ctx, 5*time.Minute)
	}

	h := api.NewHandler(asm, sink, cache)
	router := api.NewRouter(h, checker, api.RouterConfig{
		Limiter: limiter,
		Metrics: m,
		Timeout: cfg.Server.WriteTimeout,
		CORS:    api.DefaultCORSConfig(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + time.Second,
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

	slog.Info("feed ranker listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("feed ranker stopped")
}
