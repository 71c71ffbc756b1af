// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Feed, Recorder, etc.).
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Feed      FeedConfig      `yaml:"feed"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ViewEvents string `yaml:"viewEvents"`
	FeedEvents string `yaml:"feedEvents"`
}

// RedisConfig holds Redis connection parameters. Memo and session TTLs live
// in FeedConfig because they are ranking semantics, not transport settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// FeedConfig holds every ranking tunable. Field comments name the
// corresponding operator-facing knob.
type FeedConfig struct {
	PageSizeDefault      int           `yaml:"pageSizeDefault"`      // PAGE_SIZE_DEFAULT
	PageSizeMax          int           `yaml:"pageSizeMax"`
	PageDeadline         time.Duration `yaml:"pageDeadline"`         // PAGE_DEADLINE_MS
	DownstreamDeadline   time.Duration `yaml:"downstreamDeadline"`   // DOWNSTREAM_DEADLINE_MS
	RepeatCooldown       time.Duration `yaml:"repeatCooldown"`       // REPEAT_COOLDOWN_DAYS
	MinRepeatAge         time.Duration `yaml:"minRepeatAge"`         // MIN_REPEAT_AGE_DAYS
	MaxRepeatsPerPage    int           `yaml:"maxRepeatsPerPage"`    // MAX_REPEATS_PER_PAGE
	RepeatSafePrefix     int           `yaml:"repeatSafePrefix"`     // REPEAT_SAFE_PREFIX
	RepeatMinScore       float64       `yaml:"repeatMinScore"`
	FreshnessTau         time.Duration `yaml:"freshnessTau"`         // FRESHNESS_TAU_HOURS
	FreshnessCliff       time.Duration `yaml:"freshnessCliff"`       // FRESHNESS_CLIFF_DAYS
	FreshnessFloor       float64       `yaml:"freshnessFloor"`
	ExploreEpsilon       float64       `yaml:"exploreEpsilon"`       // EPSILON_EXPLORE
	JitterEpsilon        float64       `yaml:"jitterEpsilon"`        // JITTER_EPSILON
	MaxPerCreatorPerPage int           `yaml:"maxPerCreatorPerPage"` // MAX_PER_CREATOR_PER_PAGE
	CreatorGap           int           `yaml:"creatorGap"`
	DiversityWindow      int           `yaml:"diversityWindow"`
	MinRefreshDelta      int           `yaml:"minRefreshDelta"`      // MIN_REFRESH_DELTA
	InventoryWaterline   int           `yaml:"inventoryWaterline"`   // INVENTORY_WATERLINE
	PoolMultiplier       int           `yaml:"poolMultiplier"`
	MaxScanPages         int           `yaml:"maxScanPages"`
	MaxUploadDurationMs  int64         `yaml:"maxUploadDurationMs"`  // MAX_UPLOAD_DURATION_MS
	TrendingHorizon      time.Duration `yaml:"trendingHorizon"`
	SessionTTL           time.Duration `yaml:"sessionTTL"`           // SESSION_TTL_SECONDS
	PageMemoTTL          time.Duration `yaml:"pageMemoTTL"`          // PAGE_MEMO_TTL_SECONDS
	CursorSeenCap        int           `yaml:"cursorSeenCap"`
	Weights              ScoreWeights  `yaml:"weights"`
}

// ScoreWeights are the linear weights of the four score factors.
type ScoreWeights struct {
	Engagement float64 `yaml:"engagement"`
	Freshness  float64 `yaml:"freshness"`
	Context    float64 `yaml:"context"`
	Diversity  float64 `yaml:"diversity"`
}

// WorkingPool returns the number of candidates the assembler tries to pool
// for a page of the given size.
func (f FeedConfig) WorkingPool(pageSize int) int {
	target := f.PoolMultiplier * pageSize
	if target < f.InventoryWaterline {
		target = f.InventoryWaterline
	}
	return target
}

// Validate reports inconsistent tunables.
func (f FeedConfig) Validate() error {
	var errs []error
	if f.PageSizeDefault < 1 || f.PageSizeDefault > f.PageSizeMax {
		errs = append(errs, fmt.Errorf("pageSizeDefault must be in 1..%d", f.PageSizeMax))
	}
	if f.PageDeadline <= 0 || f.DownstreamDeadline <= 0 {
		errs = append(errs, errors.New("deadlines must be positive"))
	}
	if f.DownstreamDeadline > f.PageDeadline {
		errs = append(errs, errors.New("downstreamDeadline must not exceed pageDeadline"))
	}
	if f.MinRepeatAge >= f.RepeatCooldown {
		errs = append(errs, errors.New("minRepeatAge must be shorter than repeatCooldown"))
	}
	if f.FreshnessTau <= 0 || f.FreshnessCliff <= 0 {
		errs = append(errs, errors.New("freshness tau and cliff must be positive"))
	}
	if f.ExploreEpsilon < 0 || f.ExploreEpsilon > 1 {
		errs = append(errs, errors.New("exploreEpsilon must be in [0,1]"))
	}
	if f.JitterEpsilon < 0 || f.JitterEpsilon > 0.5 {
		errs = append(errs, errors.New("jitterEpsilon must be in [0,0.5]"))
	}
	if f.MaxPerCreatorPerPage < 1 || f.CreatorGap < 1 || f.DiversityWindow < 1 {
		errs = append(errs, errors.New("creator cap, gap and diversity window must be at least 1"))
	}
	if f.PoolMultiplier < 1 || f.MaxScanPages < 1 {
		errs = append(errs, errors.New("poolMultiplier and maxScanPages must be at least 1"))
	}
	w := f.Weights
	if sum := w.Engagement + w.Freshness + w.Context + w.Diversity; math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("score weights must sum to 1, got %.4f", sum))
	}
	return errors.Join(errs...)
}

// RecorderConfig controls viewability gating and batched impression write-back.
type RecorderConfig struct {
	Mode                 string        `yaml:"mode"` // inline | kafka
	ViewabilityThreshold float64       `yaml:"viewabilityThreshold"`
	ViewabilityDwell     time.Duration `yaml:"viewabilityDwell"`
	EMAAlpha             float64       `yaml:"emaAlpha"`
	BatchSize            int           `yaml:"batchSize"`
	FlushInterval        time.Duration `yaml:"flushInterval"`
	PruneInterval        time.Duration `yaml:"pruneInterval"`
}

// RateLimitConfig controls per-viewer request limiting on the public API.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// AnalyticsConfig controls the page-served event pipeline.
type AnalyticsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BufferSize       int           `yaml:"bufferSize"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Feed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feed config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with production-ready defaults for local
// development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "feedranker",
			User:            "feedranker",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "feed-ranker-group",
			Topics: KafkaTopics{
				ViewEvents: "feed.view-events",
				FeedEvents: "feed.page-served",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  20,
			KeyPrefix: "feed:",
		},
		Feed: DefaultFeed(),
		Recorder: RecorderConfig{
			Mode:                 "inline",
			ViewabilityThreshold: 0.5,
			ViewabilityDwell:     500 * time.Millisecond,
			EMAAlpha:             0.2,
			BatchSize:            200,
			FlushInterval:        2 * time.Second,
			PruneInterval:        time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 120,
			Window:   time.Minute,
		},
		Analytics: AnalyticsConfig{
			Enabled:          true,
			BufferSize:       10000,
			SnapshotInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// DefaultFeed returns the ranking defaults.
func DefaultFeed() FeedConfig {
	const day = 24 * time.Hour
	return FeedConfig{
		PageSizeDefault:      12,
		PageSizeMax:          50,
		PageDeadline:         250 * time.Millisecond,
		DownstreamDeadline:   120 * time.Millisecond,
		RepeatCooldown:       30 * day,
		MinRepeatAge:         7 * day,
		MaxRepeatsPerPage:    2,
		RepeatSafePrefix:     6,
		RepeatMinScore:       0.5,
		FreshnessTau:         48 * time.Hour,
		FreshnessCliff:       14 * day,
		FreshnessFloor:       0.01,
		ExploreEpsilon:       0.10,
		JitterEpsilon:        0.02,
		MaxPerCreatorPerPage: 2,
		CreatorGap:           3,
		DiversityWindow:      3,
		MinRefreshDelta:      5,
		InventoryWaterline:   24,
		PoolMultiplier:       3,
		MaxScanPages:         4,
		MaxUploadDurationMs:  180_000,
		TrendingHorizon:      7 * day,
		SessionTTL:           10 * time.Minute,
		PageMemoTTL:          60 * time.Second,
		CursorSeenCap:        96,
		Weights: ScoreWeights{
			Engagement: 0.40,
			Freshness:  0.30,
			Context:    0.20,
			Diversity:  0.10,
		},
	}
}

// applyEnvOverrides reads FR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("FR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("FR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("FR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("FR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("FR_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("FR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FR_RECORDER_MODE"); v != "" {
		cfg.Recorder.Mode = v
	}
	if v := os.Getenv("FR_FEED_PAGE_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.PageDeadline = d
		}
	}
	if v := os.Getenv("FR_FEED_DOWNSTREAM_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.DownstreamDeadline = d
		}
	}
	if v := os.Getenv("FR_FEED_EXPLORE_EPSILON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Feed.ExploreEpsilon = f
		}
	}
	if v := os.Getenv("FR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
