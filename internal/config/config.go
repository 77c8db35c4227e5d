package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Run modes
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

// Stream transports
const (
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	Env       string
	Port      string
	Mode      string
	LogLevel  string
	LogFormat string

	DatabaseURL   string
	RunMigrations bool
	RedisURL      string

	// Stream transport for generation requests
	Transport      string
	KafkaBrokers   []string
	WorkerGroup    string
	StreamMaxLen   int64
	PublishTimeout time.Duration
	RoutesFile     string
	ConsumeResults bool
	ResultStream   string
	ResultConsumer string

	// Sweeper
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepConcurrency int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	// MaxRetries is an opt-in cap on re-publishes. Zero leaves expireAt as
	// the only bound.
	MaxRetries       int
	BacklogInterval  time.Duration

	// Stub worker
	GeneratorURL  string
	WebhookSecret string
	CallbackURL   string
	StubFailRate  float64
	// StubResultsOnStream makes the stub worker report on ResultStream
	// instead of posting callbacks.
	StubResultsOnStream bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	l := &loader{}
	cfg := &Config{
		Env:       getEnvWithDefault("ENV", "development"),
		Port:      getEnvWithDefault("PORT", "8080"),
		Mode:      getEnvWithDefault("MODE", ModeAll),
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RunMigrations: l.getBool("RUN_MIGRATIONS", true),
		RedisURL:      getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0"),

		Transport:      getEnvWithDefault("STREAM_TRANSPORT", TransportRedis),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		WorkerGroup:    getEnvWithDefault("WORKER_GROUP", "generation-workers"),
		StreamMaxLen:   int64(l.getInt("STREAM_MAX_LEN", 10000)),
		PublishTimeout: l.getDuration("PUBLISH_TIMEOUT", 5*time.Second),
		RoutesFile:     os.Getenv("ROUTES_FILE"),
		ConsumeResults: l.getBool("CONSUME_RESULTS", true),
		ResultStream:   getEnvWithDefault("RESULT_STREAM", "ai:results"),
		ResultConsumer: getEnvWithDefault("RESULT_CONSUMER", defaultConsumerName()),

		SweepInterval:    l.getDuration("SWEEP_INTERVAL", 10*time.Second),
		SweepBatchSize:   l.getInt("SWEEP_BATCH_SIZE", 200),
		SweepConcurrency: l.getInt("SWEEP_CONCURRENCY", 8),
		BackoffBase:      l.getDuration("RETRY_BACKOFF_BASE", 15*time.Second),
		BackoffMax:       l.getDuration("RETRY_BACKOFF_MAX", 2*time.Minute),
		MaxRetries:       l.getInt("MAX_RETRIES", 0),
		BacklogInterval:  l.getDuration("BACKLOG_SAMPLE_INTERVAL", 30*time.Second),

		GeneratorURL:        os.Getenv("GENERATOR_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		CallbackURL:         getEnvWithDefault("CALLBACK_URL", "http://localhost:8080/callback"),
		StubFailRate:        l.getFloat("STUB_FAIL_RATE", 0),
		StubResultsOnStream: l.getBool("STUB_RESULTS_ON_STREAM", false),
	}

	switch cfg.Mode {
	case ModeAPI, ModeWorker, ModeAll:
	default:
		l.addError(fmt.Sprintf("MODE must be one of api, worker, all (got %q)", cfg.Mode))
	}
	switch cfg.Transport {
	case TransportRedis:
	case TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			l.addError("KAFKA_BROKERS is required when STREAM_TRANSPORT=kafka")
		}
	default:
		l.addError(fmt.Sprintf("STREAM_TRANSPORT must be redis or kafka (got %q)", cfg.Transport))
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		l.addError("RETRY_BACKOFF_MAX must not be smaller than RETRY_BACKOFF_BASE")
	}
	if cfg.SweepInterval < time.Second {
		l.addError("SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.StubFailRate < 0 || cfg.StubFailRate > 1 {
		l.addError("STUB_FAIL_RATE must be between 0 and 1")
	}
	if cfg.MaxRetries < 0 {
		l.addError("MAX_RETRIES must not be negative")
	}

	if err := l.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// defaultConsumerName is stable across restarts of the same host, so pending
// results read before a restart are reclaimed by the same consumer.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "reconciler"
	}
	return "reconciler-" + host
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loader collects parse errors so every bad variable is reported at once.
type loader struct {
	errs []string
}

func (l *loader) addError(msg string) {
	l.errs = append(l.errs, msg)
}

func (l *loader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *loader) getInt(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *loader) getBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return b
}

func (l *loader) getFloat(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *loader) getDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration (e.g. 30s)", key))
		return def
	}
	return d
}
