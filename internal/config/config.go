// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, the credit ledger, the database, the job queue, the generation
// worker, rate limiting, and observability.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // RESET_TIMEZONE must resolve without system zoneinfo

	"github.com/hibiken/asynq"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Exporter    string  // OTEL_EXPORTER: otlp|stdout
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "credit-ledger")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LedgerConfig holds the credit policy: per-bucket daily allowances, the
// per-bucket reservation cost, the timezone in which "today" is computed,
// and the recent-requests window.
type LedgerConfig struct {
	DefaultCredits map[string]int // DEFAULT_CREDITS (JSON object)
	Costs          map[string]int // CREDIT_COSTS (JSON object, missing buckets cost 1)
	ResetTimezone  string         // RESET_TIMEZONE (IANA name)
	RecentCap      int            // RECENT_REQUESTS_CAP
	TxnMaxAttempts int            // TXN_MAX_ATTEMPTS
}

// RedisConfig locates the Redis instance shared by the queue and the
// distributed rate limiter.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// WorkerConfig configures the generation worker process.
type WorkerConfig struct {
	Concurrency      int           // WORKER_CONCURRENCY
	GeneratorURL     string        // GENERATOR_URL
	GeneratorSecret  string        // GENERATOR_SECRET (HMAC signing key)
	GeneratorTimeout time.Duration // GENERATOR_TIMEOUT
	MaxRetry         int           // QUEUE_MAX_RETRY
	TaskTimeout      time.Duration // QUEUE_TASK_TIMEOUT
	MetricsPort      string        // WORKER_METRICS_PORT
}

// StorageConfig configures the S3-compatible object store used for cover
// images.
type StorageConfig struct {
	Endpoint  string // MINIO_ENDPOINT
	AccessKey string // MINIO_ACCESS_KEY
	SecretKey string // MINIO_SECRET_KEY
	Bucket    string // MINIO_BUCKET
	UseSSL    bool   // MINIO_USE_SSL
	PublicURL string // MINIO_PUBLIC_URL (prefix for stored object URLs)
}

// AuthConfig holds the credentials for both the internal and public surfaces.
type AuthConfig struct {
	InternalAPIKey    string // INTERNAL_API_KEY
	FirebaseProjectID string // FIREBASE_PROJECT_ID
	FirebaseKeysURL   string // FIREBASE_KEYS_URL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for public API routes

	// Database
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN
	DBTracing   bool   // DB_TRACING

	// Ledger
	Ledger LedgerConfig

	// Rate limiting
	RateRPS     float64 // tokens per second (>= 0)
	RateBurst   int     // bucket size (>= 1)
	RateBackend string  // memory|redis

	// Queue
	Redis     RedisConfig
	QueueName string // QUEUE_NAME

	// Worker
	Worker  WorkerConfig
	Storage StorageConfig

	// Auth
	Auth AuthConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// RedisClientOpt returns the asynq connection options for the configured
// Redis instance.
func (c Config) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB}
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	defaults, err := getintmap("DEFAULT_CREDITS", map[string]int{"story": 3, "definition": 10, "image": 2})
	if err != nil {
		return Config{}, err
	}
	costs, err := getintmap("CREDIT_COSTS", map[string]int{})
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Database
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "ledger.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		DBTracing:   getbool("DB_TRACING", false),

		// Ledger
		Ledger: LedgerConfig{
			DefaultCredits: defaults,
			Costs:          costs,
			ResetTimezone:  getenv("RESET_TIMEZONE", "America/Los_Angeles"),
			RecentCap:      getint("RECENT_REQUESTS_CAP", 50),
			TxnMaxAttempts: getint("TXN_MAX_ATTEMPTS", 8),
		},

		// Rate limiting
		RateRPS:     getfloat("RATE_RPS", 5.0),
		RateBurst:   getint("RATE_BURST", 10),
		RateBackend: strings.ToLower(getenv("RATE_LIMIT_BACKEND", "memory")),

		// Queue
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},
		QueueName: getenv("QUEUE_NAME", "generations"),

		// Worker
		Worker: WorkerConfig{
			Concurrency:      getint("WORKER_CONCURRENCY", 10),
			GeneratorURL:     getenv("GENERATOR_URL", ""),
			GeneratorSecret:  getenv("GENERATOR_SECRET", ""),
			GeneratorTimeout: getdur("GENERATOR_TIMEOUT", 60*time.Second),
			MaxRetry:         getint("QUEUE_MAX_RETRY", 5),
			TaskTimeout:      getdur("QUEUE_TASK_TIMEOUT", 2*time.Minute),
			MetricsPort:      getenv("WORKER_METRICS_PORT", "9091"),
		},
		Storage: StorageConfig{
			Endpoint:  getenv("MINIO_ENDPOINT", ""),
			AccessKey: getenv("MINIO_ACCESS_KEY", ""),
			SecretKey: getenv("MINIO_SECRET_KEY", ""),
			Bucket:    getenv("MINIO_BUCKET", "covers"),
			UseSSL:    getbool("MINIO_USE_SSL", false),
			PublicURL: strings.TrimRight(getenv("MINIO_PUBLIC_URL", ""), "/"),
		},

		// Auth
		Auth: AuthConfig{
			InternalAPIKey:    getenv("INTERNAL_API_KEY", ""),
			FirebaseProjectID: getenv("FIREBASE_PROJECT_ID", ""),
			FirebaseKeysURL: getenv("FIREBASE_KEYS_URL",
				"https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Exporter:    strings.ToLower(getenv("OTEL_EXPORTER", "otlp")),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "credit-ledger"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" {
		cfg.DBDriver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if len(cfg.Ledger.DefaultCredits) == 0 {
		return cfg, errors.New("DEFAULT_CREDITS must name at least one bucket")
	}
	for b, n := range cfg.Ledger.DefaultCredits {
		if n < 0 {
			return cfg, fmt.Errorf("DEFAULT_CREDITS[%s] must be >= 0", b)
		}
	}
	for b, n := range cfg.Ledger.Costs {
		if n < 1 {
			return cfg, fmt.Errorf("CREDIT_COSTS[%s] must be >= 1", b)
		}
	}
	if _, err := time.LoadLocation(cfg.Ledger.ResetTimezone); err != nil {
		return cfg, fmt.Errorf("RESET_TIMEZONE: %w", err)
	}
	if cfg.Ledger.RecentCap < 1 {
		return cfg, errors.New("RECENT_REQUESTS_CAP must be >= 1")
	}
	if cfg.Ledger.TxnMaxAttempts < 1 {
		return cfg, errors.New("TXN_MAX_ATTEMPTS must be >= 1")
	}
	if strings.TrimSpace(cfg.Auth.InternalAPIKey) == "" {
		return cfg, errors.New("INTERNAL_API_KEY must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	switch cfg.RateBackend {
	case "memory", "redis":
	default:
		return cfg, errors.New("RATE_LIMIT_BACKEND must be one of: memory, redis")
	}
	if cfg.RateBackend == "redis" && cfg.RateRPS == 0 {
		return cfg, errors.New("RATE_RPS must be > 0 with the redis backend")
	}
	if strings.TrimSpace(cfg.QueueName) == "" {
		return cfg, errors.New("QUEUE_NAME must not be empty")
	}
	if cfg.Worker.Concurrency < 1 {
		return cfg, errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Worker.MaxRetry < 0 {
		return cfg, errors.New("QUEUE_MAX_RETRY must be >= 0")
	}
	if cfg.Worker.GeneratorTimeout <= 0 || cfg.Worker.TaskTimeout <= 0 {
		return cfg, errors.New("GENERATOR_TIMEOUT and QUEUE_TASK_TIMEOUT must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	switch cfg.OTEL.Exporter {
	case "otlp", "stdout":
	default:
		return cfg, errors.New("OTEL_EXPORTER must be one of: otlp, stdout")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getintmap parses a JSON object of bucket -> integer. A malformed value is
// an error rather than a fallback to def.
func getintmap(k string, def map[string]int) (map[string]int, error) {
	v, ok := os.LookupEnv(k)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	out := map[string]int{}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object of integers: %w", k, err)
	}
	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
