package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIPort  string
	LogLevel string

	BatchSize        int
	BatchMaxRefs     int
	BatchSettleDelay time.Duration

	ExtractionBackend      string
	ExtractionEndpoint     string
	ExtractionAPIKey       string
	ExtractionModel        string
	ExtractionAPIVersion   string
	ExtractionPollInterval time.Duration
	ExtractionTimeout      time.Duration

	NormalizationBaseURL      string
	NormalizationAPIKey       string
	NormalizationModel        string
	NormalizationTemperature  float64
	NormalizationTimeout      time.Duration
	NormalizationMaxAttempts  int
	NormalizationRetryBackoff time.Duration
	NormalizationPromptFile   string

	BreakerEnabled bool

	StoragePath  string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3UseSSL     bool
	FetchTimeout time.Duration
	FetchMaxMB   int

	NATSURL           string
	NATSJobsSubject   string
	NATSEventsSubject string

	PostgresDSN string

	AuthAPIKey    string
	AuthJWTSecret string

	APIRateLimitRPS     float64
	APIRateLimitBurst   int
	APIMaxInFlight      int
	APIBackpressureWait time.Duration

	EventsBuffer     int
	StatusJobHistory int

	WorkerMetricsPort string
}

func Load() Config {
	return Config{
		APIPort:  mustEnv("API_PORT", "8080"),
		LogLevel: mustEnv("LOG_LEVEL", "info"),

		BatchSize:        mustEnvInt("BATCH_SIZE", 5),
		BatchMaxRefs:     mustEnvInt("BATCH_MAX_REFS", 500),
		BatchSettleDelay: mustEnvDuration("BATCH_SETTLE_DELAY", 0),

		ExtractionBackend:      strings.ToLower(mustEnv("EXTRACTION_BACKEND", "docintel")),
		ExtractionEndpoint:     mustEnv("EXTRACTION_ENDPOINT", ""),
		ExtractionAPIKey:       mustEnv("EXTRACTION_API_KEY", ""),
		ExtractionModel:        mustEnv("EXTRACTION_MODEL", "prebuilt-invoice"),
		ExtractionAPIVersion:   mustEnv("EXTRACTION_API_VERSION", "2024-11-30"),
		ExtractionPollInterval: mustEnvDuration("EXTRACTION_POLL_INTERVAL", time.Second),
		ExtractionTimeout:      mustEnvDuration("EXTRACTION_TIMEOUT", 2*time.Minute),

		NormalizationBaseURL:      mustEnv("NORMALIZATION_BASE_URL", "https://api.openai.com/v1"),
		NormalizationAPIKey:       mustEnv("NORMALIZATION_API_KEY", ""),
		NormalizationModel:        mustEnv("NORMALIZATION_MODEL", "gpt-4o-mini"),
		NormalizationTemperature:  mustEnvFloat("NORMALIZATION_TEMPERATURE", 0),
		NormalizationTimeout:      mustEnvDuration("NORMALIZATION_TIMEOUT", time.Minute),
		NormalizationMaxAttempts:  mustEnvInt("NORMALIZATION_MAX_ATTEMPTS", 3),
		NormalizationRetryBackoff: mustEnvDuration("NORMALIZATION_RETRY_BACKOFF", time.Second),
		NormalizationPromptFile:   mustEnv("NORMALIZATION_PROMPT_FILE", ""),

		BreakerEnabled: mustEnvBool("BREAKER_ENABLED", true),

		StoragePath:  mustEnv("STORAGE_PATH", "./data/storage"),
		S3Endpoint:   mustEnv("S3_ENDPOINT", ""),
		S3AccessKey:  mustEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:  mustEnv("S3_SECRET_KEY", ""),
		S3Region:     mustEnv("S3_REGION", ""),
		S3UseSSL:     mustEnvBool("S3_USE_SSL", true),
		FetchTimeout: mustEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		FetchMaxMB:   mustEnvInt("FETCH_MAX_MB", 50),

		NATSURL:           mustEnv("NATS_URL", "nats://localhost:4222"),
		NATSJobsSubject:   mustEnv("NATS_JOBS_SUBJECT", "invoices.jobs"),
		NATSEventsSubject: mustEnv("NATS_EVENTS_SUBJECT", ""),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		AuthAPIKey:    mustEnv("AUTH_API_KEY", ""),
		AuthJWTSecret: mustEnv("AUTH_JWT_SECRET", ""),

		APIRateLimitRPS:     mustEnvFloat("API_RATE_LIMIT_RPS", 0),
		APIRateLimitBurst:   mustEnvInt("API_RATE_LIMIT_BURST", 10),
		APIMaxInFlight:      mustEnvInt("API_MAX_IN_FLIGHT", 0),
		APIBackpressureWait: mustEnvDuration("API_BACKPRESSURE_WAIT", 250*time.Millisecond),

		EventsBuffer:     mustEnvInt("EVENTS_BUFFER", 256),
		StatusJobHistory: mustEnvInt("STATUS_JOB_HISTORY", 16),

		WorkerMetricsPort: mustEnv("WORKER_METRICS_PORT", "9090"),
	}
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// mustEnvDuration accepts Go durations ("1500ms", "2s") or plain seconds.
func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
