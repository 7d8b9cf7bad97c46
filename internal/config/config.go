package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	ShutdownTimeout time.Duration

	// Database. DatabaseURL, when set, replaces the DB_* fields.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int
	// MigrationsDir is read by the migrator only.
	MigrationsDir string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion         string
	SESFromEmail      string
	SNSRegion         string
	SQSEventsQueueURL string
	SNSAlertsTopicARN string
	// AWSEndpoint overrides the service endpoint, for LocalStack.
	AWSEndpoint string

	// HTTP providers
	ChatAPIURL       string
	ChatAPIToken     string
	VoiceAPIURL      string
	VoiceAPIToken    string
	VoiceAssistantID string
	ProviderTimeout  time.Duration

	// Circuit breakers, one per channel adapter
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Rate limiting
	RateLimitPerMinute int
	RateLimitPerHour   int
	RateLimitBackend   string // redis or local
	// API calls are counted per tenant apart from sends
	APIRateLimitPerMinute int
	APIRateLimitPerHour   int

	// Dispatch
	DispatchWorkers      int
	DispatchBatchSize    int
	DispatchPollInterval time.Duration
	InFlightTimeout      time.Duration
	ClaimTimeout         time.Duration
	SweepInterval        time.Duration
	ScheduleTick         time.Duration
	RetryTablesFile      string

	// Automation
	ActionWorkers      int
	ActionPollInterval time.Duration
	ActionBatchSize    int
	EventBuffer        int
	DedupTTL           time.Duration
	CronRefresh        time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is read first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		ShutdownTimeout: 10 * time.Second,

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "outreach",
		DBName:    "outreach",
		DBSSLMode: "disable",

		MigrationsDir: "migrations",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@outreach.local",

		ProviderTimeout: 30 * time.Second,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,

		RateLimitPerMinute: 60,
		RateLimitPerHour:   1000,
		RateLimitBackend:   "redis",

		APIRateLimitPerMinute: 600,
		APIRateLimitPerHour:   20000,

		DispatchWorkers:      8,
		DispatchBatchSize:    50,
		DispatchPollInterval: 5 * time.Second,
		InFlightTimeout:      30 * time.Minute,
		ClaimTimeout:         5 * time.Minute,
		SweepInterval:        time.Minute,
		ScheduleTick:         15 * time.Second,

		ActionWorkers:      4,
		ActionPollInterval: 5 * time.Second,
		ActionBatchSize:    50,
		EventBuffer:        256,
		DedupTTL:           24 * time.Hour,
		CronRefresh:        time.Minute,
	}

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Env, "ENV")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.DBHost, "DB_HOST")
	setString(&cfg.DBUser, "DB_USER")
	setString(&cfg.DBPassword, "DB_PASSWORD")
	setString(&cfg.DBName, "DB_NAME")
	setString(&cfg.DBSSLMode, "DB_SSLMODE")
	setString(&cfg.RedisHost, "REDIS_HOST")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.AWSRegion, "AWS_REGION")
	setString(&cfg.SESFromEmail, "SES_FROM_EMAIL")
	setString(&cfg.SQSEventsQueueURL, "SQS_EVENTS_QUEUE_URL")
	setString(&cfg.SNSAlertsTopicARN, "SNS_ALERTS_TOPIC_ARN")
	setString(&cfg.AWSEndpoint, "AWS_ENDPOINT")
	setString(&cfg.MigrationsDir, "MIGRATIONS_DIR")
	setString(&cfg.ChatAPIURL, "CHAT_API_URL")
	setString(&cfg.ChatAPIToken, "CHAT_API_TOKEN")
	setString(&cfg.VoiceAPIURL, "VOICE_API_URL")
	setString(&cfg.VoiceAPIToken, "VOICE_API_TOKEN")
	setString(&cfg.VoiceAssistantID, "VOICE_ASSISTANT_ID")
	setString(&cfg.RateLimitBackend, "RATE_LIMIT_BACKEND")
	setString(&cfg.RetryTablesFile, "RETRY_TABLES_FILE")

	cfg.SNSRegion = cfg.AWSRegion
	setString(&cfg.SNSRegion, "SNS_REGION")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Port, "PORT"},
		{&cfg.DBPort, "DB_PORT"},
		{&cfg.DBMaxConns, "DB_MAX_CONNS"},
		{&cfg.RedisPort, "REDIS_PORT"},
		{&cfg.RedisDB, "REDIS_DB"},
		{&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE"},
		{&cfg.RateLimitPerHour, "RATE_LIMIT_PER_HOUR"},
		{&cfg.APIRateLimitPerMinute, "API_RATE_LIMIT_PER_MINUTE"},
		{&cfg.APIRateLimitPerHour, "API_RATE_LIMIT_PER_HOUR"},
		{&cfg.BreakerMaxFailures, "BREAKER_MAX_FAILURES"},
		{&cfg.DispatchWorkers, "DISPATCH_WORKERS"},
		{&cfg.DispatchBatchSize, "DISPATCH_BATCH_SIZE"},
		{&cfg.ActionWorkers, "ACTION_WORKERS"},
		{&cfg.ActionBatchSize, "ACTION_BATCH_SIZE"},
		{&cfg.EventBuffer, "EVENT_BUFFER"},
	}
	for _, v := range ints {
		if err := setInt(v.dst, v.key); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT"},
		{&cfg.ProviderTimeout, "PROVIDER_TIMEOUT"},
		{&cfg.BreakerRecoveryTimeout, "BREAKER_RECOVERY_TIMEOUT"},
		{&cfg.DispatchPollInterval, "DISPATCH_POLL_INTERVAL"},
		{&cfg.InFlightTimeout, "IN_FLIGHT_TIMEOUT"},
		{&cfg.ClaimTimeout, "CLAIM_TIMEOUT"},
		{&cfg.SweepInterval, "SWEEP_INTERVAL"},
		{&cfg.ScheduleTick, "SCHEDULE_TICK"},
		{&cfg.ActionPollInterval, "ACTION_POLL_INTERVAL"},
		{&cfg.DedupTTL, "DEDUP_TTL"},
		{&cfg.CronRefresh, "CRON_REFRESH"},
	}
	for _, v := range durations {
		if err := setDuration(v.dst, v.key); err != nil {
			return nil, err
		}
	}

	if cfg.RateLimitBackend != "redis" && cfg.RateLimitBackend != "local" {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BACKEND: %q (want redis or local)", cfg.RateLimitBackend)
	}
	if cfg.DispatchWorkers <= 0 {
		return nil, fmt.Errorf("invalid DISPATCH_WORKERS: %d must be positive", cfg.DispatchWorkers)
	}
	if cfg.ActionWorkers <= 0 {
		return nil, fmt.Errorf("invalid ACTION_WORKERS: %d must be positive", cfg.ActionWorkers)
	}

	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
