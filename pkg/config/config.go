package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port     string
	LogLevel string

	// StoreDriver selects the persistence backend: memory, postgres or sqlite.
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// RedisAddr enables distributed per-agent locks when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTelEnabled  bool
	OTelEndpoint string
	Environment  string

	WebhookSigningSecret string
	ChallengeTimeout     time.Duration
	OutboundRPS          int

	DispatchPacing        time.Duration
	VerificationDays      int
	ChallengesPerDay      int
	NightChallengesPerDay int
	SessionPassPolicy     string
	// ChallengeCatalog is an optional YAML catalog replacing the embedded one.
	ChallengeCatalog string

	SpotCheckBatchSize   int
	SpotCheckConcurrency int
	SweepInterval        time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "data/autonomy.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:  getenv("ENVIRONMENT", "development"),

		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		ChallengeTimeout:     getduration("CHALLENGE_TIMEOUT", 30*time.Second),
		OutboundRPS:          getint("OUTBOUND_RPS", 10),

		DispatchPacing:        getduration("DISPATCH_PACING", 2*time.Second),
		VerificationDays:      getint("VERIFICATION_DAYS", 3),
		ChallengesPerDay:      getint("CHALLENGES_PER_DAY", 5),
		NightChallengesPerDay: getint("NIGHT_CHALLENGES_PER_DAY", 1),
		SessionPassPolicy:     os.Getenv("SESSION_PASS_POLICY"),
		ChallengeCatalog:      os.Getenv("CHALLENGE_CATALOG"),

		SpotCheckBatchSize:   getint("SPOT_CHECK_BATCH_SIZE", 50),
		SpotCheckConcurrency: getint("SPOT_CHECK_CONCURRENCY", 8),
		SweepInterval:        getduration("SWEEP_INTERVAL", 15*time.Minute),
	}

	cfg.StoreDriver = strings.ToLower(os.Getenv("STORE_DRIVER"))
	if cfg.StoreDriver == "" {
		// DATABASE_URL alone implies postgres
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = "postgres"
		} else {
			cfg.StoreDriver = "memory"
		}
	}

	// The protocol needs at least three challenges a day and at least one at night.
	if cfg.ChallengesPerDay < 3 {
		cfg.ChallengesPerDay = 3
	}
	if cfg.NightChallengesPerDay < 1 {
		cfg.NightChallengesPerDay = 1
	}
	if cfg.NightChallengesPerDay >= cfg.ChallengesPerDay {
		cfg.NightChallengesPerDay = cfg.ChallengesPerDay - 1
	}
	if cfg.VerificationDays < 1 {
		cfg.VerificationDays = 1
	}

	return cfg
}

// SlogLevel maps LogLevel onto a slog level, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
