package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/config"
	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "STORE_DRIVER", "REDIS_ADDR",
		"CHALLENGE_TIMEOUT", "DISPATCH_PACING", "CHALLENGES_PER_DAY",
		"NIGHT_CHALLENGES_PER_DAY", "VERIFICATION_DAYS", "OTEL_ENABLED", "CHALLENGE_CATALOG",
	} {
		t.Setenv(key, "")
	}
}

// TestLoad_Defaults verifies the daemon boots with safe defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.ChallengeTimeout)
	assert.Equal(t, 3, cfg.VerificationDays)
	assert.Equal(t, 5, cfg.ChallengesPerDay)
	assert.Equal(t, 1, cfg.NightChallengesPerDay)
	assert.False(t, cfg.OTelEnabled)
	assert.Empty(t, cfg.ChallengeCatalog)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("CHALLENGE_TIMEOUT", "5s")
	t.Setenv("DISPATCH_PACING", "0s")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.ChallengeTimeout)
	assert.Equal(t, time.Duration(0), cfg.DispatchPacing)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

// TestLoad_ProtocolFloor keeps the per-day challenge mix valid regardless of env input.
func TestLoad_ProtocolFloor(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHALLENGES_PER_DAY", "1")
	t.Setenv("NIGHT_CHALLENGES_PER_DAY", "9")
	t.Setenv("VERIFICATION_DAYS", "0")

	cfg := config.Load()

	assert.Equal(t, 3, cfg.ChallengesPerDay)
	assert.Equal(t, 2, cfg.NightChallengesPerDay)
	assert.Equal(t, 1, cfg.VerificationDays)
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHALLENGES_PER_DAY", "many")
	t.Setenv("CHALLENGE_TIMEOUT", "soon")

	cfg := config.Load()

	assert.Equal(t, 5, cfg.ChallengesPerDay)
	assert.Equal(t, 30*time.Second, cfg.ChallengeTimeout)
}
