package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/api"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/challenge"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/config"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/lock"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/observability"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/spotcheck"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/trust"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/verification"
)

// app is the wired engine shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   store.Store
	obs     *observability.Provider
	redis   *redis.Client
	trust   *trust.Manager
	engine  *verification.Engine
	spot    *spotcheck.Service
	sweeper *spotcheck.Sweeper
}

func setupLogging(cfg *config.Config, w io.Writer) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		return openSQL(ctx, store.DialectPostgres, cfg.DatabaseURL)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		return openSQL(ctx, store.DialectSQLite, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openSQL(ctx context.Context, dialect store.Dialect, dsn string) (store.Store, error) {
	st, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func loadGenerator(cfg *config.Config) (*challenge.Generator, error) {
	if cfg.ChallengeCatalog == "" {
		return challenge.NewGenerator(nil), nil
	}
	data, err := os.ReadFile(cfg.ChallengeCatalog)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge catalog: %w", err)
	}
	catalog, err := challenge.LoadCatalog(data)
	if err != nil {
		return nil, err
	}
	return challenge.NewGenerator(catalog), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	gen, err := loadGenerator(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Environment = cfg.Environment
	a.obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var locker lock.Locker = lock.NewMutexMap()
	if cfg.RedisAddr != "" {
		a.redis = lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		locker = lock.NewRedisLocker(a.redis, 0)
	}

	auditLog, err := audit.Open(ctx, st)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	d, err := dispatch.New(
		dispatch.WithTimeout(cfg.ChallengeTimeout),
		dispatch.WithRateLimit(float64(cfg.OutboundRPS), cfg.OutboundRPS),
		dispatch.WithSigningSecret(cfg.WebhookSigningSecret),
		dispatch.WithAudit(auditLog),
		dispatch.WithObservability(a.obs),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.trust = trust.NewManager(st,
		trust.WithLocker(locker),
		trust.WithAudit(auditLog),
		trust.WithObservability(a.obs),
	)
	a.engine, err = verification.NewEngine(st, d, a.trust, verification.Config{
		Days:                  cfg.VerificationDays,
		ChallengesPerDay:      cfg.ChallengesPerDay,
		NightChallengesPerDay: cfg.NightChallengesPerDay,
		Pacing:                cfg.DispatchPacing,
		PassPolicy:            cfg.SessionPassPolicy,
	},
		verification.WithGenerator(gen),
		verification.WithLocker(locker),
		verification.WithAudit(auditLog),
		verification.WithObservability(a.obs),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.spot = spotcheck.NewService(st, d, a.trust,
		spotcheck.WithGenerator(gen),
		spotcheck.WithLocker(locker),
		spotcheck.WithObservability(a.obs),
	)
	a.sweeper = spotcheck.NewSweeper(a.spot, cfg.SpotCheckBatchSize, cfg.SpotCheckConcurrency)
	return a, nil
}

func (a *app) server(limiter *api.RateLimiter) *api.Server {
	return api.NewServer(api.Deps{
		Agents:    a.store,
		Engine:    a.engine,
		Trust:     a.trust,
		SpotCheck: a.spot,
		Sweeper:   a.sweeper,
		Limiter:   limiter,
	})
}

// Close releases the store, the Redis client and the telemetry exporters.
func (a *app) Close(ctx context.Context) {
	if err := a.obs.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
}
