// Package app wires configuration into the store, gateway and syncer
// shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/evetrade/ledger-engine/internal/account"
	"github.com/evetrade/ledger-engine/internal/config"
	"github.com/evetrade/ledger-engine/internal/esi"
	"github.com/evetrade/ledger-engine/internal/reconcile"
	"github.com/evetrade/ledger-engine/internal/secret"
	"github.com/evetrade/ledger-engine/internal/store"
)

// App is the assembled object graph.
type App struct {
	Config      *config.Config
	Store       store.Store
	Redis       *redis.Client // nil unless REDIS_URL is set
	Credentials *esi.Credentials
	Gateway     *esi.Gateway
	Syncer      *reconcile.Syncer
	Linker      *account.Linker

	cleanup []func()
}

// Open builds the App. notifier receives every sync outcome and may be nil.
func Open(ctx context.Context, cfg *config.Config, notifier reconcile.Notifier, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg}

	st, closeStore, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.cleanup = append(a.cleanup, closeStore)

	box, err := secret.New(cfg.Storage.SealKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("TOKEN_SEAL_KEY: %w", err)
	}
	var sealer esi.Sealer
	if box != nil {
		sealer = box
	} else {
		logger.Warn("TOKEN_SEAL_KEY not set, refresh tokens are stored in plaintext")
	}

	clock := esi.SystemClock()
	var cache esi.Cache
	var locker reconcile.Locker
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		cache = esi.NewRedisCache(a.Redis, "evetrade:esi:", clock)
		locker = reconcile.NewRedisLocker(a.Redis, cfg.Sync.LeaseTTL, logger)
		logger.Info("Redis response cache and sync lease enabled")
	} else {
		mc := esi.NewMemoryCache(clock)
		a.cleanup = append(a.cleanup, func() { mc.Close() })
		cache = mc
	}

	a.Credentials = esi.NewCredentials(cfg.Credentials(), st, sealer, clock, logger)
	a.Gateway = esi.NewGateway(cfg.Gateway(), a.Credentials,
		esi.WithCache(cache),
		esi.WithClock(clock),
		esi.WithSettings(st),
		esi.WithLogger(logger),
	)
	a.Syncer = reconcile.NewSyncer(st, a.Gateway, reconcile.Options{
		Locker:         locker,
		Notifier:       notifier,
		BackfillMaxAge: cfg.Sync.BackfillMaxAge,
		Logger:         logger,
	})
	a.Linker = account.NewLinker(st, a.Gateway, sealer, a.Credentials, logger)
	return a, nil
}

// OpenStore selects the backend: Postgres when DATABASE_URL is set, else
// SQLite when SQLITE_PATH is set, else in-memory.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL")
		return pg, func() { pg.Close() }, nil

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened SQLite database", "path", cfg.SQLitePath)
		return lite, func() { lite.Close() }, nil

	default:
		logger.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		return ms, func() { ms.Close() }, nil
	}
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
