// Package factory builds the configured state.Store.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deangilmoreremix/contactsfeature-sub000/internal/config"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/state/hybrid"
	"github.com/deangilmoreremix/contactsfeature-sub000/state/memory"
	redisstore "github.com/deangilmoreremix/contactsfeature-sub000/state/redis"
	sqlitestore "github.com/deangilmoreremix/contactsfeature-sub000/state/sqlite"
)

// FromEnv opens the store described by the AUTOPILOT_* state variables.
func FromEnv(ctx context.Context) (state.Store, error) {
	return Open(ctx, config.LoadState(), slog.Default())
}

// Open builds a store for cfg. The hybrid backend degrades to SQLite alone
// when Redis cannot be reached.
func Open(ctx context.Context, cfg config.StateConfig, logger *slog.Logger) (state.Store, error) {
	_ = ctx
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "", "sqlite":
		return sqlitestore.New(cfg.SQLitePath)

	case "redis":
		return OpenRedis(cfg)

	case "memory":
		return memory.New(), nil

	case "hybrid":
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := OpenRedis(cfg)
		if err != nil {
			logger.Warn("redis cache unavailable, continuing with sqlite only", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported AUTOPILOT_STATE_BACKEND %q (use sqlite, redis, hybrid, or memory)", cfg.Backend)
	}
}

// OpenRedis connects the Redis store directly. Lead locks and the job
// queue share its client.
func OpenRedis(cfg config.StateConfig) (*redisstore.Store, error) {
	opts := []redisstore.Option{
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithDB(cfg.RedisDB),
	}
	if cfg.RedisTTL > 0 {
		opts = append(opts, redisstore.WithTTL(cfg.RedisTTL))
	}
	if cfg.RedisPrefix != "" {
		opts = append(opts, redisstore.WithPrefix(cfg.RedisPrefix))
	}
	return redisstore.New(cfg.RedisAddr, opts...)
}
