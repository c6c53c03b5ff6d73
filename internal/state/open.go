package state

import (
	"context"
	"fmt"
	"log/slog"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // memory, sqlite, redis

	// SQLite
	Path string `mapstructure:"path" yaml:"path"`

	// Redis
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`

	Logger *slog.Logger `mapstructure:"-" yaml:"-"`
}

// Open creates the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite state store requires a path")
		}
		return OpenSQLite(ctx, cfg.Path, cfg.Logger)
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return OpenRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}
}
