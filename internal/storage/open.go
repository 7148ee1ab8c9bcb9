package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Options select a location backend. Redis wins over Postgres; with neither
// configured the in-memory store is used.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	PGDSN         string
}

// Backend is an opened location store together with its health check and
// cleanup. Postgres is non-nil whenever a DSN was configured, so offers can
// be persisted there even when locations live in Redis.
type Backend struct {
	Locations LocationStore
	Postgres  *PostgresStore
	Name      string

	closers []func() error
	pingers []func(context.Context) error
}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}

	if opts.PGDSN != "" {
		pg, err := NewPostgresStore(opts.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.Postgres = pg
		b.closers = append(b.closers, pg.Close)
		b.pingers = append(b.pingers, pg.Ping)
	}

	switch {
	case opts.RedisAddr != "":
		client := NewRedisClient(opts.RedisAddr, opts.RedisPassword)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			_ = b.Close()
			return nil, fmt.Errorf("ping redis %s: %w", opts.RedisAddr, err)
		}
		rs := NewRedisLocationStore(client, opts.RedisPrefix, logger)
		b.Locations, b.Name = rs, "redis"
		b.closers = append(b.closers, rs.Close)
		b.pingers = append(b.pingers, rs.Ping)
	case b.Postgres != nil:
		b.Locations, b.Name = b.Postgres, "postgres"
	default:
		b.Locations, b.Name = NewMemoryLocationStore(), "memory"
	}
	logger.Info("location store ready", "backend", b.Name)
	return b, nil
}

// Ping checks every remote dependency.
func (b *Backend) Ping(ctx context.Context) error {
	for _, p := range b.pingers {
		if err := p(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
