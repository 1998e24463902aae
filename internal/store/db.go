// Package store is the durable persistence layer: Postgres connection
// management, schema bootstrap, forward migrations, and one query file per
// entity (device sessions, bindings, operations, digital tasks, lifelog
// records, telemetry, the push queue and the vector index).
package store

import (
	"context"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the connection pool every entity query file embeds a *DB in.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens and pings a pool, sized for the runtime's connection budget
// (one worker-per-session plus the control API).
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 40
	cfg.MinConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("store connected")

	return &DB{Pool: pool, log: log}, nil
}

// HealthCheck is used by the control API's /healthz handler.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// Close releases the pool.
func (db *DB) Close() {
	db.log.Info().Msg("closing store pool")
	db.Pool.Close()
}
