package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS render_cache (
	template_id TEXT        NOT NULL,
	cache_key   TEXT        NOT NULL,
	url         TEXT        NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (template_id, cache_key)
)`

const (
	selectSQL = `SELECT url FROM render_cache WHERE template_id = $1 AND cache_key = $2`
	upsertSQL = `INSERT INTO render_cache (template_id, cache_key, url)
VALUES ($1, $2, $3)
ON CONFLICT (template_id, cache_key) DO UPDATE SET url = EXCLUDED.url, updated_at = now()`
	purgeSQL = `DELETE FROM render_cache WHERE template_id = $1`
)

// Postgres stores entries in the render_cache table.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// ConnectPostgres opens a pool for dsn and checks it.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	var one int
	if err := pool.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgres creates a Postgres-backed cache.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// EnsureSchema creates the render_cache table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create render_cache: %w", err)
	}
	return nil
}

// Get returns the cached URL, if any.
func (p *Postgres) Get(ctx context.Context, templateID, key string) (string, bool, error) {
	var url string
	err := p.pool.QueryRow(ctx, selectSQL, templateID, key).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select render_cache: %w", err)
	}
	return url, true, nil
}

// Put upserts url; the last write wins.
func (p *Postgres) Put(ctx context.Context, templateID, key, url string) error {
	if _, err := p.pool.Exec(ctx, upsertSQL, templateID, key, url); err != nil {
		return fmt.Errorf("upsert render_cache: %w", err)
	}
	return nil
}

// Purge deletes every entry for templateID.
func (p *Postgres) Purge(ctx context.Context, templateID string) (int, error) {
	tag, err := p.pool.Exec(ctx, purgeSQL, templateID)
	if err != nil {
		return 0, fmt.Errorf("delete render_cache: %w", err)
	}
	n := int(tag.RowsAffected())
	p.logger.Info("Cache entries purged", "template_id", templateID, "count", n)
	return n, nil
}
