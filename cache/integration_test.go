package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"personalink/cachekey"
)

func TestPostgresIntegration(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("ConnectPostgres() error = %v", err)
	}
	defer pool.Close()

	p := NewPostgres(pool, testLogger())
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if _, err := p.Purge(ctx, "tmpl1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	exerciseCache(t, p)
}

func TestRedisIntegration(t *testing.T) {
	_ = godotenv.Load()
	rawURL := os.Getenv("TEST_REDIS_URL")
	if rawURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := DialRedis(ctx, rawURL)
	if err != nil {
		t.Fatalf("DialRedis() error = %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	r := NewRedis(client, "test-render", testLogger())
	if _, err := r.Purge(ctx, "tmpl1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	exerciseCache(t, r)

	key := cachekey.Derive("tmpl1", nil)
	unlock, err := r.Lock(ctx, "tmpl1", key, 5*time.Second)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := r.Lock(ctx, "tmpl1", key, 5*time.Second); !errors.Is(err, ErrLocked) {
		t.Errorf("second Lock() error = %v, want ErrLocked", err)
	}
	// Purging a template named like the lock namespace leaves locks alone.
	if _, err := r.Purge(ctx, "lock"); err != nil {
		t.Fatalf("Purge(lock) error = %v", err)
	}
	if _, err := r.Lock(ctx, "tmpl1", key, 5*time.Second); !errors.Is(err, ErrLocked) {
		t.Errorf("Lock() after Purge(lock) error = %v, want ErrLocked", err)
	}
	unlock()
	unlock2, err := r.Lock(ctx, "tmpl1", key, 5*time.Second)
	if err != nil {
		t.Fatalf("Lock() after unlock error = %v", err)
	}
	unlock2()
}
