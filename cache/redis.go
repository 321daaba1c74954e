package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores entries as plain string keys and provides a SETNX render lock.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedis creates a Redis-backed cache. An empty prefix defaults to "render".
func NewRedis(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "render"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

// DialRedis parses a redis:// URL and checks the connection.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) entryKey(templateID, key string) string {
	return r.prefix + ":" + templateID + ":" + key
}

// Locks live outside the entry namespace so Purge patterns never reach them.
func (r *Redis) lockKey(templateID, key string) string {
	return r.prefix + "-lock:" + templateID + ":" + key
}

// Get returns the cached URL, if any.
func (r *Redis) Get(ctx context.Context, templateID, key string) (string, bool, error) {
	url, err := r.client.Get(ctx, r.entryKey(templateID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return url, true, nil
}

// Put stores url without expiry.
func (r *Redis) Put(ctx context.Context, templateID, key, url string) error {
	if err := r.client.Set(ctx, r.entryKey(templateID, key), url, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Purge deletes every entry for templateID.
func (r *Redis) Purge(ctx context.Context, templateID string) (int, error) {
	var removed int
	iter := r.client.Scan(ctx, 0, r.entryKey(templateID, "*"), 500).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	r.logger.Info("Cache entries purged", "template_id", templateID, "count", removed)
	return removed, nil
}

// Lock takes a render lock for (templateID, key) that expires after ttl.
// It returns ErrLocked when another holder has it.
func (r *Redis) Lock(ctx context.Context, templateID, key string, ttl time.Duration) (func(), error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}
	token := hex.EncodeToString(b)
	name := r.lockKey(templateID, key)

	ok, err := r.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		// The request context may already be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, r.client, []string{name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("Failed to release render lock", "key", name, "error", err)
		}
	}, nil
}
