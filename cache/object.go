package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"personalink/cachekey"
	"personalink/pkg/personalize"
)

const objectPrefix = "cache/"

// Object keeps one small JSON object per entry, in a Cloud Storage bucket or
// in a local directory during development.
type Object struct {
	client    *storage.Client
	logger    *slog.Logger
	bucket    string
	localPath string
	now       func() time.Time
}

// NewObject creates an object-backed cache. When localPath is set the
// client and bucket are ignored.
func NewObject(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Object {
	return &Object{
		client:    client,
		bucket:    bucket,
		localPath: localPath,
		logger:    logger,
		now:       time.Now,
	}
}

// entryName generates a stable object name, validating both parts to prevent path traversal.
func entryName(templateID, key string) (string, error) {
	if !personalize.ValidTemplateID(templateID) {
		return "", errors.New("invalid template id")
	}
	if !cachekey.Valid(key) {
		return "", errors.New("invalid cache key format")
	}
	return objectPrefix + templateID + "/" + key + ".json", nil
}

func (o *Object) retryOptions(ctx context.Context, op, name string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Info("Retrying cache operation after error", "op", op, "attempt", n, "key", name, "error", err)
		}),
	}
}

// Get loads the entry for (templateID, key).
func (o *Object) Get(ctx context.Context, templateID, key string) (string, bool, error) {
	name, err := entryName(templateID, key)
	if err != nil {
		return "", false, err
	}

	var data []byte
	if o.localPath != "" {
		data, err = os.ReadFile(filepath.Join(o.localPath, filepath.FromSlash(name)))
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err = retry.Do(
			func() error {
				r, openErr := o.client.Bucket(o.bucket).Object(name).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						o.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			o.retryOptions(ctx, "get", name)...,
		)
		if isNotExist(err) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("load after retries: %w", err)
		}
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", false, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	if e.URL == "" {
		return "", false, nil
	}
	return e.URL, true, nil
}

// Put writes the entry for (templateID, key), replacing any previous one.
func (o *Object) Put(ctx context.Context, templateID, key, url string) error {
	name, err := entryName(templateID, key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(Entry{
		TemplateID: templateID,
		Key:        key,
		URL:        url,
		CreatedAt:  o.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if o.localPath != "" {
		filePath := filepath.Join(o.localPath, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return fmt.Errorf("create local cache directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		o.logger.Debug("Cache entry saved to local storage", "path", filePath)
		return nil
	}

	err = retry.Do(
		func() error {
			w := o.client.Bucket(o.bucket).Object(name).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					o.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		o.retryOptions(ctx, "put", name)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	o.logger.Debug("Cache entry saved", "key", name)
	return nil
}

// Purge deletes every entry for templateID and returns how many were removed.
func (o *Object) Purge(ctx context.Context, templateID string) (int, error) {
	if !personalize.ValidTemplateID(templateID) {
		return 0, errors.New("invalid template id")
	}
	prefix := objectPrefix + templateID + "/"

	if o.localPath != "" {
		dir := filepath.Join(o.localPath, filepath.FromSlash(prefix))
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read local cache directory: %w", err)
		}

		var removed int
		for _, entry := range entries {
			if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("delete from local storage: %w", err)
			}
			removed++
		}
		return removed, nil
	}

	it := o.client.Bucket(o.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var removed int
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("iterate storage: %w", err)
		}

		name := attrs.Name
		err = retry.Do(
			func() error {
				if deleteErr := o.client.Bucket(o.bucket).Object(name).Delete(ctx); deleteErr != nil {
					// Deletion is idempotent
					if errors.Is(deleteErr, storage.ErrObjectNotExist) {
						return nil
					}
					return fmt.Errorf("delete from storage: %w", deleteErr)
				}
				return nil
			},
			o.retryOptions(ctx, "delete", name)...,
		)
		if err != nil {
			return removed, fmt.Errorf("delete after retries: %w", err)
		}
		removed++
	}

	o.logger.Info("Cache entries purged", "template_id", templateID, "count", removed)
	return removed, nil
}

// isNotExist checks if an error indicates a missing object, including after
// the retry package has wrapped it.
func isNotExist(err error) bool {
	return err != nil && (errors.Is(err, storage.ErrObjectNotExist) ||
		strings.Contains(err.Error(), storage.ErrObjectNotExist.Error()))
}
