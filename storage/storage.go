// Package storage uploads rendered artifacts and returns their public URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// ArtifactCacheControl is set on uploaded PNGs. Every render is written to a
// new revisioned object name, so an object is never overwritten.
const ArtifactCacheControl = "public, max-age=31536000, immutable"

// Store handles artifact persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	publicURL string // URL prefix objects are served from
}

// New creates a new storage handler. In local mode (localPath set) objects
// are written below localPath and served from publicURL, normally
// "{BASE_URL}/artifacts". Otherwise publicURL defaults to the bucket's
// public storage.googleapis.com address.
func New(client *storage.Client, bucket, localPath, publicURL string, logger *slog.Logger) *Store {
	if publicURL == "" && bucket != "" {
		publicURL = "https://storage.googleapis.com/" + bucket
	}
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// LocalPath returns the local directory objects are written to, if any.
func (s *Store) LocalPath() string {
	return s.localPath
}

// validKey rejects object keys that could escape the storage root.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// URL returns the public URL of the object stored under key.
func (s *Store) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicURL + "/" + strings.Join(parts, "/")
}

// UploadPNG stores data under key and returns its public URL.
func (s *Store) UploadPNG(ctx context.Context, data []byte, key string) (string, error) {
	if !validKey(key) {
		return "", errors.New("invalid object key")
	}
	if len(data) == 0 {
		return "", errors.New("empty artifact")
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return "", fmt.Errorf("create local storage directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o644); err != nil {
			return "", fmt.Errorf("write to local storage: %w", err)
		}

		s.logger.Info("Artifact saved to local storage", "path", filePath, "bytes", len(data))
		return s.URL(key), nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "image/png"
			w.CacheControl = ArtifactCacheControl
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying upload after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("upload after retries: %w", err)
	}

	s.logger.Info("Artifact uploaded", "bucket", s.bucket, "key", key, "bytes", len(data))
	return s.URL(key), nil
}
