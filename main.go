// Package main implements a Cloud Run service that resolves signed
// personalization links to rendered, cached images.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"personalink/cache"
	"personalink/config"
	"personalink/email"
	"personalink/gateway"
	"personalink/link"
	"personalink/render"
	"personalink/server"
	"personalink/signing"
	blobstore "personalink/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(ctx, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil && level != slog.LevelInfo {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.LocalMode {
		logger.Info("No STORAGE_BUCKET set, running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
	}
	if cfg.GeneratedSecret {
		logger.Warn("LINK_SIGNING_SECRET not set, generated a random secret; links will not survive a restart")
	}

	signer, err := signing.New([]byte(cfg.SigningSecret))
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	// Initialize Storage client
	var storageClient *storage.Client
	if !cfg.LocalMode {
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	artifactDir := ""
	if cfg.LocalMode {
		artifactDir = filepath.Join(cfg.LocalStorage, "artifacts")
	}
	blobs := blobstore.New(storageClient, cfg.StorageBucket, artifactDir, cfg.PublicURL, logger)

	renderCache, closeCache, err := newCache(ctx, cfg, storageClient, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	renderer := newRenderer(cfg, logger)

	gw := gateway.New(&gateway.Config{
		Cache:             renderCache,
		Renderer:          renderer,
		Blobs:             blobs,
		Signer:            signer,
		Logger:            logger,
		Dedupe:            cfg.DedupeInflight,
		LockTTL:           cfg.RenderLockTTL,
		AcceptSubstituted: cfg.AcceptSubstituted,
	})

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srvCfg := &server.Config{
		Gateway:        gw,
		Builder:        link.New(signer),
		Emailer:        email.New(provider, logger, cfg.BaseURL),
		Logger:         logger,
		APIKey:         cfg.APIKey,
		LocalArtifacts: artifactDir,
		LinkRate:       rate.Limit(cfg.LinkRatePerSec),
		LinkBurst:      cfg.LinkRateBurst,
	}
	if p, ok := renderCache.(cache.Purger); ok {
		srvCfg.Purger = p
	}
	if cfg.APIKey == "" && !cfg.LocalMode {
		logger.Warn("API_KEY not set, /api endpoints are unauthenticated")
	}

	logger.Info("Service configured",
		"base_url", cfg.BaseURL,
		"cache_backend", cfg.CacheBackend,
		"email_provider", cfg.EmailProvider,
		"dedupe", cfg.DedupeInflight,
		"render_lock_ttl", cfg.RenderLockTTL,
		"accept_substituted", cfg.AcceptSubstituted)

	err = server.New(srvCfg).ListenAndServe(ctx, cfg.Port)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newCache selects the render cache backend. The returned func releases
// its connections.
func newCache(ctx context.Context, cfg *config.Config, client *storage.Client, logger *slog.Logger) (cache.Cache, func(), error) {
	noop := func() {}

	switch cfg.CacheBackend {
	case config.CacheMemory:
		logger.Info("Using in-memory render cache; entries are lost on restart")
		return cache.NewMemory(), noop, nil

	case config.CacheRedis:
		rdb, err := cache.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedis(rdb, "", logger), func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil

	case config.CachePostgres:
		pool, err := cache.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := cache.NewPostgres(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil

	default:
		localPath := ""
		if cfg.LocalMode {
			localPath = cfg.LocalStorage
		}
		return cache.NewObject(client, cfg.StorageBucket, localPath, logger), noop, nil
	}
}

func newRenderer(cfg *config.Config, logger *slog.Logger) render.Renderer {
	if cfg.RendererURL != "" {
		return render.NewHTTPRenderer(cfg.RendererURL, cfg.RendererToken, cfg.RenderTimeout, logger)
	}
	logger.Info("No RENDERER_URL set, using placeholder renderer", "templates", cfg.Templates())
	return render.NewPlaceholder(cfg.Templates(), logger)
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case config.EmailBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, "", logger), nil
	case config.EmailGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err == nil {
			return email.NewGmailProvider(svc, logger), nil
		}
		if !cfg.LocalMode {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
	}
	logger.Info("Mock email mode enabled")
	return email.NewMockProvider(logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
