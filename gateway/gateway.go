// Package gateway sequences a render request: validate, resolve tokens,
// check the cache, and on a miss render, store and populate the cache.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"personalink/cache"
	"personalink/cachekey"
	"personalink/metrics"
	"personalink/pkg/personalize"
	"personalink/render"
	"personalink/signing"
	"personalink/tokens"
)

// State is a step of the per-request state machine.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateTokensResolved
	StateCacheChecked
	StateCacheHit
	StateCacheMiss
	StateRendering
	StateStored
	StateCachePopulated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateTokensResolved:
		return "tokens_resolved"
	case StateCacheChecked:
		return "cache_checked"
	case StateCacheHit:
		return "cache_hit"
	case StateCacheMiss:
		return "cache_miss"
	case StateRendering:
		return "rendering"
	case StateStored:
		return "stored"
	case StateCachePopulated:
		return "cache_populated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LogValue implements slog.LogValuer.
func (s State) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// DefaultSharedTimeout bounds a deduplicated render when Config leaves it unset.
const DefaultSharedTimeout = 2 * time.Minute

// Blobs stores rendered artifacts.
type Blobs interface {
	UploadPNG(ctx context.Context, data []byte, key string) (string, error)
}

// Config holds gateway dependencies and options.
type Config struct {
	Cache    cache.Cache
	Renderer render.Renderer
	Blobs    Blobs
	Signer   *signing.Signer
	Logger   *slog.Logger
	Now      func() time.Time // Defaults to time.Now

	// Dedupe collapses concurrent misses for the same key in this process.
	Dedupe bool
	// SharedTimeout bounds a deduplicated render. Defaults to DefaultSharedTimeout.
	SharedTimeout time.Duration
	// LockTTL enables the cache's render lock when it implements cache.Locker.
	LockTTL time.Duration
	// AcceptSubstituted also accepts links whose token values were replaced
	// by the ESP, verifying them against the merge tags of their src platform.
	AcceptSubstituted bool
}

// Gateway serves render requests.
type Gateway struct {
	cache             cache.Cache
	renderer          render.Renderer
	blobs             Blobs
	signer            *signing.Signer
	logger            *slog.Logger
	now               func() time.Time
	locker            cache.Locker
	group             singleflight.Group
	lockTTL           time.Duration
	sharedTimeout     time.Duration
	dedupe            bool
	acceptSubstituted bool
}

// New creates a gateway.
func New(cfg *Config) *Gateway {
	g := &Gateway{
		cache:             cfg.Cache,
		renderer:          cfg.Renderer,
		blobs:             cfg.Blobs,
		signer:            cfg.Signer,
		logger:            cfg.Logger,
		now:               cfg.Now,
		dedupe:            cfg.Dedupe,
		lockTTL:           cfg.LockTTL,
		sharedTimeout:     cfg.SharedTimeout,
		acceptSubstituted: cfg.AcceptSubstituted,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sharedTimeout <= 0 {
		g.sharedTimeout = DefaultSharedTimeout
	}
	if l, ok := cfg.Cache.(cache.Locker); ok && cfg.LockTTL > 0 {
		g.locker = l
	}
	return g
}

// Render returns the artifact for templateID and the raw caller tokens,
// rendering it only when the cache has no entry.
func (g *Gateway) Render(ctx context.Context, templateID string, raw map[string]string) (*personalize.Result, error) {
	log := g.logger.With("template_id", templateID)
	log.Debug("Render request", "state", StateReceived)

	if templateID == "" {
		return nil, g.fail(log, personalize.Validation("templateId is required"))
	}
	if !personalize.ValidTemplateID(templateID) {
		return nil, g.fail(log, personalize.Validation("Invalid templateId"))
	}
	log.Debug("Render request", "state", StateValidated)

	resolved := tokens.Resolve(raw)
	log.Debug("Render request", "state", StateTokensResolved)

	key := cachekey.ForResolved(templateID, resolved)
	log = log.With("cache_key", key)

	url, ok, err := g.cache.Get(ctx, templateID, key)
	if err != nil {
		metrics.RecordCacheLookup("error")
		return nil, g.fail(log, personalize.Upstream("Cache lookup failed", err))
	}
	log.Debug("Render request", "state", StateCacheChecked)

	if ok {
		metrics.RecordCacheLookup("hit")
		log.Info("Render cache hit", "state", StateCacheHit)
		return &personalize.Result{URL: url, Cached: true, CacheKey: key, TemplateID: templateID}, nil
	}
	metrics.RecordCacheLookup("miss")
	log.Debug("Render request", "state", StateCacheMiss)

	if !g.dedupe {
		url, cached, err := g.renderAndStore(ctx, log, templateID, key, resolved)
		if err != nil {
			return nil, g.fail(log, err)
		}
		return &personalize.Result{URL: url, Cached: cached, CacheKey: key, TemplateID: templateID}, nil
	}

	type outcome struct {
		url    string
		cached bool
	}
	// The shared render outlives the request that started it, so a caller
	// going away does not fail the others waiting on the same key.
	ch := g.group.DoChan(templateID+"/"+key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.sharedTimeout)
		defer cancel()
		url, cached, err := g.renderAndStore(sctx, log, templateID, key, resolved)
		return outcome{url: url, cached: cached}, err
	})

	select {
	case <-ctx.Done():
		return nil, g.fail(log, personalize.Upstream("Render canceled", ctx.Err()))
	case res := <-ch:
		if res.Err != nil {
			return nil, g.fail(log, res.Err)
		}
		out := res.Val.(outcome)
		return &personalize.Result{URL: out.url, Cached: out.cached || res.Shared, CacheKey: key, TemplateID: templateID}, nil
	}
}

// renderAndStore handles a miss. The returned bool is true when another
// holder of the render lock produced the artifact while we waited.
func (g *Gateway) renderAndStore(ctx context.Context, log *slog.Logger, templateID, key string, resolved tokens.Resolved) (string, bool, error) {
	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, templateID, key, g.lockTTL)
		switch {
		case errors.Is(err, cache.ErrLocked):
			if url, ok := g.awaitEntry(ctx, templateID, key); ok {
				log.Info("Artifact rendered by lock holder")
				return url, true, nil
			}
			log.Warn("Render lock wait timed out, rendering anyway")
		case err != nil:
			log.Warn("Failed to take render lock, rendering without it", "error", err)
		default:
			defer unlock()
		}
	}

	start := time.Now()
	log.Info("Rendering artifact", "state", StateRendering)

	png, err := g.renderer.Render(ctx, personalize.RenderRequest{TemplateID: templateID, Tokens: resolved.Map()})
	if err != nil {
		metrics.RecordRender(false, time.Since(start))
		if render.IsUnknownTemplate(err) {
			return "", false, personalize.NotFound("Unknown template")
		}
		return "", false, personalize.Upstream("Render failed", err)
	}

	url, err := g.blobs.UploadPNG(ctx, png, cachekey.ObjectPath(templateID, key, cachekey.Revision(g.now())))
	if err != nil {
		metrics.RecordRender(false, time.Since(start))
		return "", false, personalize.Upstream("Storage failed", err)
	}
	metrics.RecordRender(true, time.Since(start))
	log.Debug("Render request", "state", StateStored, "url", url)

	if err := g.cache.Put(ctx, templateID, key, url); err != nil {
		return "", false, personalize.Upstream("Cache update failed", err)
	}
	log.Info("Artifact rendered", "state", StateCachePopulated, "url", url, "duration_ms", time.Since(start).Milliseconds())
	return url, false, nil
}

// awaitEntry polls the cache until the lock holder populates it or the lock expires.
func (g *Gateway) awaitEntry(ctx context.Context, templateID, key string) (string, bool) {
	deadline := time.NewTimer(g.lockTTL)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-tick.C:
			if url, ok, err := g.cache.Get(ctx, templateID, key); err == nil && ok {
				return url, true
			}
		}
	}
}

func (g *Gateway) fail(log *slog.Logger, err error) error {
	switch personalize.KindOf(err) {
	case personalize.KindUpstream, personalize.KindInternal:
		log.Error("Render request failed", "state", StateFailed, "error", err)
	default:
		log.Info("Render request rejected", "state", StateFailed, "reason", personalize.Message(err))
	}
	return err
}
