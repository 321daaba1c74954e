// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"personalink/email"
	"personalink/link"
	"personalink/metrics"
	"personalink/pkg/personalize"
)

// Gateway resolves signed links and renders artifacts.
type Gateway interface {
	Render(ctx context.Context, templateID string, raw map[string]string) (*personalize.Result, error)
	ResolveLink(ctx context.Context, templateID string, query url.Values) (*personalize.Result, error)
}

// LinkBuilder builds signed personalization links.
type LinkBuilder interface {
	Build(req link.Request) (*link.Link, error)
}

// Emailer sends rendered previews.
type Emailer interface {
	SendPreview(ctx context.Context, p *email.Preview) error
}

// Purger drops cached renders of a template.
type Purger interface {
	Purge(ctx context.Context, templateID string) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	gateway        Gateway
	builder        LinkBuilder
	emailer        Emailer
	purger         Purger
	logger         *slog.Logger
	limiter        *ipLimiter
	apiKey         string
	localArtifacts string
}

// Config holds server configuration.
type Config struct {
	Gateway Gateway
	Builder LinkBuilder
	Emailer Emailer // Optional; disables /api/preview when nil
	Purger  Purger  // Optional; disables /api/purge when nil
	Logger  *slog.Logger

	// APIKey, when set, is required as a bearer token on /api/ endpoints.
	APIKey string
	// LocalArtifacts is the directory served under /artifacts/ in local mode.
	LocalArtifacts string

	// LinkRate and LinkBurst bound signed-link resolutions per client IP.
	// A zero LinkRate disables the limit.
	LinkRate  rate.Limit
	LinkBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		gateway:        cfg.Gateway,
		builder:        cfg.Builder,
		emailer:        cfg.Emailer,
		purger:         cfg.Purger,
		logger:         cfg.Logger,
		apiKey:         cfg.APIKey,
		localArtifacts: cfg.LocalArtifacts,
	}
	if cfg.LinkRate > 0 {
		s.limiter = newIPLimiter(cfg.LinkRate, cfg.LinkBurst)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/p/", s.handleLink)
	mux.HandleFunc("/api/render", s.apiRoute(s.handleRender))
	mux.HandleFunc("/api/build-link", s.apiRoute(s.handleBuildLink))
	if s.emailer != nil {
		mux.HandleFunc("/api/preview", s.apiRoute(s.handlePreview))
	}
	if s.purger != nil {
		mux.HandleFunc("/api/purge", s.apiRoute(s.handlePurge))
	}
	if s.localArtifacts != "" {
		mux.Handle("/artifacts/", http.StripPrefix("/artifacts/", http.FileServer(noListing{http.Dir(s.localArtifacts)})))
	}

	return metrics.InstrumentHandler(s.withRequestID(securityHeaders(limitBody(mux))))
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Covers a cold render and upload
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// noListing hides directory indexes of the local artifact store.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck,gosec // already failing
		return nil, err
	}
	if st.IsDir() {
		f.Close() //nolint:errcheck,gosec // directory listings are not served
		return nil, fs.ErrNotExist
	}
	return f, nil
}
