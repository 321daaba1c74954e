// Package metrics exposes Prometheus collectors for the render service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "personalink",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "personalink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "personalink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "personalink",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Render cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	renders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "personalink",
			Subsystem: "render",
			Name:      "renders_total",
			Help:      "Artifact renders by outcome.",
		},
		[]string{"status"},
	)

	renderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "personalink",
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Duration of render plus upload.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	linkResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "personalink",
			Subsystem: "links",
			Name:      "resolutions_total",
			Help:      "Signed link resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	linksBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "personalink",
			Subsystem: "links",
			Name:      "built_total",
			Help:      "Signed links built by platform.",
		},
		[]string{"platform"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		cacheLookups,
		renders,
		renderDuration,
		linkResolutions,
		linksBuilt,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordCacheLookup counts a cache lookup: "hit", "miss" or "error".
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordRender records a render+upload attempt.
func RecordRender(success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	renders.WithLabelValues(status).Inc()
	renderDuration.Observe(duration.Seconds())
}

// RecordResolution counts a signed link resolution outcome, such as
// "ok", "expired", "invalid_signature" or "bad_request".
func RecordResolution(outcome string) {
	linkResolutions.WithLabelValues(outcome).Inc()
}

// RecordLinkBuilt counts a built link.
func RecordLinkBuilt(platform string) {
	linksBuilt.WithLabelValues(platform).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses per-template paths so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "p":
		return "/p/:template"
	case "artifacts":
		return "/artifacts"
	case "api":
		if len(parts) > 1 {
			return "/api/" + parts[1]
		}
		return "/api"
	default:
		return "/" + parts[0]
	}
}
