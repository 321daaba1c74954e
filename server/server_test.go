package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"personalink/cache"
	"personalink/email"
	"personalink/gateway"
	"personalink/link"
	"personalink/pkg/personalize"
	"personalink/render"
	"personalink/signing"
	"personalink/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	server   *Server
	handler  http.Handler
	builder  *link.Builder
	renderer *render.Placeholder
	mail     *email.MockProvider
	cache    *cache.Memory
	dir      string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	signer, err := signing.New([]byte("server-test-secret"))
	if err != nil {
		t.Fatalf("signing.New: %v", err)
	}

	dir := t.TempDir()
	h := &harness{
		renderer: render.NewPlaceholder([]string{"welcome", "spring-sale"}, testLogger()),
		mail:     email.NewMockProvider(testLogger()),
		cache:    cache.NewMemory(),
		builder:  link.New(signer),
		dir:      dir,
	}
	gw := gateway.New(&gateway.Config{
		Cache:    h.cache,
		Renderer: h.renderer,
		Blobs:    storage.New(nil, "", dir, "http://localhost:8080/artifacts", testLogger()),
		Signer:   signer,
		Logger:   testLogger(),
	})

	cfg := &Config{
		Gateway:        gw,
		Builder:        h.builder,
		Emailer:        email.New(h.mail, testLogger(), "http://localhost:8080"),
		Purger:         h.cache,
		Logger:         testLogger(),
		LocalArtifacts: dir,
	}
	if mutate != nil {
		mutate(cfg)
	}
	h.server = New(cfg)
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (h *harness) buildLink(t *testing.T, req link.Request) string {
	t.Helper()
	lnk, err := h.builder.Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	u, err := url.Parse(lnk.URL)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.RequestURI()
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("GET /health = %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id")
	}

	w = h.do(t, http.MethodPost, "/health", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", w.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	h := newHarness(t, nil)
	id := "7b0c7b1e-4c0b-4f55-9d0e-3c7d0f1c2a11"

	w := h.do(t, http.MethodGet, "/health", "", map[string]string{requestIDHeader: id})
	if got := w.Header().Get(requestIDHeader); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}

	w = h.do(t, http.MethodGet, "/health", "", map[string]string{requestIDHeader: "not a uuid\r\n"})
	if got := w.Header().Get(requestIDHeader); got == "" || strings.Contains(got, " ") {
		t.Errorf("malformed id should be replaced, got %q", got)
	}
}

func TestSignedLinkRedirect(t *testing.T) {
	h := newHarness(t, nil)
	target := h.buildLink(t, link.Request{
		Base:       "https://links.example.com",
		TemplateID: "welcome",
		Platform:   "generic",
		Tokens:     []string{"first_name"},
	})

	w := h.do(t, http.MethodGet, target, "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("GET %s = %d %q", target, w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=86400" {
		t.Errorf("Cache-Control = %q", got)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "http://localhost:8080/artifacts/renders/welcome/") || !strings.HasSuffix(loc, ".png") {
		t.Errorf("Location = %q", loc)
	}

	// Second resolution is a cache hit to the same artifact.
	w2 := h.do(t, http.MethodGet, target, "", nil)
	if w2.Header().Get("Location") != loc {
		t.Errorf("second Location = %q, want %q", w2.Header().Get("Location"), loc)
	}
	if n := h.renderer.Renders(); n != 1 {
		t.Errorf("renders = %d, want 1", n)
	}

	// The artifact is served locally.
	artifact := strings.TrimPrefix(loc, "http://localhost:8080")
	a := h.do(t, http.MethodGet, artifact, "", nil)
	if a.Code != http.StatusOK || a.Header().Get("Content-Type") != "image/png" {
		t.Errorf("GET %s = %d %q", artifact, a.Code, a.Header().Get("Content-Type"))
	}
	if d := h.do(t, http.MethodGet, "/artifacts/renders/", "", nil); d.Code != http.StatusNotFound {
		t.Errorf("directory listing = %d, want 404", d.Code)
	}
}

func TestSignedLinkErrors(t *testing.T) {
	h := newHarness(t, nil)
	valid := h.buildLink(t, link.Request{Base: "https://x.example", TemplateID: "welcome", Platform: "generic"})
	unknown := h.buildLink(t, link.Request{Base: "https://x.example", TemplateID: "missing", Platform: "generic"})

	tests := []struct {
		name   string
		target string
		status int
		body   string
	}{
		{"missing sig", "/p/welcome?exp=9999999999", http.StatusBadRequest, "Missing sig or exp"},
		{"bad signature", "/p/welcome?exp=9999999999&src=generic&sig=" + strings.Repeat("0", 64), http.StatusForbidden, "Invalid signature"},
		{"expired", "/p/welcome?exp=1&src=generic&sig=" + strings.Repeat("0", 64), http.StatusForbidden, "Link expired"},
		{"tampered", strings.Replace(valid, "src=generic", "src=mailchimp", 1), http.StatusForbidden, "Invalid signature"},
		{"unknown template", unknown, http.StatusNotFound, "Unknown template"},
		{"nested path", "/p/welcome/extra", http.StatusNotFound, ""},
		{"empty template", "/p/", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodGet, tt.target, "", nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%q)", w.Code, tt.status, w.Body.String())
			}
			if tt.body != "" && strings.TrimSpace(w.Body.String()) != tt.body {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.body)
			}
			if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
				t.Error("redirect path should answer in plain text")
			}
		})
	}

	if w := h.do(t, http.MethodPost, valid, "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST link = %d, want 405", w.Code)
	}
}

func TestSignedLinkRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.LinkRate = rate.Every(time.Hour)
		c.LinkBurst = 2
	})
	target := h.buildLink(t, link.Request{Base: "https://x.example", TemplateID: "welcome", Platform: "generic"})

	for i := 0; i < 2; i++ {
		if w := h.do(t, http.MethodGet, target, "", map[string]string{"X-Forwarded-For": "203.0.113.7"}); w.Code != http.StatusFound {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	if w := h.do(t, http.MethodGet, target, "", map[string]string{"X-Forwarded-For": "203.0.113.7"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", w.Code)
	}
	if w := h.do(t, http.MethodGet, target, "", map[string]string{"X-Forwarded-For": "198.51.100.1"}); w.Code != http.StatusFound {
		t.Errorf("other client = %d, want 302", w.Code)
	}

	// A forged leading hop does not buy a fresh bucket.
	spoofed := map[string]string{"X-Forwarded-For": "192.0.2.200, 203.0.113.7"}
	if w := h.do(t, http.MethodGet, target, "", spoofed); w.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed hop = %d, want 429", w.Code)
	}
}

func TestRenderEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/render", `{"templateId":"welcome","tokens":{"first_name":"Ada","bogus":"x"},"userId":"u1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %q", w.Code, w.Body.String())
	}
	first := decodeBody[renderResponse](t, w)
	if first.Cached || !strings.HasSuffix(first.URL, ".png") {
		t.Errorf("first = %+v", first)
	}

	// Unknown tokens do not influence the cache key.
	w = h.do(t, http.MethodPost, "/api/render", `{"templateId":"welcome","tokens":{"first_name":"Ada"}}`, nil)
	second := decodeBody[renderResponse](t, w)
	if !second.Cached || second.URL != first.URL {
		t.Errorf("second = %+v, want cached %q", second, first.URL)
	}
}

func TestRenderEndpointErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		method string
		body   string
		status int
		msg    string
	}{
		{"missing template", http.MethodPost, `{"tokens":{}}`, http.StatusBadRequest, "templateId is required"},
		{"bad json", http.MethodPost, `{"templateId":`, http.StatusBadRequest, "Invalid JSON body"},
		{"unknown template", http.MethodPost, `{"templateId":"nope"}`, http.StatusBadRequest, "Unknown template"},
		{"bad template id", http.MethodPost, `{"templateId":"../etc"}`, http.StatusBadRequest, ""},
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed, "Method not allowed"},
		{"too large", http.MethodPost, `{"templateId":"welcome","tokens":{"first_name":"` + strings.Repeat("a", maxBodyBytes) + `"}}`, http.StatusBadRequest, "Request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, tt.method, "/api/render", tt.body, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%q)", w.Code, tt.status, w.Body.String())
			}
			got := decodeBody[errorResponse](t, w)
			if tt.msg != "" && got.Error != tt.msg {
				t.Errorf("error = %q, want %q", got.Error, tt.msg)
			}
		})
	}
}

type failingGateway struct{}

func (failingGateway) Render(context.Context, string, map[string]string) (*personalize.Result, error) {
	return nil, personalize.Upstream("Render failed", errors.New("renderer at 10.0.0.3 refused connection"))
}

func (failingGateway) ResolveLink(context.Context, string, url.Values) (*personalize.Result, error) {
	return nil, personalize.Upstream("Render failed", errors.New("renderer at 10.0.0.3 refused connection"))
}

func TestUpstreamErrorsAreGeneric(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Gateway = failingGateway{} })

	w := h.do(t, http.MethodPost, "/api/render", `{"templateId":"welcome"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody[errorResponse](t, w).Error; got != "Internal server error" {
		t.Errorf("error = %q", got)
	}

	w = h.do(t, http.MethodGet, "/p/welcome?exp=1&sig=x", "", nil)
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "10.0.0.3") {
		t.Errorf("link = %d %q", w.Code, w.Body.String())
	}
}

func TestBuildLinkEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/build-link",
		`{"base":"https://links.example.com/","templateId":"welcome","platform":"mailchimp","tokens":["first_name","bogus","first_name"],"expiresInSec":30}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %q", w.Code, w.Body.String())
	}
	got := decodeBody[buildLinkResponse](t, w)
	if got.TemplateID != "welcome" || got.Platform != "mailchimp" {
		t.Errorf("response = %+v", got)
	}
	if len(got.Tokens) != 1 || got.Tokens[0] != "first_name" {
		t.Errorf("tokens = %v", got.Tokens)
	}
	if !strings.HasPrefix(got.URL, "https://links.example.com/p/welcome?") || !strings.Contains(got.URL, "first_name=*|FNAME|*") {
		t.Errorf("url = %q", got.URL)
	}
	if !strings.Contains(got.HTML, "*|FNAME|*") {
		t.Errorf("html = %q", got.HTML)
	}
	exp, err := time.Parse(time.RFC3339, got.ExpiresAt)
	if err != nil {
		t.Fatalf("expiresAt %q: %v", got.ExpiresAt, err)
	}
	// 30s is clamped up to the minimum lifetime.
	if d := time.Until(exp); d < 50*time.Second || d > 61*time.Second {
		t.Errorf("expiresAt in %v, want about 60s", d)
	}
}

func TestBuildLinkEndpointErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		method string
		body   string
		status int
		msg    string
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed, "Method not allowed"},
		{"put", http.MethodPut, `{}`, http.StatusMethodNotAllowed, "Method not allowed"},
		{"missing base", http.MethodPost, `{"templateId":"welcome","platform":"generic"}`, http.StatusBadRequest, "base is required"},
		{"missing template", http.MethodPost, `{"base":"https://x.example","platform":"generic"}`, http.StatusBadRequest, "templateId is required"},
		{"unknown platform", http.MethodPost, `{"base":"https://x.example","templateId":"welcome","platform":"myspace"}`, http.StatusBadRequest, "Unknown platform"},
		{"bad base", http.MethodPost, `{"base":"ftp://x.example","templateId":"welcome","platform":"generic"}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, tt.method, "/api/build-link", tt.body, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%q)", w.Code, tt.status, w.Body.String())
			}
			if tt.msg != "" {
				if got := decodeBody[errorResponse](t, w).Error; got != tt.msg {
					t.Errorf("error = %q, want %q", got, tt.msg)
				}
			}
		})
	}
}

func TestExpiresIn(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		in   *float64
		want time.Duration
	}{
		{nil, 0},
		{f(0), 0},
		{f(-5), link.MinExpiry},
		{f(3600), time.Hour},
		{f(1e300), link.MaxExpiry},
	}
	for _, tt := range tests {
		if got := expiresIn(tt.in); got != tt.want {
			t.Errorf("expiresIn(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAPIKey(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.APIKey = "s3cret" })
	body := `{"templateId":"welcome"}`

	if w := h.do(t, http.MethodPost, "/api/render", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/api/render", body, map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/api/render", body, map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Errorf("right key = %d, want 200", w.Code)
	}

	// The verb is checked before the key.
	for _, path := range []string{"/api/build-link", "/api/render", "/api/preview", "/api/purge"} {
		w := h.do(t, http.MethodGet, path, "", nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s without key = %d, want 405", path, w.Code)
		}
		if got := w.Header().Get("Allow"); got != http.MethodPost {
			t.Errorf("GET %s Allow = %q", path, got)
		}
	}

	// Signed links stay public.
	target := h.buildLink(t, link.Request{Base: "https://x.example", TemplateID: "welcome", Platform: "generic"})
	if w := h.do(t, http.MethodGet, target, "", nil); w.Code != http.StatusFound {
		t.Errorf("signed link = %d, want 302", w.Code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/api/preview", `{"to":"Marketer@Example.com","templateId":"spring-sale","tokens":{"first_name":"Ada"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %q", w.Code, w.Body.String())
	}
	got := decodeBody[previewResponse](t, w)
	if !got.Sent {
		t.Error("sent = false")
	}

	sent := h.mail.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails", len(sent))
	}
	if sent[0].To != "marketer@example.com" {
		t.Errorf("to = %q", sent[0].To)
	}
	if !strings.Contains(sent[0].Body, got.URL) || !strings.Contains(sent[0].Body, "Ada") {
		t.Error("preview body misses the artifact or tokens")
	}

	if w := h.do(t, http.MethodPost, "/api/preview", `{"to":"nobody","templateId":"spring-sale"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad address = %d, want 400", w.Code)
	}
}

func TestPurgeEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	for _, name := range []string{"Ada", "Grace"} {
		if w := h.do(t, http.MethodPost, "/api/render", `{"templateId":"welcome","tokens":{"first_name":"`+name+`"}}`, nil); w.Code != http.StatusOK {
			t.Fatalf("render = %d", w.Code)
		}
	}

	w := h.do(t, http.MethodPost, "/api/purge", `{"templateId":"welcome"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("purge = %d %q", w.Code, w.Body.String())
	}
	if got := decodeBody[purgeResponse](t, w); got.Purged != 2 {
		t.Errorf("purged = %d, want 2", got.Purged)
	}
	if h.cache.Len() != 0 {
		t.Errorf("cache len = %d after purge", h.cache.Len())
	}

	if w := h.do(t, http.MethodPost, "/api/purge", `{"templateId":"../x"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid template = %d, want 400", w.Code)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Emailer = nil
		c.Purger = nil
		c.LocalArtifacts = ""
	})
	for _, path := range []string{"/api/preview", "/api/purge", "/artifacts/x.png"} {
		if w := h.do(t, http.MethodPost, path, `{}`, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, w.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		xff, remote, want string
	}{
		{"", "192.0.2.1:1234", "192.0.2.1"},
		{"203.0.113.5, 10.0.0.1", "192.0.2.1:1234", "10.0.0.1"},
		{"203.0.113.5,198.51.100.4", "192.0.2.1:1234", "198.51.100.4"},
		{"", "[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.5, ", "192.0.2.9:80", "192.0.2.9"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.xff, tt.remote, got, tt.want)
		}
	}
}
