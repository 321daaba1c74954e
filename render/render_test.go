package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"personalink/pkg/personalize"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPlaceholder(t *testing.T) {
	p := NewPlaceholder([]string{"tmpl1"}, testLogger())
	ctx := context.Background()
	req := personalize.RenderRequest{TemplateID: "tmpl1", Tokens: map[string]string{"first_name": "Amy", "city": "Oslo"}}

	a, err := p.Render(ctx, req)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	img, err := png.Decode(bytes.NewReader(a))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != placeholderWidth || b.Dy() != placeholderHeight {
		t.Errorf("bounds = %v", b)
	}

	b, err := p.Render(ctx, req)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical requests rendered different bytes")
	}

	other := personalize.RenderRequest{TemplateID: "tmpl1", Tokens: map[string]string{"first_name": "Bo", "city": "Oslo"}}
	c, err := p.Render(ctx, other)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different tokens rendered identical bytes")
	}

	if _, err := p.Render(ctx, personalize.RenderRequest{TemplateID: "nope"}); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("Render(unknown) error = %v, want ErrUnknownTemplate", err)
	}
	if p.Renders() != 3 {
		t.Errorf("Renders() = %d, want 3", p.Renders())
	}
}

func TestPlaceholderAcceptsAnyTemplate(t *testing.T) {
	p := NewPlaceholder(nil, testLogger())
	if _, err := p.Render(context.Background(), personalize.RenderRequest{TemplateID: "anything"}); err != nil {
		t.Errorf("Render() error = %v", err)
	}
}

func TestHTTPRenderer(t *testing.T) {
	pngBytes := append([]byte(nil), pngSignature...)
	pngBytes = append(pngBytes, []byte("rest-of-image")...)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/render" || r.Method != http.MethodPost {
			http.Error(w, "bad route", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req personalize.RenderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		switch req.TemplateID {
		case "missing":
			http.Error(w, "no such template", http.StatusNotFound)
		case "flaky":
			if calls.Load() == 1 {
				http.Error(w, "try again", http.StatusServiceUnavailable)
				return
			}
			fallthrough
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.Copy(w, bytes.NewReader(pngBytes))
		}
	}))
	defer srv.Close()

	h := NewHTTPRenderer(srv.URL+"/", "secret-token", 5*time.Second, testLogger())
	ctx := context.Background()

	got, err := h.Render(ctx, personalize.RenderRequest{TemplateID: "tmpl1", Tokens: map[string]string{"first_name": "Amy"}})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.Equal(got, pngBytes) {
		t.Errorf("Render() = %q", got)
	}

	calls.Store(0)
	if _, err := h.Render(ctx, personalize.RenderRequest{TemplateID: "missing"}); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("Render(missing) error = %v, want ErrUnknownTemplate", err)
	}
	if calls.Load() != 1 {
		t.Errorf("unknown template was retried: %d calls", calls.Load())
	}

	calls.Store(0)
	if _, err := h.Render(ctx, personalize.RenderRequest{TemplateID: "flaky"}); err != nil {
		t.Errorf("Render(flaky) error = %v, want retry to succeed", err)
	}
	if calls.Load() != 2 {
		t.Errorf("flaky render calls = %d, want 2", calls.Load())
	}
}
