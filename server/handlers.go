package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"personalink/email"
	"personalink/link"
	"personalink/metrics"
	"personalink/pkg/personalize"
	"personalink/tokens"
)

// handleLink resolves GET /p/{templateId}?...&exp=...&sig=... to a redirect.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	templateID := strings.TrimPrefix(r.URL.Path, "/p/")
	if templateID == "" || strings.Contains(templateID, "/") {
		http.NotFound(w, r)
		return
	}

	if s.limiter != nil {
		if ip := clientIP(r); !s.limiter.allow(ip) {
			s.log(r).Warn("Rate limit exceeded", "ip", ip, "template_id", templateID)
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.gateway.ResolveLink(r.Context(), templateID, r.URL.Query())
	if err != nil {
		s.log(r).Info("Link resolution failed", "template_id", templateID, "kind", personalize.KindOf(err).String(), "error", err)
		http.Error(w, personalize.Message(err), personalize.StatusCode(err, http.StatusNotFound))
		return
	}

	s.log(r).Info("Link resolved", "template_id", templateID, "cached", res.Cached)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.Redirect(w, r, res.URL, http.StatusFound)
}

type renderRequest struct {
	Tokens     map[string]string `json:"tokens"`
	TemplateID string            `json:"templateId"`
	UserID     string            `json:"userId"`
}

type renderResponse struct {
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.TemplateID == "" {
		s.writeError(w, r, personalize.Validation("templateId is required"), http.StatusBadRequest)
		return
	}

	res, err := s.gateway.Render(r.Context(), req.TemplateID, req.Tokens)
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	s.log(r).Info("Direct render served", "template_id", req.TemplateID, "user_id", req.UserID, "cached", res.Cached)
	s.writeJSON(w, r, http.StatusOK, renderResponse{URL: res.URL, Cached: res.Cached})
}

type buildLinkRequest struct {
	ExpiresInSec *float64 `json:"expiresInSec"`
	Base         string   `json:"base"`
	TemplateID   string   `json:"templateId"`
	Platform     string   `json:"platform"`
	Src          string   `json:"src"`
	UserID       string   `json:"userId"`
	Tokens       []string `json:"tokens"`
}

type buildLinkResponse struct {
	URL        string   `json:"url"`
	TemplateID string   `json:"templateId"`
	Platform   string   `json:"platform"`
	ExpiresAt  string   `json:"expiresAt"`
	HTML       string   `json:"html"`
	Tokens     []string `json:"tokens"`
}

func (s *Server) handleBuildLink(w http.ResponseWriter, r *http.Request) {
	var req buildLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	lnk, err := s.builder.Build(link.Request{
		Base:       req.Base,
		TemplateID: req.TemplateID,
		Platform:   req.Platform,
		Src:        req.Src,
		UserID:     req.UserID,
		Tokens:     req.Tokens,
		ExpiresIn:  expiresIn(req.ExpiresInSec),
	})
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	metrics.RecordLinkBuilt(string(lnk.Platform))
	s.log(r).Info("Link built",
		"template_id", lnk.TemplateID,
		"platform", lnk.Platform,
		"tokens", len(lnk.Tokens),
		"expires_at", lnk.ExpiresAt)

	s.writeJSON(w, r, http.StatusOK, buildLinkResponse{
		URL:        lnk.URL,
		TemplateID: lnk.TemplateID,
		Platform:   string(lnk.Platform),
		Tokens:     lnk.Tokens,
		ExpiresAt:  lnk.ExpiresAt.UTC().Format(time.RFC3339),
		HTML:       email.EmbedSnippet(lnk.URL, "Personalized image"),
	})
}

// expiresIn converts the requested lifetime, saturating before the
// multiplication so huge values cannot overflow time.Duration.
func expiresIn(sec *float64) time.Duration {
	if sec == nil {
		return 0
	}
	v := *sec
	switch {
	case math.IsNaN(v) || v == 0:
		return 0
	case v > link.MaxExpiry.Seconds():
		return link.MaxExpiry
	case v < link.MinExpiry.Seconds():
		return link.MinExpiry
	}
	return time.Duration(v * float64(time.Second))
}

type previewRequest struct {
	Tokens     map[string]string `json:"tokens"`
	To         string            `json:"to"`
	TemplateID string            `json:"templateId"`
	Subject    string            `json:"subject"`
}

type previewResponse struct {
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
	Sent   bool   `json:"sent"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	req.To = strings.TrimSpace(strings.ToLower(req.To))
	if !email.IsValidAddress(req.To) {
		s.writeError(w, r, personalize.Validation("Invalid email address"), http.StatusBadRequest)
		return
	}
	if req.TemplateID == "" {
		s.writeError(w, r, personalize.Validation("templateId is required"), http.StatusBadRequest)
		return
	}

	res, err := s.gateway.Render(r.Context(), req.TemplateID, req.Tokens)
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.emailer.SendPreview(r.Context(), &email.Preview{
		To:         req.To,
		Subject:    req.Subject,
		TemplateID: req.TemplateID,
		ImageURL:   res.URL,
		Tokens:     tokens.Resolve(req.Tokens).Map(),
		Cached:     res.Cached,
	}); err != nil {
		s.writeError(w, r, personalize.Upstream("Failed to send preview", err), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, r, http.StatusOK, previewResponse{URL: res.URL, Cached: res.Cached, Sent: true})
}

type purgeRequest struct {
	TemplateID string `json:"templateId"`
}

type purgeResponse struct {
	TemplateID string `json:"templateId"`
	Purged     int    `json:"purged"`
}

// handlePurge drops cached renders after a template is edited.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	if !personalize.ValidTemplateID(req.TemplateID) {
		s.writeError(w, r, personalize.Validation("templateId must be 1-128 letters, digits, '-' or '_'"), http.StatusBadRequest)
		return
	}

	n, err := s.purger.Purge(r.Context(), req.TemplateID)
	if err != nil {
		s.writeError(w, r, personalize.Upstream("Cache purge failed", err), http.StatusBadRequest)
		return
	}

	s.log(r).Info("Template cache purged", "template_id", req.TemplateID, "entries", n)
	s.writeJSON(w, r, http.StatusOK, purgeResponse{TemplateID: req.TemplateID, Purged: n})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return personalize.Validation("Request body too large")
		}
		return personalize.Validation("Invalid JSON body")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError converts err to a JSON error response. Upstream details are
// logged and never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, notFound int) {
	status := personalize.StatusCode(err, notFound)
	log := s.log(r).With("path", r.URL.Path, "status", status, "kind", personalize.KindOf(err).String())
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	} else {
		log.Info("Request rejected", "error", err)
	}
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodPost)
	}
	writeJSONError(w, status, personalize.Message(err))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg}) //nolint:errcheck,gosec // client went away
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log(r).Warn("Failed to write response", "error", err)
	}
}
