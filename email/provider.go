// Package email sends personalized image previews to marketers via pluggable providers.
package email

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Preview describes a rendered artifact to show a marketer.
type Preview struct {
	Tokens     map[string]string // Resolved tokens the image was rendered with
	To         string
	Subject    string
	TemplateID string
	ImageURL   string
	Cached     bool
}

// Sender sends preview emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// IsValidAddress reports whether addr is a plausible recipient address.
func IsValidAddress(addr string) bool {
	if len(addr) < 3 || len(addr) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(addr)
	return err == nil && emailRegex.MatchString(addr)
}

// SendPreview emails the rendered artifact described by p.
func (s *Sender) SendPreview(ctx context.Context, p *Preview) error {
	if !IsValidAddress(p.To) {
		return errors.New("invalid recipient address")
	}

	subject := p.Subject
	if subject == "" {
		subject = "Preview: " + p.TemplateID
	}

	body := s.formatPreviewBody(p)

	s.logger.Info("Sending preview email",
		"to", p.To,
		"subject", subject,
		"template_id", p.TemplateID)

	return s.provider.Send(ctx, p.To, subject, body)
}
