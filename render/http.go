package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"personalink/pkg/personalize"
)

// maxArtifactBytes bounds how much of a renderer response is read.
const maxArtifactBytes = 20 << 20

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// HTTPRenderer calls an external rendering service:
// POST {endpoint}/render with a JSON RenderRequest, answered by image/png bytes.
type HTTPRenderer struct {
	client   *http.Client
	logger   *slog.Logger
	endpoint string
	token    string
}

// NewHTTPRenderer creates a renderer client. timeout bounds each attempt.
func NewHTTPRenderer(endpoint, token string, timeout time.Duration, logger *slog.Logger) *HTTPRenderer {
	return &HTTPRenderer{
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
	}
}

// Render requests the artifact, retrying transient failures.
func (h *HTTPRenderer) Render(ctx context.Context, req personalize.RenderRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var png []byte
	err = retry.Do(
		func() error {
			h.logger.Info("Renderer request starting", "template_id", req.TemplateID)

			startTime := time.Now()
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/render", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Accept", "image/png")
			if h.token != "" {
				httpReq.Header.Set("Authorization", "Bearer "+h.token)
			}

			resp, err := h.client.Do(httpReq)
			duration := time.Since(startTime)
			if err != nil {
				h.logger.Warn("Renderer request failed, will retry",
					"template_id", req.TemplateID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrUnknownTemplate, req.TemplateID))
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return retry.Unrecoverable(fmt.Errorf("renderer rejected request: HTTP %d", resp.StatusCode))
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				h.logger.Warn("Renderer returned non-2xx status, will retry",
					"status_code", resp.StatusCode,
					"template_id", req.TemplateID)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if len(data) > maxArtifactBytes {
				return retry.Unrecoverable(errors.New("renderer response too large"))
			}
			if !bytes.HasPrefix(data, pngSignature) {
				return retry.Unrecoverable(errors.New("renderer response is not a PNG"))
			}

			h.logger.Info("Renderer request completed",
				"template_id", req.TemplateID,
				"duration_ms", duration.Milliseconds(),
				"bytes", len(data))
			png = data
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Info("Retrying render after error", "attempt", n, "template_id", req.TemplateID, "error", err)
		}),
	)
	if err != nil {
		if IsUnknownTemplate(err) {
			return nil, ErrUnknownTemplate
		}
		return nil, fmt.Errorf("render after retries: %w", err)
	}
	return png, nil
}

// IsUnknownTemplate checks if err reports an unknown template, including
// after the retry package has wrapped it.
func IsUnknownTemplate(err error) bool {
	return err != nil && (errors.Is(err, ErrUnknownTemplate) || strings.Contains(err.Error(), ErrUnknownTemplate.Error()))
}
