package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"sort"
	"sync/atomic"

	"personalink/pkg/personalize"
)

// Placeholder size in pixels.
const (
	placeholderWidth  = 600
	placeholderHeight = 300
)

// Placeholder draws a deterministic stand-in image for local development.
// Each token value becomes a colored band, so different inputs look different.
type Placeholder struct {
	templates map[string]bool
	logger    *slog.Logger
	renders   atomic.Int64
}

// NewPlaceholder creates a placeholder renderer. When templates is empty
// every template ID is accepted.
func NewPlaceholder(templates []string, logger *slog.Logger) *Placeholder {
	known := make(map[string]bool, len(templates))
	for _, t := range templates {
		known[t] = true
	}
	return &Placeholder{templates: known, logger: logger}
}

// Renders returns how many images have been drawn.
func (p *Placeholder) Renders() int64 {
	return p.renders.Load()
}

// Render draws the placeholder PNG.
func (p *Placeholder) Render(ctx context.Context, req personalize.RenderRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.templates) > 0 && !p.templates[req.TemplateID] {
		return nil, ErrUnknownTemplate
	}

	names := make([]string, 0, len(req.Tokens))
	for k := range req.Tokens {
		names = append(names, k)
	}
	sort.Strings(names)

	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	bg := swatch(req.TemplateID)
	fill(img, img.Bounds(), bg)

	if len(names) > 0 {
		band := placeholderHeight / len(names)
		for i, name := range names {
			r := image.Rect(0, i*band, placeholderWidth/3, (i+1)*band)
			fill(img, r, swatch(req.TemplateID+"|"+name+"="+req.Tokens[name]))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	p.renders.Add(1)
	p.logger.Info("MOCK RENDER", "template_id", req.TemplateID, "bytes", buf.Len())
	return buf.Bytes(), nil
}

func swatch(s string) color.RGBA {
	sum := sha256.Sum256([]byte(s))
	return color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}
