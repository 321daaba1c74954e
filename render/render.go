// Package render produces PNG artifacts for a template and resolved tokens.
package render

import (
	"context"
	"errors"

	"personalink/pkg/personalize"
)

// ErrUnknownTemplate is returned when the renderer has no such template.
var ErrUnknownTemplate = errors.New("unknown template")

// Renderer turns a render request into PNG bytes.
type Renderer interface {
	Render(ctx context.Context, req personalize.RenderRequest) ([]byte, error)
}
