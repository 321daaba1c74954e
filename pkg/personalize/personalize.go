// Package personalize contains the core domain types for the personalization render service.
package personalize

import "regexp"

// RenderRequest is handed to the renderer for a single artifact.
type RenderRequest struct {
	TemplateID string            `json:"templateId"`
	Tokens     map[string]string `json:"tokens"` // Resolved, sanitized tokens keyed by name
}

// Result describes the artifact served for a request.
type Result struct {
	URL        string `json:"url"`
	CacheKey   string `json:"-"`
	TemplateID string `json:"-"`
	Cached     bool   `json:"cached"` // True when no render was needed
}

var templateIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidTemplateID reports whether id is safe to use as a path and object key component.
func ValidTemplateID(id string) bool {
	return templateIDRegex.MatchString(id)
}
