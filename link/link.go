// Package link builds signed, time-limited personalization URLs.
package link

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"personalink/merge"
	"personalink/pkg/personalize"
	"personalink/signing"
	"personalink/tokens"
)

// Expiry bounds for server-built links.
const (
	DefaultExpiry = 72 * time.Hour
	MinExpiry     = time.Minute
	MaxExpiry     = 7 * 24 * time.Hour
)

// Reserved query parameter names.
const (
	ParamSignature = "sig"
	ParamExpiry    = "exp"
	ParamSource    = "src"
	ParamUserID    = "userId"
)

var srcRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Request describes a link to build.
type Request struct {
	Base       string
	TemplateID string
	Platform   string
	Src        string   // Defaults to Platform
	UserID     string   // Optional, signed when set
	Tokens     []string // Requested token names; unknown names are dropped
	ExpiresIn  time.Duration
}

// Link is a built personalization URL and its parts.
type Link struct {
	ExpiresAt  time.Time
	Params     signing.Params
	URL        string
	TemplateID string
	Platform   merge.Platform
	Signature  string
	Tokens     []string
}

// Builder builds signed links.
type Builder struct {
	signer *signing.Signer
	now    func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the builder's time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// New creates a link builder.
func New(signer *signing.Signer, opts ...Option) *Builder {
	b := &Builder{signer: signer, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ClampExpiry applies the default and bounds to a requested lifetime.
func ClampExpiry(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultExpiry
	case d < MinExpiry:
		return MinExpiry
	case d > MaxExpiry:
		return MaxExpiry
	default:
		return d
	}
}

// Build validates req and returns the signed link.
func (b *Builder) Build(req Request) (*Link, error) {
	base, err := normalizeBase(req.Base)
	if err != nil {
		return nil, err
	}
	if req.TemplateID == "" {
		return nil, personalize.Validation("templateId is required")
	}
	if !personalize.ValidTemplateID(req.TemplateID) {
		return nil, personalize.Validation("templateId must be 1-128 letters, digits, '-' or '_'")
	}
	if req.Platform == "" {
		return nil, personalize.Validation("platform is required")
	}
	platform, ok := merge.ParsePlatform(req.Platform)
	if !ok {
		return nil, personalize.NotFound("Unknown platform")
	}

	src := req.Src
	if src == "" {
		src = string(platform)
	}
	if !srcRegex.MatchString(src) {
		return nil, personalize.Validation("src must be 1-64 letters, digits, '.', '-' or '_'")
	}
	if req.UserID != "" && (len(req.UserID) > tokens.MaxValueLen || tokens.Sanitize(req.UserID) != req.UserID) {
		return nil, personalize.Validation("userId contains invalid characters")
	}

	expiresAt := b.now().Add(ClampExpiry(req.ExpiresIn)).Truncate(time.Second)

	keys := tokens.Filter(req.Tokens)
	params := signing.Params(merge.Template(platform, keys))
	params[ParamExpiry] = strconv.FormatInt(expiresAt.Unix(), 10)
	params[ParamSource] = src
	if req.UserID != "" {
		params[ParamUserID] = req.UserID
	}

	sig := b.signer.Sign(params)

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}

	return &Link{
		URL:        base + "/p/" + url.PathEscape(req.TemplateID) + "?" + EncodeQuery(params) + "&" + ParamSignature + "=" + sig,
		TemplateID: req.TemplateID,
		Platform:   platform,
		Tokens:     names,
		ExpiresAt:  expiresAt,
		Params:     params,
		Signature:  sig,
	}, nil
}

func normalizeBase(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", personalize.Validation("base is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.RawQuery != "" || u.Fragment != "" {
		return "", personalize.Validation("base must be an absolute http(s) URL")
	}
	return strings.TrimRight(raw, "/"), nil
}

// Merge-tag punctuation is left readable so ESPs can substitute it.
var mergeTagUnescaper = strings.NewReplacer("%2A", "*", "%7C", "|", "%7B", "{", "%7D", "}")

// EncodeQuery serializes p in canonical key order.
func EncodeQuery(p signing.Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(mergeTagUnescaper.Replace(url.QueryEscape(p[k])))
	}
	return b.String()
}
