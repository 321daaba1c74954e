// Package config loads service settings from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheObject   = "object"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
)

// Email providers.
const (
	EmailMock  = "mock"
	EmailBrevo = "brevo"
	EmailGmail = "gmail"
)

const minSecretLen = 32

// Config holds every setting the service reads at startup.
type Config struct {
	Port    string `env:"PORT,default=8080"`
	BaseURL string `env:"BASE_URL"` // Public origin used for built links

	SigningSecret string `env:"LINK_SIGNING_SECRET"`

	StorageBucket string `env:"STORAGE_BUCKET"`
	LocalStorage  string `env:"LOCAL_STORAGE"`
	PublicURL     string `env:"ARTIFACT_PUBLIC_URL"` // Defaults to the bucket URL or {BASE_URL}/artifacts

	CacheBackend string `env:"CACHE_BACKEND"` // memory, object, redis or postgres
	RedisURL     string `env:"REDIS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`

	RendererURL          string        `env:"RENDERER_URL"`
	RendererToken        string        `env:"RENDERER_TOKEN"`
	RenderTimeout        time.Duration `env:"RENDER_TIMEOUT,default=30s"`
	PlaceholderTemplates string        `env:"PLACEHOLDER_TEMPLATES"` // Comma separated; empty accepts all

	APIKey            string        `env:"API_KEY"`
	DedupeInflight    bool          `env:"DEDUPE_INFLIGHT"`
	RenderLockTTL     time.Duration `env:"RENDER_LOCK_TTL"`
	AcceptSubstituted bool          `env:"ACCEPT_SUBSTITUTED_MERGE_TAGS"`

	EmailProvider         string `env:"EMAIL_PROVIDER"` // mock, brevo or gmail
	BrevoAPIKey           string `env:"BREVO_API_KEY"`
	MailFrom              string `env:"MAIL_FROM"`
	MailFromName          string `env:"MAIL_FROM_NAME,default=Personalized Previews"`
	GoogleCredentialsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`

	LinkRatePerSec float64 `env:"LINK_RATE_PER_SEC,default=20"`
	LinkRateBurst  int     `env:"LINK_RATE_BURST,default=40"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	// LocalMode is set when no bucket is configured.
	LocalMode bool
	// GeneratedSecret is set when SigningSecret was generated for local use.
	GeneratedSecret bool
}

// Load reads an optional .env file, decodes the environment and applies
// local development defaults.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Port == "" {
		c.Port = "8080"
	}

	// Default to local development mode if no bucket specified
	if c.StorageBucket == "" {
		c.LocalMode = true
		if c.LocalStorage == "" {
			c.LocalStorage = "./data"
		}
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:" + c.Port
		}
		// Mock email unless credentials are provided
		if c.EmailProvider == "" && c.GoogleCredentialsJSON == "" && c.BrevoAPIKey == "" {
			c.EmailProvider = EmailMock
		}
		if c.SigningSecret == "" {
			secret := make([]byte, minSecretLen)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("generate signing secret: %w", err)
			}
			c.SigningSecret = hex.EncodeToString(secret)
			c.GeneratedSecret = true
		}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.CacheBackend == "" {
		switch {
		case c.RedisURL != "":
			c.CacheBackend = CacheRedis
		case c.DatabaseURL != "":
			c.CacheBackend = CachePostgres
		default:
			c.CacheBackend = CacheObject
		}
	}
	if c.EmailProvider == "" {
		switch {
		case c.BrevoAPIKey != "":
			c.EmailProvider = EmailBrevo
		default:
			c.EmailProvider = EmailGmail
		}
	}

	if c.PublicURL == "" && c.LocalMode {
		c.PublicURL = c.BaseURL + "/artifacts"
	}
	return nil
}

// Templates returns the placeholder renderer's template allow-list.
func (c *Config) Templates() []string {
	var out []string
	for _, t := range strings.Split(c.PlaceholderTemplates, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the settings required outside local development mode.
func (c *Config) Validate() error {
	var errs []error

	if !c.LocalMode {
		if c.BaseURL == "" {
			errs = append(errs, errors.New("BASE_URL environment variable required (e.g., https://your-service.run.app)"))
		}
		if len(c.SigningSecret) < minSecretLen {
			errs = append(errs, fmt.Errorf("LINK_SIGNING_SECRET must be at least %d characters", minSecretLen))
		}
		if c.RendererURL == "" {
			errs = append(errs, errors.New("RENDERER_URL environment variable required"))
		}
	} else if c.SigningSecret == "" {
		errs = append(errs, errors.New("LINK_SIGNING_SECRET is empty"))
	}

	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("BASE_URL %q is not an absolute http(s) URL", c.BaseURL))
		}
	}

	switch c.CacheBackend {
	case CacheMemory, CacheObject:
	case CacheRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL required for the redis cache backend"))
		}
	case CachePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL required for the postgres cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}

	switch c.EmailProvider {
	case EmailMock, EmailGmail:
	case EmailBrevo:
		if c.BrevoAPIKey == "" || c.MailFrom == "" {
			errs = append(errs, errors.New("BREVO_API_KEY and MAIL_FROM required for the brevo email provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}

	if c.RenderTimeout <= 0 {
		errs = append(errs, errors.New("RENDER_TIMEOUT must be positive"))
	}
	if c.RenderLockTTL < 0 {
		errs = append(errs, errors.New("RENDER_LOCK_TTL must not be negative"))
	}
	if c.LinkRatePerSec < 0 || c.LinkRateBurst < 0 {
		errs = append(errs, errors.New("LINK_RATE_PER_SEC and LINK_RATE_BURST must not be negative"))
	}

	return errors.Join(errs...)
}
