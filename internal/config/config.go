// Package config reads the service configuration from the environment.
//
// A .env file in the working directory is loaded first when present.
// Variables already set in the environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/zoho"
)

// Config is everything the server and the CLI need.
type Config struct {
	Port     int
	Env      string
	LogLevel slog.Level

	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string
	RedisURL    string

	BaseURL            string
	CORSAllowedOrigins []string

	SessionSecret        string
	AuthDomain           string
	AuthClientID         string
	AuthClientSecret     string
	AuthCallbackURL      string
	PasswordlessCooldown time.Duration

	Zoho     zoho.Config
	TestMode bool

	TurnstileSecretKey string
	TurnstileSiteKey   string
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether the identity-provider login can run.
func (c *Config) AuthEnabled() bool {
	return c.SessionSecret != "" && c.AuthDomain != "" && c.AuthClientID != ""
}

// Load reads the given .env files (".env" when none are named), then the
// environment. A missing file is not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config from getenv and validates it.
func FromLookup(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	port, err := strconv.Atoi(get("PORT", "8080"))
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("config: invalid PORT %q", getenv("PORT"))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: invalid LOG_LEVEL %q", getenv("LOG_LEVEL"))
	}

	baseURL := strings.TrimRight(get("APP_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/")

	cfg := &Config{
		Port:     port,
		Env:      get("APP_ENV", "development"),
		LogLevel: level,

		DBDriver:    get("DB_DRIVER", "sqlite"),
		DBPath:      get("DB_PATH", "data/leadsync.db"),
		DatabaseURL: get("DATABASE_URL", ""),
		RedisURL:    get("REDIS_URL", ""),

		BaseURL:            baseURL,
		CORSAllowedOrigins: splitList(get("CORS_ALLOWED_ORIGINS", "")),

		SessionSecret:        get("SESSION_SECRET", ""),
		AuthDomain:           get("AUTH_DOMAIN", ""),
		AuthClientID:         get("AUTH_CLIENT_ID", ""),
		AuthClientSecret:     get("AUTH_CLIENT_SECRET", ""),
		AuthCallbackURL:      get("AUTH_CALLBACK_URL", baseURL+"/auth/callback"),
		PasswordlessCooldown: ParseCooldown(getenv("AUTH_PASSWORDLESS_COOLDOWN_SECONDS")),

		TestMode: parseBool(get("TEST_MODE", "false")),

		TurnstileSecretKey: get("TURNSTILE_SECRET_KEY", ""),
		TurnstileSiteKey:   get("TURNSTILE_SITE_KEY", ""),
	}

	cfg.Zoho = zoho.Config{
		ClientID:              get("ZOHO_CLIENT_ID", ""),
		ClientSecret:          get("ZOHO_CLIENT_SECRET", ""),
		RefreshToken:          get("ZOHO_REFRESH_TOKEN", ""),
		ListKey:               get("ZOHO_CAMPAIGNS_LIST_KEY", ""),
		DC:                    get("ZOHO_DC", ""),
		BaseURL:               get("ZOHO_CAMPAIGNS_BASE_URL", ""),
		OrgID:                 get("ZOHO_ORG_ID", ""),
		Source:                get("ZOHO_SOURCE", ""),
		MalformedPayloadCodes: splitList(get("ZOHO_MALFORMED_PAYLOAD_CODES", "")),
		InvalidTokenMarkers:   splitList(get("ZOHO_INVALID_TOKEN_MARKERS", "")),
		DuplicateCodes:        splitList(get("ZOHO_DUPLICATE_CODES", "")),
		Debug:                 !cfg.IsProduction() && parseBool(get("ZOHO_DEBUG", "false")),
	}.WithDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DBDriver)
	}

	if !c.TestMode {
		if err := c.Zoho.Validate(); err != nil {
			return fmt.Errorf("config: %w (set TEST_MODE=true to run without Zoho)", err)
		}
	}

	if c.SessionSecret != "" && len(c.SessionSecret) < 16 {
		return errors.New("config: SESSION_SECRET must be at least 16 characters")
	}
	return nil
}

// ParseCooldown turns AUTH_PASSWORDLESS_COOLDOWN_SECONDS into a duration,
// floored to whole seconds.
func ParseCooldown(raw string) time.Duration {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return model.DefaultLoginCooldown
	}
	secs := math.Floor(v)
	if secs < 1 {
		return model.DefaultLoginCooldown
	}
	return time.Duration(secs) * time.Second
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
