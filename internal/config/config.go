package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/wallsync/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	ICloud       ICloudConfig
	Google       GoogleConfig
	Sync         SyncConfig
	RateLimiting RateLimitConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
	// APIUsername and APIPassword enable basic auth on the API when both are set.
	APIUsername string
	APIPassword string
	// AllowedOrigins enables CORS for browser clients served elsewhere.
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// ICloudConfig holds the CalDAV account. An empty email disables the provider.
type ICloudConfig struct {
	Email       string
	AppPassword string
	ServerURL   string
	// RateLimitRPS paces outbound CalDAV requests.
	RateLimitRPS float64
}

// GoogleConfig holds the OAuth client and refresh token. An empty refresh
// token disables the provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccountEmail string
}

// SyncConfig holds background sync configuration.
type SyncConfig struct {
	Schedule    string
	PastDays    int
	FutureDays  int
	HTTPTimeout time.Duration
	OnStart     bool
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// AlertConfig holds webhook alert configuration.
type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	cfg.Server.APIUsername = os.Getenv("API_USERNAME")
	cfg.Server.APIPassword = os.Getenv("API_PASSWORD")
	cfg.Server.AllowedOrigins = getEnvList("ALLOWED_ORIGINS")

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/wallsync.db")

	// iCloud configuration
	cfg.ICloud.Email = os.Getenv("ICLOUD_EMAIL")
	cfg.ICloud.AppPassword = os.Getenv("ICLOUD_APP_PASSWORD")
	cfg.ICloud.ServerURL = getEnv("ICLOUD_SERVER_URL", "https://caldav.icloud.com/")
	if cfg.ICloud.RateLimitRPS, err = getEnvFloat("CALDAV_RATE_LIMIT_RPS", 5.0); err != nil {
		return nil, fmt.Errorf("%w: CALDAV_RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}

	// Google configuration
	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.RefreshToken = os.Getenv("GOOGLE_REFRESH_TOKEN")
	cfg.Google.AccountEmail = os.Getenv("GOOGLE_ACCOUNT_EMAIL")

	// Sync configuration
	cfg.Sync.Schedule = getEnv("SYNC_SCHEDULE", "*/15 * * * *")
	if cfg.Sync.PastDays, err = getEnvInt("SYNC_PAST_DAYS", 30); err != nil {
		return nil, fmt.Errorf("%w: SYNC_PAST_DAYS: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.FutureDays, err = getEnvInt("SYNC_FUTURE_DAYS", 90); err != nil {
		return nil, fmt.Errorf("%w: SYNC_FUTURE_DAYS: %w", ErrInvalidConfig, err)
	}
	timeoutSeconds, err := getEnvInt("HTTP_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: HTTP_TIMEOUT_SECONDS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.HTTPTimeout = time.Duration(timeoutSeconds) * time.Second
	if cfg.Sync.OnStart, err = getEnvBool("SYNC_ON_START", true); err != nil {
		return nil, fmt.Errorf("%w: SYNC_ON_START: %w", ErrInvalidConfig, err)
	}

	// Rate limiting configuration
	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	// Alert configuration
	cfg.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.Cooldown = time.Duration(cooldown) * time.Minute

	if err := cfg.checkValues(); err != nil {
		return nil, err
	}

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func (c *Config) checkValues() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: PORT must be between 1 and 65535", ErrInvalidConfig)
	}
	if c.Sync.PastDays < 0 || c.Sync.FutureDays < 1 {
		return fmt.Errorf("%w: sync window must look at least one day ahead", ErrInvalidConfig)
	}
	if c.Sync.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: HTTP_TIMEOUT_SECONDS must be positive", ErrInvalidConfig)
	}
	if c.ICloud.RateLimitRPS <= 0 || c.RateLimiting.RPS <= 0 {
		return fmt.Errorf("%w: rate limits must be positive", ErrInvalidConfig)
	}
	for _, origin := range c.Server.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("%w: ALLOWED_ORIGINS entry %q needs an http or https scheme", ErrInvalidConfig, origin)
		}
	}
	return nil
}

// getMissingRequired returns the values required by the providers that are
// partially configured.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.ICloud.Email != "" && c.ICloud.AppPassword == "" {
		missing = append(missing, "ICLOUD_APP_PASSWORD")
	}
	if c.Google.RefreshToken != "" {
		if c.Google.ClientID == "" {
			missing = append(missing, "GOOGLE_CLIENT_ID")
		}
		if c.Google.ClientSecret == "" {
			missing = append(missing, "GOOGLE_CLIENT_SECRET")
		}
	}
	if (c.Server.APIUsername == "") != (c.Server.APIPassword == "") {
		missing = append(missing, "API_USERNAME and API_PASSWORD")
	}

	return missing
}

// Validate checks URL formats and, when iCloud is configured, that the CalDAV
// server answers.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if c.ICloudEnabled() {
		if err := v.ValidateCalDAVEndpoint(ctx, c.ICloud.ServerURL); err != nil {
			return fmt.Errorf("%w: ICLOUD_SERVER_URL: %w", ErrValidationFailed, err)
		}
	}

	if c.Alerts.WebhookURL != "" {
		if err := v.ValidateURL(c.Alerts.WebhookURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// ICloudEnabled reports whether iCloud credentials are configured.
func (c *Config) ICloudEnabled() bool {
	return c.ICloud.Email != "" && c.ICloud.AppPassword != ""
}

// GoogleEnabled reports whether Google credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.RefreshToken != "" && c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// BasicAuthEnabled reports whether the API requires credentials.
func (c *Config) BasicAuthEnabled() bool {
	return c.Server.APIUsername != "" && c.Server.APIPassword != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

// getEnvList splits a comma-separated environment variable, dropping blanks.
func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
