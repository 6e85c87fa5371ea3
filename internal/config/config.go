package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `mapstructure:"BACKEND_ADDR"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// AppBaseURL is the public origin used to build OAuth and Stripe redirect URLs.
	AppBaseURL string `mapstructure:"APP_BASE_URL"`

	// AuthSuccessRedirect is the authenticated landing route after a social login.
	AuthSuccessRedirect string `mapstructure:"AUTH_SUCCESS_REDIRECT"`

	// AllowedOrigins is a comma separated list of origins allowed by CORS.
	AllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	GitHubClientID     string `mapstructure:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `mapstructure:"GITHUB_CLIENT_SECRET"`
	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`

	// RedisURL selects the Redis session store. Sessions are kept in memory when empty.
	RedisURL string `mapstructure:"REDIS_URL"`

	// RabbitMQURL enables domain event publishing. Events are only logged when empty.
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	SessionCookieName string        `mapstructure:"SESSION_COOKIE_NAME"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	CookieSecure      bool          `mapstructure:"COOKIE_SECURE"`

	// AdminToken guards the /api/admin routes. They are not mounted when empty.
	AdminToken string `mapstructure:"ADMIN_TOKEN"`

	// UserDeletePolicy is either "cascade" or "reject".
	UserDeletePolicy string `mapstructure:"USER_DELETE_POLICY"`

	WorkerConcurrency  int    `mapstructure:"WORKER_CONCURRENCY"`
	JobCleanupSchedule string `mapstructure:"JOB_CLEANUP_SCHEDULE"`
	StaleJobSchedule   string `mapstructure:"STALE_JOB_SCHEDULE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

const (
	defaultServerAddress       = ":18111"
	defaultAppBaseURL          = "http://localhost:18111"
	defaultAuthSuccessRedirect = "/dashboard"
	defaultEventsExchange      = "saas.events"
	defaultSessionCookieName   = "__session"
	defaultSessionTTL          = 30 * 24 * time.Hour
	defaultUserDeletePolicy    = "cascade"
	defaultWorkerConcurrency   = 2
	defaultJobCleanupSchedule  = "@daily"
	defaultStaleJobSchedule    = "@every 5m"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envAppBaseURL          = "APP_BASE_URL"
	envAuthSuccessRedirect = "AUTH_SUCCESS_REDIRECT"
	envAllowedOrigins      = "CORS_ALLOWED_ORIGINS"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envGitHubClientID      = "GITHUB_CLIENT_ID"
	envGitHubClientSecret  = "GITHUB_CLIENT_SECRET"
	envGoogleClientID      = "GOOGLE_CLIENT_ID"
	envGoogleClientSecret  = "GOOGLE_CLIENT_SECRET"
	envRedisURL            = "REDIS_URL"
	envRabbitMQURL         = "RABBITMQ_URL"
	envEventsExchange      = "EVENTS_EXCHANGE"
	envSessionCookieName   = "SESSION_COOKIE_NAME"
	envSessionTTL          = "SESSION_TTL"
	envCookieSecure        = "COOKIE_SECURE"
	envAdminToken          = "ADMIN_TOKEN"
	envUserDeletePolicy    = "USER_DELETE_POLICY"
	envWorkerConcurrency   = "WORKER_CONCURRENCY"
	envJobCleanupSchedule  = "JOB_CLEANUP_SCHEDULE"
	envStaleJobSchedule    = "STALE_JOB_SCHEDULE"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
)

var boundEnv = []string{
	envServerAddress, envDatabaseURL, envAppBaseURL, envAuthSuccessRedirect, envAllowedOrigins,
	envStripeSecretKey, envStripeWebhookSecret,
	envGitHubClientID, envGitHubClientSecret, envGoogleClientID, envGoogleClientSecret,
	envRedisURL, envRabbitMQURL, envEventsExchange,
	envSessionCookieName, envSessionTTL, envCookieSecure,
	envAdminToken, envUserDeletePolicy,
	envWorkerConcurrency, envJobCleanupSchedule, envStaleJobSchedule,
	envLogLevel, envLogFormat,
}

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(envServerAddress, defaultServerAddress)
	v.SetDefault(envAppBaseURL, defaultAppBaseURL)
	v.SetDefault(envAuthSuccessRedirect, defaultAuthSuccessRedirect)
	v.SetDefault(envEventsExchange, defaultEventsExchange)
	v.SetDefault(envSessionCookieName, defaultSessionCookieName)
	v.SetDefault(envSessionTTL, defaultSessionTTL)
	v.SetDefault(envCookieSecure, false)
	v.SetDefault(envUserDeletePolicy, defaultUserDeletePolicy)
	v.SetDefault(envWorkerConcurrency, defaultWorkerConcurrency)
	v.SetDefault(envJobCleanupSchedule, defaultJobCleanupSchedule)
	v.SetDefault(envStaleJobSchedule, defaultStaleJobSchedule)
	v.SetDefault(envLogLevel, defaultLogLevel)
	v.SetDefault(envLogFormat, defaultLogFormat)

	// Unmarshal only sees keys viper knows about.
	for _, key := range boundEnv {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	// An explicitly empty variable still counts as unset for defaulted values.
	cfg.ServerAddress = firstNonEmpty(cfg.ServerAddress, defaultServerAddress)
	cfg.AppBaseURL = strings.TrimRight(firstNonEmpty(cfg.AppBaseURL, defaultAppBaseURL), "/")
	cfg.AuthSuccessRedirect = firstNonEmpty(cfg.AuthSuccessRedirect, defaultAuthSuccessRedirect)
	cfg.SessionCookieName = firstNonEmpty(cfg.SessionCookieName, defaultSessionCookieName)
	cfg.UserDeletePolicy = strings.ToLower(firstNonEmpty(cfg.UserDeletePolicy, defaultUserDeletePolicy))
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultWorkerConcurrency
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if cfg.UserDeletePolicy != "cascade" && cfg.UserDeletePolicy != "reject" {
		return Config{}, fmt.Errorf("%s must be \"cascade\" or \"reject\", got %q", envUserDeletePolicy, cfg.UserDeletePolicy)
	}

	return cfg, nil
}

// Origins returns the configured CORS origins.
func (c Config) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// GitHubEnabled reports whether GitHub login credentials are configured.
func (c Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// GoogleEnabled reports whether Google login credentials are configured.
func (c Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// CallbackURL builds the OAuth redirect URL for the named provider.
func (c Config) CallbackURL(provider string) string {
	return fmt.Sprintf("%s/auth/%s/callback", c.AppBaseURL, provider)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
