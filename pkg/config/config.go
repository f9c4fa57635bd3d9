package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dotsandlines/gluubridge/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Identity provider configuration
	Gluu GluuConfig

	// Legacy Crowd SSO configuration
	Crowd CrowdConfig

	// Session and cookie configuration
	Session SessionConfig

	// Storage configuration
	Storage StorageConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// GluuConfig holds identity provider connection settings
type GluuConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	// IssuerURL enables OIDC ID-token verification when set.
	IssuerURL string

	// InsecureSkipVerify disables TLS verification against the IdP. It is
	// refused at startup unless AllowInsecure is also set.
	InsecureSkipVerify bool
	AllowInsecure      bool

	HTTPTimeout time.Duration
}

// CrowdConfig holds the legacy Crowd SSO provider settings
type CrowdConfig struct {
	BaseURL             string
	ApplicationUser     string
	ApplicationPassword string
}

// SessionConfig holds session cache and SSO cookie settings
type SessionConfig struct {
	CookieName   string
	CookieDomain string
	CacheTTL     time.Duration
	LockTimeout  time.Duration
}

// StorageConfig holds the two storage tiers' connection settings
type StorageConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("BRIDGE_HOST", "0.0.0.0"),
			Port:            getEnv("BRIDGE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("BRIDGE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("BRIDGE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("BRIDGE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("BRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Gluu: GluuConfig{
			BaseURL:            getEnv("GLUU_BASE_URL", ""),
			ClientID:           getEnv("GLUU_CLIENT_ID", ""),
			ClientSecret:       getEnv("GLUU_CLIENT_SECRET", ""),
			IssuerURL:          getEnv("GLUU_ISSUER_URL", ""),
			InsecureSkipVerify: getEnvBool("GLUU_INSECURE_SKIP_VERIFY", false),
			AllowInsecure:      getEnvBool("GLUU_ALLOW_INSECURE", false),
			HTTPTimeout:        getEnvDuration("GLUU_HTTP_TIMEOUT", 10*time.Second),
		},
		Crowd: CrowdConfig{
			BaseURL:             getEnv("CROWD_BASE_URL", ""),
			ApplicationUser:     getEnv("CROWD_APPLICATION_USER", ""),
			ApplicationPassword: getEnv("CROWD_APPLICATION_PASSWORD", ""),
		},
		Session: SessionConfig{
			CookieName:   getEnv("SSO_COOKIE_NAME", "crowd.token_key"),
			CookieDomain: getEnv("SSO_COOKIE_DOMAIN", ""),
			CacheTTL:     getEnvDuration("BRIDGE_SESSION_CACHE_TTL", 24*time.Hour),
			LockTimeout:  getEnvDuration("BRIDGE_TOKEN_LOCK_TIMEOUT", 15*time.Second),
		},
		Storage: StorageConfig{
			RedisAddr:     getEnv("BRIDGE_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("BRIDGE_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("BRIDGE_REDIS_DB", 0),
			PostgresURL:   getEnv("BRIDGE_POSTGRES_URL", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("BRIDGE_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("BRIDGE_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required settings are present and consistent
func (c *Config) Validate() error {
	if c.Gluu.BaseURL == "" {
		return fmt.Errorf("GLUU_BASE_URL is required")
	}
	if c.Gluu.ClientID == "" {
		return fmt.Errorf("GLUU_CLIENT_ID is required")
	}
	if c.Gluu.ClientSecret == "" {
		return fmt.Errorf("GLUU_CLIENT_SECRET is required")
	}
	if c.Gluu.InsecureSkipVerify && !c.Gluu.AllowInsecure {
		return fmt.Errorf("GLUU_INSECURE_SKIP_VERIFY requires GLUU_ALLOW_INSECURE=true")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("BRIDGE_POSTGRES_URL is required")
	}
	if c.Storage.RedisAddr == "" {
		return fmt.Errorf("BRIDGE_REDIS_ADDR is required")
	}
	if c.Session.CookieDomain == "" {
		return fmt.Errorf("SSO_COOKIE_DOMAIN is required")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
