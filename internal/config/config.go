// Package config loads the application configuration from environment
// variables with fallback defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN)
	DatabaseURL string

	// Server bind address (host:port) for the JWKS endpoint
	ServerAddr string

	// Maximum database connection pool size
	MaxDBConnections int

	// Enable debug logging
	Debug bool

	// Session configuration
	Session SessionConfig

	// JWT configuration. JWT.Enabled=false runs opaque-token mode.
	JWT JWTConfig

	// CleanupInterval is the tick interval for core maintenance tasks
	CleanupInterval time.Duration
}

// SessionConfig holds session service configuration
type SessionConfig struct {
	// TTL is the default session lifetime
	TTL time.Duration

	// Enhanced enables device and metadata rows
	Enhanced bool

	// DeviceExpression is an optional go-bexpr expression gating device
	// validation (e.g. "match.fingerprint == true")
	DeviceExpression string
}

// JWTConfig holds JWKS/JWT service configuration
type JWTConfig struct {
	// Enabled switches the session service into JWT mode
	Enabled bool

	// Issuer is the iss claim on every issued token
	Issuer string

	// AccessTokenTTL is the default access token lifetime
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime
	RefreshTokenTTL time.Duration

	// RotationInterval is how long a signing key stays primary
	RotationInterval time.Duration

	// GracePeriod is how long rotated keys keep verifying
	GracePeriod time.Duration

	// RotationEnabled controls single-use refresh token rotation
	RotationEnabled bool
}

// Load reads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", "file:reauth.db"),
		ServerAddr:       getEnv("SERVER_ADDR", "localhost:8080"),
		MaxDBConnections: getEnvInt("MAX_DB_CONNECTIONS", 25),
		Debug:            getEnvBool("DEBUG", false),
		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		Session: SessionConfig{
			TTL:              getEnvDuration("SESSION_TTL", 24*time.Hour),
			Enhanced:         getEnvBool("SESSION_ENHANCED", true),
			DeviceExpression: getEnv("SESSION_DEVICE_EXPRESSION", ""),
		},
		JWT: JWTConfig{
			Enabled:          getEnvBool("JWT_ENABLED", true),
			Issuer:           getEnv("JWT_ISSUER", "http://localhost:8080"),
			AccessTokenTTL:   getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTokenTTL:  getEnvDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
			RotationInterval: getEnvDuration("JWT_KEY_ROTATION_INTERVAL", 30*24*time.Hour),
			GracePeriod:      getEnvDuration("JWT_KEY_GRACE_PERIOD", 48*time.Hour),
			RotationEnabled:  getEnvBool("JWT_REFRESH_ROTATION", true),
		},
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWT.Enabled && cfg.JWT.Issuer == "" {
		return nil, fmt.Errorf("JWT_ISSUER is required when JWT_ENABLED is set")
	}
	if cfg.Session.TTL < 30*time.Second {
		return nil, fmt.Errorf("SESSION_TTL must be at least 30s")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("15m", "24h")
// or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
