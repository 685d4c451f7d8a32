// Package config provides centralized configuration management for Ember.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail fast
// with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	WSPort int
	DB     string

	Development bool

	JWTSecret    string
	IPHashSecret string

	TokenExpiry time.Duration

	AllowedOrigins []string

	SessionSweepInterval   time.Duration
	StaleSessionAge        time.Duration
	HeartbeatSweepInterval time.Duration
	HeartbeatTimeout       time.Duration
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultWSPort                 = 3001
	DefaultDB                     = "ember.db"
	MinSecretLength               = 32
	DefaultTokenExpiry            = 24 * time.Hour
	DefaultSessionSweepInterval   = 5 * time.Minute
	DefaultStaleSessionAge        = 24 * time.Hour
	DefaultHeartbeatSweepInterval = 30 * time.Second
	DefaultHeartbeatTimeout       = 90 * time.Second
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		WSPort:                 DefaultWSPort,
		DB:                     DefaultDB,
		TokenExpiry:            DefaultTokenExpiry,
		SessionSweepInterval:   DefaultSessionSweepInterval,
		StaleSessionAge:        DefaultStaleSessionAge,
		HeartbeatSweepInterval: DefaultHeartbeatSweepInterval,
		HeartbeatTimeout:       DefaultHeartbeatTimeout,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("WS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "WS_PORT",
				Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
			})
		} else {
			c.WSPort = port
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DB = v
	}

	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Development = v != "production"
	} else {
		c.Development = true
	}

	c.JWTSecret = os.Getenv("JWT_SECRET")
	c.IPHashSecret = os.Getenv("IP_HASH_SECRET")

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, trimmed)
			}
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.WSPort < 1 || c.WSPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "WS_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.WSPort),
		})
	}

	if c.DB == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "database URL cannot be empty",
		})
	}

	if len(c.JWTSecret) < MinSecretLength {
		errs = append(errs, ValidationError{
			Field:   "JWT_SECRET",
			Message: fmt.Sprintf("must be at least %d bytes", MinSecretLength),
		})
	}

	if len(c.IPHashSecret) < MinSecretLength {
		errs = append(errs, ValidationError{
			Field:   "IP_HASH_SECRET",
			Message: fmt.Sprintf("must be at least %d bytes", MinSecretLength),
		})
	}

	if !c.Development && len(c.AllowedOrigins) == 0 {
		errs = append(errs, ValidationError{
			Field:   "ALLOWED_ORIGINS",
			Message: "required when NODE_ENV is production",
		})
	}

	return errs
}

// MustLoad loads configuration and exits the process if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}
