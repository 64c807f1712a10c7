package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret    string
	DatabaseURL  string
	RedisURL     string
	Host         string
	Port         string

	// Optional variables with defaults
	JWTAlgorithm  string
	JWTJWKSURL    string
	MessageTTLSec int
	GoEnv         string
	LogLevel      string

	DevelopmentMode bool
	AllowedOrigins  string
	OTELCollector   string

	// Rate Limits
	RateLimitWsIP   string
	RateLimitWsUser string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: DATABASE_URL (postgres connection string)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	} else if !isValidConnURL(cfg.DatabaseURL, "postgres", "postgresql") {
		errs = append(errs, fmt.Sprintf("DATABASE_URL must be a postgres:// URL (got '%s')", redactSecret(cfg.DatabaseURL)))
	}

	// Required: REDIS_URL (redis:// URL or host:port)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		errs = append(errs, "REDIS_URL is required")
	} else if strings.Contains(cfg.RedisURL, "://") && !isValidConnURL(cfg.RedisURL, "redis", "rediss") {
		errs = append(errs, fmt.Sprintf("REDIS_URL must be a redis:// URL or host:port (got '%s')", cfg.RedisURL))
	}

	// Optional: HOST (defaults to 0.0.0.0)
	cfg.Host = os.Getenv("HOST")
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}

	// Optional: PORT (defaults to 8002)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8002"
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: JWT_ALGORITHM (defaults to HS256)
	cfg.JWTAlgorithm = os.Getenv("JWT_ALGORITHM")
	if cfg.JWTAlgorithm == "" {
		cfg.JWTAlgorithm = "HS256"
	}
	switch cfg.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	case "RS256", "RS384", "RS512":
		// RS* needs a JWKS endpoint to fetch public keys from
		cfg.JWTJWKSURL = os.Getenv("JWT_JWKS_URL")
		if cfg.JWTJWKSURL == "" {
			errs = append(errs, fmt.Sprintf("JWT_JWKS_URL is required when JWT_ALGORITHM=%s", cfg.JWTAlgorithm))
		}
	default:
		errs = append(errs, fmt.Sprintf("JWT_ALGORITHM must be one of HS256/HS384/HS512/RS256/RS384/RS512 (got '%s')", cfg.JWTAlgorithm))
	}

	// Optional: REDIS_MESSAGE_TTL (defaults to 86400 seconds)
	cfg.MessageTTLSec = 86400
	if raw := os.Getenv("REDIS_MESSAGE_TTL"); raw != "" {
		ttl, err := strconv.Atoi(raw)
		if err != nil || ttl < 1 {
			errs = append(errs, fmt.Sprintf("REDIS_MESSAGE_TTL must be a positive number of seconds (got '%s')", raw))
		} else {
			cfg.MessageTTLSec = ttl
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTELCollector = os.Getenv("OTEL_COLLECTOR_ADDR")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// If there are validation errors, return them
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidConnURL checks that a string parses as a URL with one of the schemes
func isValidConnURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"jwt_algorithm", cfg.JWTAlgorithm,
		"database_url", redactSecret(cfg.DatabaseURL),
		"redis_url", cfg.RedisURL,
		"host", cfg.Host,
		"port", cfg.Port,
		"message_ttl_sec", cfg.MessageTTLSec,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
