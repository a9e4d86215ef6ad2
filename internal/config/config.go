// Package config provides deployment configuration loading for the AgentHQ server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds deployment-shaped settings loaded from the process environment.
// Domain-shaped settings (environments, server public URL, daemon auth token)
// live in the on-disk config store instead; see internal/configstore.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Workspace root. The config store, auth database, and local-environment
	// repo scan all live under this directory.
	WorkspaceDir string

	// Auth settings
	CookieName             string
	CookieSecure            bool
	SessionTTL              time.Duration
	SessionCleanupInterval  time.Duration
	ScryptN                 int
	ScryptR                 int
	ScryptP                 int

	// Operator account seeded at startup when both are set; seeding is a
	// no-op if the username already exists. There is no self-service signup.
	SeedUsername string
	SeedPassword string

	// HTTP server timeouts. WriteTimeout is intentionally left at zero: the
	// daemon and browser WebSocket upgrades are long-lived, and Go's
	// http.Server.WriteTimeout sets a deadline on the underlying net.Conn
	// before the handler runs, which would kill a hijacked connection after
	// the timeout elapses.
	HTTPReadTimeout  time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// ProcessBufferSize is the per-process output ring buffer capacity in bytes.
	ProcessBufferSize int
}

// Load reads configuration from environment variables, applying defaults
// matching the values spec.md calls out explicitly (1 MiB buffer, 7 day
// session TTL, cols/rows minimums are validated at the handler, not here).
func Load() (*Config, error) {
	workspaceDir := getEnv("AGENTHQ_WORKSPACE_DIR", "")
	if workspaceDir == "" {
		return nil, fmt.Errorf("AGENTHQ_WORKSPACE_DIR is required")
	}

	cfg := &Config{
		Port:           getEnvInt("AGENTHQ_PORT", 8080),
		Host:           getEnv("AGENTHQ_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		WorkspaceDir: workspaceDir,

		CookieName:             getEnv("COOKIE_NAME", "agenthq_session"),
		CookieSecure:           getEnvBool("COOKIE_SECURE", true),
		SessionTTL:             getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 10*time.Minute),
		ScryptN:                getEnvInt("SCRYPT_N", 1<<15),
		ScryptR:                getEnvInt("SCRYPT_R", 8),
		ScryptP:                getEnvInt("SCRYPT_P", 1),

		SeedUsername: getEnv("AGENTHQ_SEED_USERNAME", ""),
		SeedPassword: getEnv("AGENTHQ_SEED_PASSWORD", ""),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		ProcessBufferSize: getEnvInt("PROCESS_BUFFER_SIZE", 1<<20), // 1 MiB per process
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
