package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultStoreTimeout   = 5 * time.Second
	defaultServiceVersion = "dev"
	defaultListLimit      = 100
	adminRole             = "admin"
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr        string
	StoreTimeout      time.Duration
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	ServiceVersion    string
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ServiceVersion = defaultIfEmpty(cfg.ServiceVersion, defaultServiceVersion)
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.StoreTimeout < 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	return nil
}

// SessionsEnabled reports whether session-authenticated routes are served.
func (cfg Config) SessionsEnabled() bool {
	return strings.TrimSpace(cfg.SessionSigningKey) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
