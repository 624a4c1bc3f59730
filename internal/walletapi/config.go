package walletapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/database"
)

const (
	defaultListenAddr     = ":9090"
	defaultDatabaseURL    = "sqlite:///tmp/partnerwallet.db"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultTAuthBaseURL   = "http://localhost:8080"
	defaultRequestTimeout = 5 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	shutdownTimeout       = 5 * time.Second
)

// Config aggregates runtime settings for the wallet API.
type Config struct {
	ListenAddr          string
	DatabaseURL         string
	StoreEngine         string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	TAuthBaseURL        string
	RedisURL            string
	IdempotencyTTL      time.Duration
	RequestTimeout      time.Duration
	LenientPartnerRoles bool
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreEngine = strings.ToLower(defaultIfEmpty(cfg.StoreEngine, database.EngineGorm))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.TAuthBaseURL = defaultIfEmpty(cfg.TAuthBaseURL, defaultTAuthBaseURL)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.StoreEngine != database.EngineGorm && cfg.StoreEngine != database.EnginePgx {
		return fmt.Errorf("store engine must be %q or %q", database.EngineGorm, database.EnginePgx)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
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
