// Package config holds the runtime settings of consultd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/consult"
)

const (
	LedgerBackendGorm = "gorm"
	LedgerBackendPGX  = "pgx"

	defaultHTTPListenAddr       = ":8080"
	defaultGRPCListenAddr       = ":7000"
	defaultDatabaseURL          = "sqlite:///tmp/consult.db"
	defaultAllowedOrigin        = "http://localhost:8000"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultSocketTokenTTL       = 15 * time.Minute
	defaultRateDefaultsPath     = "configs/rates.yaml"
	defaultMigrationsPath       = "migrations"
	defaultResponseTimeout      = 5 * time.Minute
	defaultRingTimeout          = 30 * time.Second
	defaultBillingUnit          = time.Minute
	defaultPushTimeout          = 5 * time.Second
	defaultLowBalanceMultiplier = 3
	defaultPresenceTTL          = 90 * time.Second
	defaultDisconnectGrace      = 2 * time.Minute
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for the consultation server.
type Config struct {
	HTTPListenAddr string
	GRPCListenAddr string
	DatabaseURL    string
	LedgerBackend  string
	MigrationsPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	TAuthBaseURL      string
	SocketSigningKey  string
	SocketTokenTTL    time.Duration

	WalletAPIKeyHash string

	RateDefaultsPath string
	MediaPrefixes    []string

	FCMProjectID       string
	FCMCredentialsFile string

	ResponseTimeout      time.Duration
	RingTimeout          time.Duration
	BillingUnit          time.Duration
	PushTimeout          time.Duration
	LowBalanceMultiplier int64
	DisconnectGrace      time.Duration
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LedgerBackend = strings.ToLower(defaultIfEmpty(cfg.LedgerBackend, LedgerBackendGorm))
	cfg.MigrationsPath = defaultIfEmpty(cfg.MigrationsPath, defaultMigrationsPath)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.TAuthBaseURL = defaultIfEmpty(cfg.TAuthBaseURL, "http://localhost:8081")
	cfg.RateDefaultsPath = defaultIfEmpty(cfg.RateDefaultsPath, defaultRateDefaultsPath)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.SocketSigningKey == "" {
		cfg.SocketSigningKey = cfg.SessionSigningKey
	}
	if cfg.SocketTokenTTL <= 0 {
		cfg.SocketTokenTTL = defaultSocketTokenTTL
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.BillingUnit <= 0 {
		cfg.BillingUnit = defaultBillingUnit
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if cfg.LowBalanceMultiplier <= 0 {
		cfg.LowBalanceMultiplier = defaultLowBalanceMultiplier
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = defaultDisconnectGrace
	}

	switch {
	case cfg.LedgerBackend != LedgerBackendGorm && cfg.LedgerBackend != LedgerBackendPGX:
		return fmt.Errorf("%w: ledger backend %q", ErrInvalidConfig, cfg.LedgerBackend)
	case cfg.LedgerBackend == LedgerBackendPGX && !isPostgresURL(cfg.DatabaseURL):
		return fmt.Errorf("%w: pgx ledger backend needs a postgres database url", ErrInvalidConfig)
	case len(cfg.SessionSigningKey) == 0:
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	case cfg.BillingUnit < time.Second:
		return fmt.Errorf("%w: billing unit must be at least one second", ErrInvalidConfig)
	case cfg.RedisDB < 0:
		return fmt.Errorf("%w: redis db must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Timings converts the clock settings for the coordinator.
func (cfg Config) Timings() consult.Timings {
	return consult.Timings{
		ResponseTimeout:      cfg.ResponseTimeout,
		RingTimeout:          cfg.RingTimeout,
		BillingUnit:          cfg.BillingUnit,
		PushTimeout:          cfg.PushTimeout,
		LowBalanceMultiplier: cfg.LowBalanceMultiplier,
		DisconnectGrace:      cfg.DisconnectGrace,
	}
}

// RedisEnabled reports whether presence and the waitlist are shared through redis.
func (cfg Config) RedisEnabled() bool {
	return strings.TrimSpace(cfg.RedisAddr) != ""
}

// PushEnabled reports whether push notifications are configured.
func (cfg Config) PushEnabled() bool {
	return strings.TrimSpace(cfg.FCMProjectID) != ""
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits a comma-delimited value into trimmed, non-empty parts.
func ParseList(raw string) []string {
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
