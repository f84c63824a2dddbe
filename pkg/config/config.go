// Package config loads and validates the orchestrator's scalar
// configuration from the environment. List-shaped configuration (disaster
// providers, LLM endpoints, fulfiller endpoints) lives in lists.go and is
// loaded separately from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all scalar configuration for the orchestrator service.
type Config struct {
	// Ledger (C1)
	LedgerRPCURL       string
	LedgerChainID      int64
	EscrowContractAddr string
	OraclePrivateKey   string // hex, no 0x required
	LedgerCallTimeout  time.Duration
	LedgerPollInterval time.Duration
	LedgerLookback     uint64 // blocks to backfill if no cursor is persisted

	// Server (C8)
	ListenAddr  string
	MetricsAddr string

	// GNSS client (C2)
	GnssBackendURL string
	GnssTimeout    time.Duration

	// Event attestation (C3)
	EventProviderTimeout time.Duration
	EventSearchRadiusKM  float64

	// LLM consensus (C4)
	LLMNodeTimeout time.Duration

	// Fulfiller dispatch (C5)
	FulfillerDispatchTimeout time.Duration

	// Pipeline (C6)
	DeliveryTimeout time.Duration // default 24h

	// Audit / cursor store (C11)
	DatabaseURL       string
	DatabaseRequired  bool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	CursorStorePath   string

	// Security
	JWTSecret            string
	WebhookSharedSecrets map[string]string // fulfiller name -> shared secret
	TokenLifetime        time.Duration

	// List config source
	ListConfigPath string

	LogLevel string
}

// Load reads configuration from environment variables. Call Validate()
// afterward before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		LedgerRPCURL:       getEnv("LEDGER_RPC_URL", ""),
		LedgerChainID:      getEnvInt64("LEDGER_CHAIN_ID", 11155111),
		EscrowContractAddr: getEnv("ESCROW_CONTRACT_ADDRESS", ""),
		OraclePrivateKey:   getEnv("ORACLE_PRIVATE_KEY", ""),
		LedgerCallTimeout:  getEnvDuration("LEDGER_CALL_TIMEOUT", 20*time.Second),
		LedgerPollInterval: getEnvDuration("LEDGER_POLL_INTERVAL", 10*time.Second),
		LedgerLookback:     uint64(getEnvInt("LEDGER_LOOKBACK_BLOCKS", 1000)),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		GnssBackendURL: getEnv("GNSS_BACKEND_URL", ""),
		GnssTimeout:    getEnvDuration("GNSS_TIMEOUT", 15*time.Second),

		EventProviderTimeout: getEnvDuration("EVENT_PROVIDER_TIMEOUT", 10*time.Second),
		EventSearchRadiusKM:  getEnvFloat("EVENT_SEARCH_RADIUS_KM", 100),

		LLMNodeTimeout: getEnvDuration("LLM_NODE_TIMEOUT", 30*time.Second),

		FulfillerDispatchTimeout: getEnvDuration("FULFILLER_DISPATCH_TIMEOUT", 15*time.Second),

		DeliveryTimeout: getEnvDuration("DELIVERY_TIMEOUT", 24*time.Hour),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DatabaseRequired:  getEnvBool("DATABASE_REQUIRED", false),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		CursorStorePath:   getEnv("CURSOR_STORE_PATH", "./data/cursor"),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		WebhookSharedSecrets: parseKeyValueList(getEnv("WEBHOOK_SHARED_SECRETS", "")),
		TokenLifetime:        getEnvDuration("TOKEN_LIFETIME", 24*time.Hour),

		ListConfigPath: getEnv("LIST_CONFIG_PATH", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and secure.
// Must be called after Load() before starting the service.
func (c *Config) Validate() error {
	var errs []string

	if c.LedgerRPCURL == "" {
		errs = append(errs, "LEDGER_RPC_URL is required but not set")
	}
	if c.EscrowContractAddr == "" {
		errs = append(errs, "ESCROW_CONTRACT_ADDRESS is required but not set")
	}
	// Note: OraclePrivateKey is intentionally NOT required here. The ledger
	// adapter constructs successfully without it; every write just fails
	// with ErrOracleKeyUnavailable (spec.md §4.1). A read-only deployment
	// (e.g. a query-only replica) is legitimate.

	if c.DatabaseRequired && c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required because DATABASE_REQUIRED=true")
	}
	if c.DatabaseURL != "" && strings.Contains(c.DatabaseURL, "sslmode=disable") {
		errs = append(errs, "DATABASE_URL must not use sslmode=disable outside development")
	}

	if c.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required but not set")
	} else {
		weak := []string{"development", "secret", "password", "change-me", "changeme", "default", "test"}
		lower := strings.ToLower(c.JWTSecret)
		for _, w := range weak {
			if strings.Contains(lower, w) {
				errs = append(errs, "JWT_SECRET contains a weak/default value - generate a secure random secret")
				break
			}
		}
		if len(c.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters for security")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation for local development.
// Do not use in production.
func (c *Config) ValidateForDevelopment() error {
	if c.LedgerRPCURL == "" {
		return fmt.Errorf("development configuration validation failed:\n  - LEDGER_RPC_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseKeyValueList parses "name=secret,name2=secret2" into a map.
func parseKeyValueList(value string) map[string]string {
	out := make(map[string]string)
	if value == "" {
		return out
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}
