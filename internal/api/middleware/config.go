package middleware

import (
	"time"

	"github.com/aegis-io/aegis/internal/config"
)

// RateLimitConfig holds rate limiter configuration.
//
// Rates are requests per second for two tiers: a global budget over all
// requests and a per-client budget keyed by remote address. Burst fields of
// 0 are computed automatically as 2 x rate.
type RateLimitConfig struct {
	GlobalRPS int
	ClientRPS int

	GlobalBurst int
	ClientBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadRateLimitConfig loads rate limiter config from environment variables
// with fallback to defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("AEGIS_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("AEGIS_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("AEGIS_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("AEGIS_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration("AEGIS_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("AEGIS_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("AEGIS_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
