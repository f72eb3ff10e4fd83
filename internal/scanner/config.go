package scanner

import (
	"time"

	"github.com/aegis-io/aegis/internal/config"
)

// Default cadences in seconds.
const (
	defaultScanIntervalSeconds    = 300
	defaultLineageRefreshSeconds  = 3600
	defaultLineageLookbackSeconds = 7200
)

// Config holds the scheduler cadences.
type Config struct {
	// ScanInterval is the pause between full scan cycles.
	ScanInterval time.Duration

	// LineageInterval is the pause between lineage refresh cycles.
	LineageInterval time.Duration

	// LineageLookback is how far back each refresh reads the query log.
	LineageLookback time.Duration
}

// LoadConfig reads scheduler settings from the environment, falling back to
// defaults for anything unset.
func LoadConfig() Config {
	return Config{
		ScanInterval:    secondsEnv("SCAN_INTERVAL_SECONDS", defaultScanIntervalSeconds),
		LineageInterval: secondsEnv("LINEAGE_REFRESH_SECONDS", defaultLineageRefreshSeconds),
		LineageLookback: secondsEnv("LINEAGE_LOOKBACK_SECONDS", defaultLineageLookbackSeconds),
	}
}

func secondsEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(config.GetEnvInt(key, defaultSeconds)) * time.Second
}
