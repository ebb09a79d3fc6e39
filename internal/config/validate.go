package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minCacheSizeMiB     = 1
	minTombstoneRetain  = 1
	minPollInterval     = 30 * time.Second
	minShutdownTimeout  = 1 * time.Second
	minConnectTimeout   = 1 * time.Second
	minDataTimeout      = 1 * time.Second
	minMaxRetries       = 0
	maxMaxRetries       = 20
)

// Validate checks all configuration values and returns every error found
// rather than stopping at the first, so a user sees a complete report in
// one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateTransport(&cfg.Transport)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateSafety(&cfg.Safety)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if s.DatabaseDir == "" {
		errs = append(errs, errors.New("storage.database_dir: must not be empty"))
	}

	return errs
}

func validateTransport(t *TransportConfig) []error {
	var errs []error

	if d, err := time.ParseDuration(t.ConnectTimeout); err != nil || d < minConnectTimeout {
		errs = append(errs, fmt.Errorf("transport.connect_timeout: must be a duration >= %s, got %q", minConnectTimeout, t.ConnectTimeout))
	}

	if d, err := time.ParseDuration(t.DataTimeout); err != nil || d < minDataTimeout {
		errs = append(errs, fmt.Errorf("transport.data_timeout: must be a duration >= %s, got %q", minDataTimeout, t.DataTimeout))
	}

	if t.MaxRetries < minMaxRetries || t.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("transport.max_retries: must be between %d and %d, got %d", minMaxRetries, maxMaxRetries, t.MaxRetries))
	}

	return errs
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if c.TTLDefaultSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.cache_ttl_default_seconds: must be >= 0, got %d", c.TTLDefaultSeconds))
	}

	if c.MaxSizeMiB < minCacheSizeMiB {
		errs = append(errs, fmt.Errorf("cache.cache_max_size_mib: must be >= %d, got %d", minCacheSizeMiB, c.MaxSizeMiB))
	}

	if c.Mode != "cache_first" && c.Mode != "network_first" {
		errs = append(errs, fmt.Errorf("cache.cache_mode: must be %q or %q, got %q", "cache_first", "network_first", c.Mode))
	}

	return errs
}

func validateSafety(s *SafetyConfig) []error {
	var errs []error

	if s.TombstoneRetentionDays < minTombstoneRetain {
		errs = append(errs, fmt.Errorf("safety.tombstone_retention_days: must be >= %d, got %d", minTombstoneRetain, s.TombstoneRetentionDays))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if d, err := time.ParseDuration(s.PollInterval); err != nil || d < minPollInterval {
		errs = append(errs, fmt.Errorf("sync.poll_interval: must be a duration >= %s, got %q", minPollInterval, s.PollInterval))
	}

	if d, err := time.ParseDuration(s.ShutdownTimeout); err != nil || d < minShutdownTimeout {
		errs = append(errs, fmt.Errorf("sync.shutdown_timeout: must be a duration >= %s, got %q", minShutdownTimeout, s.ShutdownTimeout))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug/info/warn/error, got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto/text/json, got %q", l.LogFormat))
	}

	return errs
}
