// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the sync engine.
package config

// Config is the top-level configuration structure: one block per engine
// concern (collections, storage, transport, crypto, cache, safety, sync)
// plus the ambient sections (logging, metrics).
type Config struct {
	Collections map[string]CollectionConfig `toml:"collection"`
	Storage     StorageConfig               `toml:"storage"`
	Transport   TransportConfig             `toml:"transport"`
	Crypto      CryptoConfig                `toml:"crypto"`
	Cache       CacheConfig                 `toml:"cache"`
	Safety      SafetyConfig                `toml:"safety"`
	Sync        SyncConfig                  `toml:"sync"`
	Logging     LoggingConfig               `toml:"logging"`
	Metrics     MetricsConfig               `toml:"metrics"`
}

// CollectionConfig holds the one per-collection override the engine
// recognizes: the tombstone tie-break policy. Keyed by collection name in
// the [collection.NAME] TOML table.
type CollectionConfig struct {
	PreferDeletions bool `toml:"prefer_deletions"`
}

// StorageConfig controls where collection databases live on disk.
type StorageConfig struct {
	DatabaseDir string `toml:"database_dir"`
}

// TransportConfig controls the HTTP BSO client.
type TransportConfig struct {
	BaseURL        string `toml:"base_url"`
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	MaxRetries     int    `toml:"max_retries"`
}

// CryptoConfig names where the root sync key material is kept. The key
// itself is never stored in the TOML file — "encryption_key" is treated
// here as a path, not inline secret material.
type CryptoConfig struct {
	SyncKeyFile string `toml:"sync_key_file"`
}

// CacheConfig controls the ads-cache collection variant.
type CacheConfig struct {
	TTLDefaultSeconds int    `toml:"cache_ttl_default_seconds"`
	MaxSizeMiB        int    `toml:"cache_max_size_mib"`
	Mode              string `toml:"cache_mode"` // "cache_first" or "network_first"
}

// SafetyConfig controls protective defaults.
type SafetyConfig struct {
	TombstoneRetentionDays int `toml:"tombstone_retention_days"`
}

// SyncConfig controls the sync loop's scheduling.
type SyncConfig struct {
	PollInterval    string `toml:"poll_interval"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// MetricsConfig controls the Prometheus exposition endpoint served during
// "syncctl sync --watch". Empty ListenAddr disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}
