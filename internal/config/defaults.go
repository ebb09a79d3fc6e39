package config

// Default values for configuration options, chosen as safe starting
// points that work without any config file present.
const (
	defaultDatabaseDirName = "collections"
	defaultConnectTimeout  = "10s"
	defaultDataTimeout     = "60s"
	defaultMaxRetries      = 5
	defaultCacheTTLSeconds = 300
	defaultCacheMaxSizeMiB = 10
	defaultCacheMode       = "cache_first"
	defaultTombstoneRetain = 30
	defaultPollInterval    = "5m"
	defaultShutdownTimeout = "30s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values, used
// both as the TOML decode target (so unset fields keep their defaults)
// and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Collections: make(map[string]CollectionConfig),
		Storage: StorageConfig{
			DatabaseDir: defaultDatabaseDirName,
		},
		Transport: TransportConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			MaxRetries:     defaultMaxRetries,
		},
		Cache: CacheConfig{
			TTLDefaultSeconds: defaultCacheTTLSeconds,
			MaxSizeMiB:        defaultCacheMaxSizeMiB,
			Mode:              defaultCacheMode,
		},
		Safety: SafetyConfig{
			TombstoneRetentionDays: defaultTombstoneRetain,
		},
		Sync: SyncConfig{
			PollInterval:    defaultPollInterval,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		// Metrics.ListenAddr defaults to "" — disabled until configured.
	}
}
