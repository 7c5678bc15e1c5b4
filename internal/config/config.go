// Package config provides configuration loading and validation for karst.
// Supports YAML files with environment variable overrides.
package config

// Config holds all configuration for a karst tablet server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Store       StoreConfig       `yaml:"store"`
}

type ServerConfig struct {
	StatusAddr  string `yaml:"statusAddr" env:"KARST_STATUS_ADDR"`
	MetricsAddr string `yaml:"metricsAddr" env:"KARST_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"KARST_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"KARST_LOG_FORMAT"`
}

type MaintenanceConfig struct {
	NumThreads        int   `yaml:"numThreads" env:"KARST_MAINT_THREADS"`
	PollingIntervalMs int64 `yaml:"pollingIntervalMs" env:"KARST_MAINT_POLL_MS"`
	MemoryLimitBytes  int64 `yaml:"memoryLimitBytes" env:"KARST_MAINT_MEM_LIMIT"`
	MaxTsAnchoredSecs int64 `yaml:"maxTsAnchoredSecs" env:"KARST_MAINT_MAX_TS_SECS"`
	HistorySize       int   `yaml:"historySize" env:"KARST_MAINT_HISTORY_SIZE"`
}

type StoreConfig struct {
	DataDir            string `yaml:"dataDir" env:"KARST_DATA_DIR"`
	WALDir             string `yaml:"walDir" env:"KARST_WAL_DIR"`
	ArchiveDir         string `yaml:"archiveDir" env:"KARST_ARCHIVE_DIR"`
	MemStoreFlushBytes int64  `yaml:"memStoreFlushBytes" env:"KARST_MEMSTORE_FLUSH_BYTES"`
	WALRetentionSecs   int64  `yaml:"walRetentionSecs" env:"KARST_WAL_RETENTION_SECS"`
	ArchiveSegments    bool   `yaml:"archiveSegments" env:"KARST_WAL_ARCHIVE"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			StatusAddr:  ":8650",
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Maintenance: MaintenanceConfig{
			NumThreads:        4,
			PollingIntervalMs: 250,
			MemoryLimitBytes:  -1, // derive from total system memory
			MaxTsAnchoredSecs: 7200,
			HistorySize:       8,
		},
		Store: StoreConfig{
			DataDir:            "/var/lib/karst/data",
			WALDir:             "/var/lib/karst/wal",
			ArchiveDir:         "/var/lib/karst/archive",
			MemStoreFlushBytes: 64 * 1024 * 1024, // 64MB
			WALRetentionSecs:   3600,
			ArchiveSegments:    true,
		},
	}
}
