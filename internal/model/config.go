// Package model defines the task snapshot, viewing context, and configuration
// types shared by the resolver, the store, and the daemon.
package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Logging  LoggingConfig  `yaml:"logging"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Poll     PollConfig     `yaml:"poll"`
	Cache    CacheConfig    `yaml:"cache"`
	Download DownloadConfig `yaml:"download"`
	Features Features       `yaml:"features"`
	Tables   TablesConfig   `yaml:"tables"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ConnTimeoutSec     int `yaml:"conn_timeout_sec"`
}

type PollConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSec     int `yaml:"ttl_sec"`
}

type DownloadConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

type TablesConfig struct {
	// OverrideFile replaces the built-in status tables when set. Relative
	// paths are resolved against the .taskconsole directory.
	OverrideFile string `yaml:"override_file"`
}

type AuditConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// Checksum stamps each entry so "status" can report tampered lines.
	Checksum     bool  `yaml:"checksum"`
}

const (
	DefaultPollIntervalSec   = 5
	DefaultCacheMaxEntries   = 1000
	DefaultCacheTTLSec       = 30
	DefaultRetentionDays     = 14
	DefaultScanIntervalSec   = 10
	DefaultShutdownTimeout   = 30
	DefaultConnTimeoutSec    = 30
	DefaultAuditMaxSizeBytes = 100 * 1024 * 1024
)

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = DefaultShutdownTimeout
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = DefaultScanIntervalSec
	}
	if c.Daemon.ConnTimeoutSec <= 0 {
		c.Daemon.ConnTimeoutSec = DefaultConnTimeoutSec
	}
	if c.Poll.IntervalSec <= 0 {
		c.Poll.IntervalSec = DefaultPollIntervalSec
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = DefaultCacheTTLSec
	}
	if c.Download.RetentionDays <= 0 {
		c.Download.RetentionDays = DefaultRetentionDays
	}
	if c.Audit.MaxSizeBytes <= 0 {
		c.Audit.MaxSizeBytes = DefaultAuditMaxSizeBytes
	}
}
