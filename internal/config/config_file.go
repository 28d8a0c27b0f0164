package config

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	SourceID    string `toml:"source_id"`
	DataDir     string `toml:"data_dir"`
	Store       string `toml:"store"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	ListenAddr        string `toml:"listen"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	BufferSize        int    `toml:"buffer_size"`
	FlushPeriod       string `toml:"flush_period"`
	JoinTimeout       string `toml:"join_timeout"`
	TLSCertFile       string `toml:"tls_cert"`
	TLSKeyFile        string `toml:"tls_key"`
	TLSCAFile         string `toml:"tls_ca"`

	MasterURIs           []string `toml:"masters"`
	PreferredRole        string   `toml:"preferred_role"`
	PreferredRoleTimeout string   `toml:"preferred_role_timeout"`
	RetryInterval        string   `toml:"retry_interval"`
	ConnectTimeout       string   `toml:"connect_timeout"`
	ReadTimeout          string   `toml:"read_timeout"`
	Compression          *bool    `toml:"compression"`

	Channels              int    `toml:"channels"`
	Partitioner           string `toml:"partitioner"`
	QueueSize             int    `toml:"queue_size"`
	SyncInterval          int    `toml:"sync_interval"`
	MaxOfflineInterval    string `toml:"max_offline_interval"`
	MaxDelayInterval      string `toml:"max_delay_interval"`
	TolerateCatalogErrors *bool  `toml:"tolerate_catalog_errors"`
	StopAt                *int64 `toml:"stop_at"`

	PurgeHighWatermark *int64 `toml:"purge_high_watermark"`
	PurgeLowWatermark  *int64 `toml:"purge_low_watermark"`
	PurgeInterval      string `toml:"purge_interval"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.thlship/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".thlship", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("source-id", fc.SourceID, &cfg.SourceID)
	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("store", fc.Store, &cfg.Store)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("tls-cert", fc.TLSCertFile, &cfg.TLSCertFile)
	s.setString("tls-key", fc.TLSKeyFile, &cfg.TLSKeyFile)
	s.setString("tls-ca", fc.TLSCAFile, &cfg.TLSCAFile)
	s.setStrings("master", fc.MasterURIs, &cfg.MasterURIs)
	s.setString("preferred-role", fc.PreferredRole, &cfg.PreferredRole)
	s.setString("partitioner", fc.Partitioner, &cfg.Partitioner)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"heartbeat-interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"flush-period", fc.FlushPeriod, &cfg.FlushPeriod},
		{"join-timeout", fc.JoinTimeout, &cfg.JoinTimeout},
		{"preferred-role-timeout", fc.PreferredRoleTimeout, &cfg.PreferredRoleTimeout},
		{"retry-interval", fc.RetryInterval, &cfg.RetryInterval},
		{"connect-timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"read-timeout", fc.ReadTimeout, &cfg.ReadTimeout},
		{"max-offline-interval", fc.MaxOfflineInterval, &cfg.MaxOfflineInterval},
		{"max-delay-interval", fc.MaxDelayInterval, &cfg.MaxDelayInterval},
		{"purge-interval", fc.PurgeInterval, &cfg.PurgeInterval},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("buffer-size", fc.BufferSize, &cfg.BufferSize)
	s.setInt("channels", fc.Channels, &cfg.Channels)
	s.setInt("queue-size", fc.QueueSize, &cfg.QueueSize)
	s.setInt("sync-interval", fc.SyncInterval, &cfg.SyncInterval)
	s.setInt64("stop-at", fc.StopAt, &cfg.StopAt)
	s.setInt64("purge-high-watermark", fc.PurgeHighWatermark, &cfg.PurgeHighWatermark)
	s.setInt64("purge-low-watermark", fc.PurgeLowWatermark, &cfg.PurgeLowWatermark)

	s.setBool("compression", fc.Compression, &cfg.Compression)
	s.setBool("tolerate-catalog-errors", fc.TolerateCatalogErrors, &cfg.TolerateCatalogErrors)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
