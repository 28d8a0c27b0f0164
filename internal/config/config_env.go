package config

import (
	"os"
	"time"
)

// ApplyEnvConfig applies configuration from environment variables
// (THLSHIP_*). It respects flags that have been explicitly set.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("source-id", os.Getenv("THLSHIP_SOURCE_ID"), &cfg.SourceID)
	s.setString("data-dir", os.Getenv("THLSHIP_DATA_DIR"), &cfg.DataDir)
	s.setString("store", os.Getenv("THLSHIP_STORE"), &cfg.Store)
	s.setString("log-level", os.Getenv("THLSHIP_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("metrics-addr", os.Getenv("THLSHIP_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("listen", os.Getenv("THLSHIP_LISTEN"), &cfg.ListenAddr)
	s.setString("tls-cert", os.Getenv("THLSHIP_TLS_CERT"), &cfg.TLSCertFile)
	s.setString("tls-key", os.Getenv("THLSHIP_TLS_KEY"), &cfg.TLSKeyFile)
	s.setString("tls-ca", os.Getenv("THLSHIP_TLS_CA"), &cfg.TLSCAFile)
	s.setStrings("master", splitList(os.Getenv("THLSHIP_MASTERS")), &cfg.MasterURIs)
	s.setString("preferred-role", os.Getenv("THLSHIP_PREFERRED_ROLE"), &cfg.PreferredRole)
	s.setString("partitioner", os.Getenv("THLSHIP_PARTITIONER"), &cfg.Partitioner)

	durations := []struct {
		flag string
		env  string
		dst  *time.Duration
	}{
		{"heartbeat-interval", "THLSHIP_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"flush-period", "THLSHIP_FLUSH_PERIOD", &cfg.FlushPeriod},
		{"join-timeout", "THLSHIP_JOIN_TIMEOUT", &cfg.JoinTimeout},
		{"preferred-role-timeout", "THLSHIP_PREFERRED_ROLE_TIMEOUT", &cfg.PreferredRoleTimeout},
		{"retry-interval", "THLSHIP_RETRY_INTERVAL", &cfg.RetryInterval},
		{"connect-timeout", "THLSHIP_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"read-timeout", "THLSHIP_READ_TIMEOUT", &cfg.ReadTimeout},
		{"max-offline-interval", "THLSHIP_MAX_OFFLINE_INTERVAL", &cfg.MaxOfflineInterval},
		{"max-delay-interval", "THLSHIP_MAX_DELAY_INTERVAL", &cfg.MaxDelayInterval},
		{"purge-interval", "THLSHIP_PURGE_INTERVAL", &cfg.PurgeInterval},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, os.Getenv(d.env), d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		flag string
		env  string
		dst  *int
	}{
		{"buffer-size", "THLSHIP_BUFFER_SIZE", &cfg.BufferSize},
		{"channels", "THLSHIP_CHANNELS", &cfg.Channels},
		{"queue-size", "THLSHIP_QUEUE_SIZE", &cfg.QueueSize},
		{"sync-interval", "THLSHIP_SYNC_INTERVAL", &cfg.SyncInterval},
	}
	for _, i := range ints {
		if err := s.setIntFromString(i.flag, os.Getenv(i.env), i.dst); err != nil {
			return err
		}
	}
	int64s := []struct {
		flag string
		env  string
		dst  *int64
	}{
		{"stop-at", "THLSHIP_STOP_AT", &cfg.StopAt},
		{"purge-high-watermark", "THLSHIP_PURGE_HIGH_WATERMARK", &cfg.PurgeHighWatermark},
		{"purge-low-watermark", "THLSHIP_PURGE_LOW_WATERMARK", &cfg.PurgeLowWatermark},
	}
	for _, i := range int64s {
		if err := s.setInt64FromString(i.flag, os.Getenv(i.env), i.dst); err != nil {
			return err
		}
	}

	s.setBoolFromString("compression", os.Getenv("THLSHIP_COMPRESSION"), &cfg.Compression)
	s.setBoolFromString("tolerate-catalog-errors", os.Getenv("THLSHIP_TOLERATE_CATALOG_ERRORS"), &cfg.TolerateCatalogErrors)

	return nil
}
