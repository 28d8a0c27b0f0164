// Package config holds the CLI configuration of thlship and loads it from
// flags, THLSHIP_* environment variables and a TOML file, in that order of
// precedence.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Mode selects which half of Config is validated.
type Mode int

const (
	// ModeServe runs a master serving its log.
	ModeServe Mode = iota
	// ModeFollow runs a slave replicating from a master.
	ModeFollow
)

// Store backends.
const (
	StoreBolt   = "bolt"
	StoreMemory = "memory"
)

// Config holds CLI configuration for both roles.
type Config struct {
	SourceID    string
	DataDir     string
	Store       string
	LogLevel    string
	MetricsAddr string

	// Server side. ListenAddr is optional when following; setting it
	// serves the local log to downstream slaves.
	ListenAddr        string
	HeartbeatInterval time.Duration
	BufferSize        int
	FlushPeriod       time.Duration
	JoinTimeout       time.Duration
	TLSCertFile       string
	TLSKeyFile        string
	TLSCAFile         string

	// Client side.
	MasterURIs           []string
	PreferredRole        string
	PreferredRoleTimeout time.Duration
	RetryInterval        time.Duration
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	Compression          bool

	// Parallel apply.
	Channels              int
	Partitioner           string
	QueueSize             int
	SyncInterval          int
	MaxOfflineInterval    time.Duration
	MaxDelayInterval      time.Duration
	TolerateCatalogErrors bool
	StopAt                int64

	// Retention, in transactions. A zero high watermark keeps everything.
	PurgeHighWatermark int64
	PurgeLowWatermark  int64
	PurgeInterval      time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		SourceID:           host,
		Store:              StoreBolt,
		LogLevel:           "info",
		HeartbeatInterval:  3 * time.Second,
		BufferSize:         10,
		FlushPeriod:        time.Second,
		JoinTimeout:        10 * time.Second,
		RetryInterval:      30 * time.Second,
		ConnectTimeout:     5 * time.Second,
		ReadTimeout:        30 * time.Second,
		Channels:           1,
		Partitioner:        "hash",
		QueueSize:          100,
		SyncInterval:       2000,
		MaxOfflineInterval: 0,
		MaxDelayInterval:   60 * time.Second,
		StopAt:             -1,
		PurgeInterval:      10 * time.Minute,
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate(mode Mode) error {
	if c.SourceID == "" {
		return fmt.Errorf("source-id is required")
	}
	switch c.Store {
	case StoreBolt:
		if c.DataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("data-dir is required")
			}
			c.DataDir = filepath.Join(home, ".thlship", "data")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreBolt, StoreMemory)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.PurgeHighWatermark < 0 || c.PurgeLowWatermark < 0 {
		return fmt.Errorf("purge watermarks must not be negative")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls-cert and tls-key must be set together")
	}

	switch mode {
	case ModeServe:
		if c.ListenAddr == "" {
			c.ListenAddr = ":2112"
		}
	case ModeFollow:
		uris := c.MasterURIs[:0]
		for _, u := range c.MasterURIs {
			if u = strings.TrimSpace(u); u != "" {
				uris = append(uris, u)
			}
		}
		c.MasterURIs = uris
		if len(c.MasterURIs) == 0 {
			return fmt.Errorf("at least one master uri is required")
		}
		if c.Channels <= 0 {
			return fmt.Errorf("channels must be positive")
		}
		if c.ReadTimeout > 0 && c.ReadTimeout <= c.HeartbeatInterval {
			return fmt.Errorf("read timeout %s must exceed heartbeat interval %s", c.ReadTimeout, c.HeartbeatInterval)
		}
		if c.MaxOfflineInterval < 0 || c.MaxDelayInterval < 0 {
			return fmt.Errorf("lag intervals must not be negative")
		}
	}
	return nil
}

// ServerTLS returns the listener TLS configuration, or nil when no
// certificate is configured.
func (c *Config) ServerTLS() (*tls.Config, error) {
	if c.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ClientTLS returns the dialer TLS configuration for thls:// masters.
func (c *Config) ClientTLS() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSCAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("read tls ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", c.TLSCAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt64(flag string, value *int64, dst *int64) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
