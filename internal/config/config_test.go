package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store != StoreBolt {
		t.Errorf("Store = %q, want %q", cfg.Store, StoreBolt)
	}
	if cfg.StopAt != -1 {
		t.Errorf("StopAt = %d, want -1", cfg.StopAt)
	}
	if cfg.Channels != 1 || cfg.Partitioner != "hash" {
		t.Errorf("Channels/Partitioner = %d/%q", cfg.Channels, cfg.Partitioner)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.SourceID = "db1"
		cfg.Store = StoreMemory
		return cfg
	}

	tests := []struct {
		name    string
		mode    Mode
		mutate  func(*Config)
		wantErr string
		check   func(*testing.T, Config)
	}{
		{
			name: "serve derives listen address",
			mode: ModeServe,
			check: func(t *testing.T, c Config) {
				if c.ListenAddr != ":2112" {
					t.Errorf("ListenAddr = %q", c.ListenAddr)
				}
			},
		},
		{
			name:    "missing source id",
			mode:    ModeServe,
			mutate:  func(c *Config) { c.SourceID = "" },
			wantErr: "source-id",
		},
		{
			name:    "unknown store",
			mode:    ModeServe,
			mutate:  func(c *Config) { c.Store = "s3" },
			wantErr: "unknown store",
		},
		{
			name:    "half tls",
			mode:    ModeServe,
			mutate:  func(c *Config) { c.TLSCertFile = "cert.pem" },
			wantErr: "tls-cert",
		},
		{
			name:    "follow needs a master",
			mode:    ModeFollow,
			mutate:  func(c *Config) { c.MasterURIs = []string{" ", ""} },
			wantErr: "master uri",
		},
		{
			name: "follow trims uris",
			mode: ModeFollow,
			mutate: func(c *Config) {
				c.MasterURIs = []string{" thl://a:2112 ", "", "thl://b"}
			},
			check: func(t *testing.T, c Config) {
				if len(c.MasterURIs) != 2 || c.MasterURIs[0] != "thl://a:2112" {
					t.Errorf("MasterURIs = %q", c.MasterURIs)
				}
				if c.ListenAddr != "" {
					t.Errorf("ListenAddr = %q, want empty when following", c.ListenAddr)
				}
			},
		},
		{
			name: "read timeout below heartbeat",
			mode: ModeFollow,
			mutate: func(c *Config) {
				c.MasterURIs = []string{"thl://a"}
				c.ReadTimeout = time.Second
			},
			wantErr: "read timeout",
		},
		{
			name: "bolt store derives data dir",
			mode: ModeServe,
			mutate: func(c *Config) {
				c.Store = StoreBolt
				c.DataDir = ""
			},
			check: func(t *testing.T, c Config) {
				if !strings.Contains(c.DataDir, ".thlship") {
					t.Errorf("DataDir = %q", c.DataDir)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate(tt.mode)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestClientTLS(t *testing.T) {
	cfg := DefaultConfig()
	tlsCfg, err := cfg.ClientTLS()
	if err != nil || tlsCfg == nil {
		t.Fatalf("ClientTLS() = %v, %v", tlsCfg, err)
	}
	srv, err := cfg.ServerTLS()
	if err != nil || srv != nil {
		t.Errorf("ServerTLS() without cert = %v, %v", srv, err)
	}

	cfg.TLSCAFile = "/nonexistent/ca.pem"
	if _, err := cfg.ClientTLS(); err == nil {
		t.Error("ClientTLS() with missing CA succeeded")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" thl://a, ,thl://b ")
	if len(got) != 2 || got[0] != "thl://a" || got[1] != "thl://b" {
		t.Errorf("splitList() = %q", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") != nil")
	}
}
