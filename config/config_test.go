package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rentalescrow/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rentald", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config on disk: %v", err)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.HMACSecret) != 64 {
		t.Fatalf("expected generated hmac secret, got %+v", cfg.Auth)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Auth.HMACSecret != cfg.Auth.HMACSecret {
		t.Fatalf("secret changed between loads")
	}
	if reloaded.Auth.ClockSkew.Duration != 2*time.Minute {
		t.Fatalf("unexpected clock skew %s", reloaded.Auth.ClockSkew)
	}
	if reloaded.Journal.Driver != "sqlite" {
		t.Fatalf("unexpected journal driver %q", reloaded.Journal.Driver)
	}
}

func TestLoadParsesFile(t *testing.T) {
	var raw [20]byte
	raw[0] = 0x42
	addr := crypto.FormatAddress(raw)

	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `RPCAddress = "127.0.0.1:9000"
DataDir = "/tmp/rental"
StorageBackend = "bolt"
DevMode = true

[Log]
Level = "debug"

[Auth]
Enabled = false
ClockSkew = "30s"

[RateLimit]
RequestsPerMinute = 60
Burst = 5

[Journal]
Driver = "postgres"
DSN = "postgres://rental@localhost/rental"

[[Allocations]]
Address = "` + addr + `"
Balance = "1000"

[[Assets]]
Contract = "` + addr + `"
TokenID = "7"
Owner = "` + addr + `"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:9000" || cfg.StorageBackend != "bolt" || !cfg.DevMode {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Auth.ClockSkew.Duration != 30*time.Second {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if len(cfg.Allocations) != 1 || cfg.Allocations[0].Balance != "1000" {
		t.Fatalf("unexpected allocations %+v", cfg.Allocations)
	}
	if len(cfg.Assets) != 1 || cfg.Assets[0].TokenID != "7" {
		t.Fatalf("unexpected assets %+v", cfg.Assets)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("ListenAddress = \":6001\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "backend", mutate: func(c *Config) { c.StorageBackend = "rocksdb" }},
		{name: "secret", mutate: func(c *Config) { c.Auth.Enabled = true; c.Auth.HMACSecret = "" }},
		{name: "journal driver", mutate: func(c *Config) { c.Journal.Driver = "mysql" }},
		{name: "journal dsn", mutate: func(c *Config) { c.Journal.Driver = "sqlite"; c.Journal.DSN = "" }},
		{name: "allocation address", mutate: func(c *Config) {
			c.Allocations = []Allocation{{Address: "nope", Balance: "1"}}
		}},
		{name: "asset id", mutate: func(c *Config) {
			addr := crypto.FormatAddress([20]byte{1})
			c.Assets = []Asset{{Contract: addr, Owner: addr, TokenID: "-1"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("defaults must validate: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	if v, err := ParseAmount(" 42 "); err != nil || v.Int64() != 42 {
		t.Fatalf("unexpected parse result %v %v", v, err)
	}
	for _, bad := range []string{"", "abc", "-1", "1.5"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
