package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	cfg.Sources = []SourceConfig{
		{ID: "cam-1", Name: "Front Door", Locator: "rtsp://10.0.0.10:554/stream1", Quality: "medium"},
	}
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"pong timeout must exceed ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"subscriber buffer must be > 0", func(c *Config) { c.Signal.SubscriberBuffer = 0 }},
		{"relay max failures must be > 0", func(c *Config) { c.Relay.MaxFailures = 0 }},
		{"relay grace period must be > 0", func(c *Config) { c.Relay.GracePeriod = 0 }},
		{"unknown default quality", func(c *Config) { c.Relay.DefaultQuality = "ultra" }},
		{"sweep interval below range", func(c *Config) { c.Grants.SweepInterval = 5 * time.Second }},
		{"sweep interval above range", func(c *Config) { c.Grants.SweepInterval = 5 * time.Minute }},
		{"empty base url", func(c *Config) { c.Grants.BaseURL = "" }},
		{"duplicated source id", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }},
		{"source without locator", func(c *Config) { c.Sources[0].Locator = "" }},
		{"guest role cannot be seeded", func(c *Config) {
			c.Users = []UserConfig{{ID: "u1", Username: "visitor", Role: "guest"}}
		}},
		{"tracing sample rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"backup without directory", func(c *Config) {
			c.Backup.Enabled = true
			c.Backup.Directory = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Relay.MaxFailures != 3 {
		t.Fatalf("expected default max failures 3, got %d", cfg.Relay.MaxFailures)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  address: ":9000"
grants:
  base_url: "https://cams.example.com"
  sweep_interval: 30s
sources:
  - id: cam-2
    name: Backyard
    locator: rtsp://10.0.0.11:554/stream1
    quality: high
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CAMRELAY_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("server.address = %q", cfg.Server.Address)
	}
	if cfg.Grants.SweepInterval != 30*time.Second {
		t.Fatalf("grants.sweep_interval = %v", cfg.Grants.SweepInterval)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Quality != "high" {
		t.Fatalf("unexpected sources: %+v", cfg.Sources)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q, want env override", cfg.Logging.Level)
	}
}
