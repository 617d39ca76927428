package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
engine:
  lease_ttl: 2m
  retry:
    max_attempts: 3
drivers:
  - name: edge
    kind: docker
    options:
      host: ssh://deploy@edge-1
      routes_dir: /etc/caddy/sites
policy:
  settings:
    database_engines: [postgres]
`)

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want the default", cfg.Server.ShutdownTimeout)
	}
	if cfg.Engine.LeaseTTL != 2*time.Minute || cfg.Engine.Retry.MaxAttempts != 3 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Engine.Retry.BaseDelay != time.Second {
		t.Errorf("Retry.BaseDelay = %v, want the default", cfg.Engine.Retry.BaseDelay)
	}
	if len(cfg.Drivers) != 1 || cfg.Drivers[0].Name != "edge" || cfg.Drivers[0].Options["routes_dir"] != "/etc/caddy/sites" {
		t.Errorf("Drivers = %+v", cfg.Drivers)
	}
	engines, ok := cfg.Policy.Settings["database_engines"].([]interface{})
	if !ok || len(engines) != 1 || engines[0] != "postgres" {
		t.Errorf("Policy.Settings = %#v", cfg.Policy.Settings)
	}
	if cfg.Logs.Retention != 5000 {
		t.Errorf("Logs.Retention = %d, want the default", cfg.Logs.Retention)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOIST_DATABASE_PATH", "/var/lib/hoist/state.db")
	t.Setenv("HOIST_SERVER_RATE_LIMIT_BURST", "5")
	t.Setenv("HOIST_ENGINE_CERTIFICATES_HORIZON", "1h")
	t.Setenv("HOIST_GITHUB_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(viper.New(), writeConfig(t, "database:\n  path: from-file.db\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/hoist/state.db" {
		t.Errorf("Database.Path = %q, want the environment value", cfg.Database.Path)
	}
	if cfg.Server.RateLimit.Burst != 5 {
		t.Errorf("RateLimit.Burst = %d", cfg.Server.RateLimit.Burst)
	}
	if cfg.Engine.Certificates.Horizon != time.Hour {
		t.Errorf("Certificates.Horizon = %v", cfg.Engine.Certificates.Horizon)
	}
	if cfg.GitHub.WebhookSecret != "s3cret" {
		t.Errorf("GitHub.WebhookSecret = %q", cfg.GitHub.WebhookSecret)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() accepted a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "Server.Addr"},
		{"bad client url", func(c *Config) { c.Client.URL = "not a url" }, "Client.URL"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "Auth.Secret"},
		{"short secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Secret = "short"
		}, "at least 32 bytes"},
		{"unknown grant", func(c *Config) { c.Plugins.Grant = []string{"fs:write"} }, "Plugins.Grant[0]"},
		{"driver without kind", func(c *Config) { c.Drivers[0].Kind = "" }, "Drivers[0].Kind"},
		{"duplicate driver", func(c *Config) {
			c.Drivers = append(c.Drivers, c.Drivers[0])
		}, "configured twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", FileName)
	cfg := Default()
	cfg.Server.Addr = ":7000"
	cfg.Plugins.Grant = []string{"dns:lookup"}

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "lease_ttl: 10m0s") {
		t.Errorf("durations are not written as strings:\n%s", data)
	}

	loaded, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Addr != ":7000" || len(loaded.Plugins.Grant) != 1 {
		t.Errorf("loaded = %+v", loaded.Server)
	}
	if loaded.Engine.Pool != cfg.Engine.Pool || loaded.Engine.Certificates.Horizon != cfg.Engine.Certificates.Horizon {
		t.Errorf("engine config changed in the round trip: %+v", loaded.Engine)
	}

	if err := Write(path, cfg); err == nil {
		t.Error("Write() replaced an existing file")
	}
}
