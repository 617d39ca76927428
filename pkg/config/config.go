package config

import (
	"time"

	"github.com/hoistpaas/hoist/pkg/drivers"
	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/stores"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Config is the content of hoist.yaml.
type Config struct {
	Server   ServerConfig     `mapstructure:"server" yaml:"server"`
	Client   ClientConfig     `mapstructure:"client" yaml:"client"`
	Database stores.Config    `mapstructure:"database" yaml:"database"`
	Engine   engine.Config    `mapstructure:"engine" yaml:"engine"`
	Logs     logstream.Config `mapstructure:"logs" yaml:"logs"`

	// Drivers are the driver instances built at startup. Plugins found in
	// Plugins.Dir are added to them.
	Drivers []drivers.Config `mapstructure:"drivers" yaml:"drivers" validate:"dive"`

	Plugins   PluginsConfig    `mapstructure:"plugins" yaml:"plugins"`
	Policy    PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Auth      AuthConfig       `mapstructure:"auth" yaml:"auth"`
	GitHub    GitHubConfig     `mapstructure:"github" yaml:"github"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr              string          `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration   `mapstructure:"read_header_timeout" yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client request limiting. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// ClientConfig is used by CLI commands that talk to a running server.
type ClientConfig struct {
	URL     string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PluginsConfig configures WebAssembly driver discovery.
type PluginsConfig struct {
	// Dir holds one sub-directory per plugin. Empty disables discovery.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Grant lists the host capabilities plugins may request.
	Grant []string `mapstructure:"grant" yaml:"grant" validate:"dive,oneof=net:outbound dns:lookup"`
}

// PolicyConfig configures request admission.
type PolicyConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Paths   []string `mapstructure:"paths" yaml:"paths"`

	// Watch reloads policy files when they change.
	Watch bool `mapstructure:"watch" yaml:"watch"`

	// Settings are visible to policies as data.hoist.settings.
	Settings map[string]interface{} `mapstructure:"settings" yaml:"settings"`
}

// AuthConfig configures bearer-token authentication on the API.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Secret signs and verifies HS256 tokens. At least 32 bytes.
	Secret   string        `mapstructure:"secret" yaml:"secret" validate:"required_if=Enabled true"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl" validate:"gte=0"`
}

// GitHubConfig configures push webhooks and deployment statuses.
type GitHubConfig struct {
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables the webhook.
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// Token enables deployment status reporting.
	Token string `mapstructure:"token" yaml:"token"`

	// BaseURL points at a GitHub Enterprise API, e.g. https://ghe.example.com/api/v3/.
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`

	// Environment is the GitHub deployment environment name.
	Environment string `mapstructure:"environment" yaml:"environment"`

	// LogURL is a template for the status log link; {deployment} is replaced
	// with the deployment id.
	LogURL string `mapstructure:"log_url" yaml:"log_url"`
}

// Default returns the configuration used when hoist.yaml sets nothing.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Client: ClientConfig{
			URL:     "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path:            "hoist.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Engine: engine.DefaultConfig(),
		Logs:   logstream.DefaultConfig(),
		Drivers: []drivers.Config{
			{Name: "local", Kind: "memory"},
		},
		Plugins: PluginsConfig{
			Dir: "plugins",
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Watch:    true,
			Settings: map[string]interface{}{},
		},
		Auth: AuthConfig{
			Issuer:   "hoist",
			Audience: "hoist-api",
			TokenTTL: 24 * time.Hour,
		},
		GitHub: GitHubConfig{
			Environment: "production",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
