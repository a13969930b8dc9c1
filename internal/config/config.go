// Package config handles Argus agent-core configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/argus-observability/agentcore/internal/forge"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/argus/config.yaml, /config/config.yaml,
// /etc/argus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "argus", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/argus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agent-core configuration. Field layout mirrors the
// flat dot-notation key namespace named in spec.md §6
// (llm.*, budget.*, collectors.*, server.*, cors.*, storage.*) plus the
// additional namespaces the domain-stack expansion requires
// (catalog.*, redis.*, otel.*, notify.*, auth.*, forge.*).
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Budget     BudgetConfig     `yaml:"budget"`
	Collectors CollectorsConfig `yaml:"collectors"`
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Redis      RedisConfig      `yaml:"redis"`
	OTel       OTelConfig       `yaml:"otel"`
	Notify     NotifyConfig     `yaml:"notify"`
	Auth       AuthConfig       `yaml:"auth"`
	Forge      forge.Config     `yaml:"forge"`
	PublicURL  string           `yaml:"public_url"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
}

// AuthConfig configures the session cookie and API-key mechanisms
// internal/authn implements for spec.md §6/§7.
type AuthConfig struct {
	// SessionSecret signs the argus_session JWT cookie. Required in
	// production; left empty only for local dev, where `argusd serve`
	// generates a random one and warns, since a restart would otherwise invalidate
	// every signed-in browser session anyway.
	SessionSecret  string `yaml:"session_secret"`
	SessionTTLMins int    `yaml:"session_ttl_minutes"`
}

// SessionTTL returns the configured session lifetime, defaulting to 24h.
func (c AuthConfig) SessionTTL() time.Duration {
	if c.SessionTTLMins <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.SessionTTLMins) * time.Minute
}

// LLMConfig selects and authenticates the reasoning-loop provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, anthropic, gemini
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // override, mainly for gemini / self-hosted gateways
}

// Configured reports whether enough is set to construct a client.
func (c LLMConfig) Configured() bool {
	return c.Provider != "" && c.APIKey != ""
}

// BudgetConfig sets the rolling token-window limits consumed by
// internal/budget.
type BudgetConfig struct {
	HourlyLimit  int64  `yaml:"hourly_limit"`
	DailyLimit   int64  `yaml:"daily_limit"`
	MaxOvershoot int64  `yaml:"max_overshoot"`
	// RedisAddr, when set, backs the rolling windows with Redis sorted
	// sets instead of the in-memory fallback. See internal/budget.
	RedisAddr string `yaml:"redis_addr"`
}

// CollectorsConfig configures the host-collector producers that feed
// the ingestion endpoint (out of core scope, but the core advertises
// the interval it expects them to honor).
type CollectorsConfig struct {
	MetricsIntervalS int      `yaml:"metrics_interval_s"`
	LogPaths         []string `yaml:"log_paths"`
	MQTTBrokerURL    string   `yaml:"mqtt_broker_url"` // optional secondary ingest transport
}

// ServerConfig is the bind address for the HTTP/WS listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CORSConfig lists allowed browser origins for the REST catalog surface.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// StorageConfig points at the time-series store's backing file and
// retention policy.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	RetentionDays    int    `yaml:"retention_days"`
}

// CatalogConfig is the relational catalog store's connection string.
type CatalogConfig struct {
	DSN string `yaml:"dsn"` // postgres://... ; empty uses an embedded sqlite fallback for dev
}

// RedisConfig is shared by anything that wants a Redis connection
// beyond the Budget Manager's own redis_addr (kept separate so budget
// windows can point at a dedicated instance under load).
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// OTelConfig configures the OTLP trace exporter.
type OTelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	EndpointURL    string `yaml:"endpoint_url"`
	ServiceName    string `yaml:"service_name"`
}

// NotifyConfig configures outbound notification channels.
type NotifyConfig struct {
	SlackWebhookURL string     `yaml:"slack_webhook_url"`
	Email           EmailConfig `yaml:"email"`
}

// EmailConfig configures the SMTP notification sink.
type EmailConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	From     string `yaml:"from"`
	To       []string `yaml:"to"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${ARGUS_LLM_API_KEY}) for
	// container deployments that inject secrets that way.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Budget.HourlyLimit == 0 {
		c.Budget.HourlyLimit = 100_000
	}
	if c.Budget.DailyLimit == 0 {
		c.Budget.DailyLimit = 1_000_000
	}
	if c.Budget.MaxOvershoot == 0 {
		c.Budget.MaxOvershoot = c.Budget.HourlyLimit / 10
	}
	if c.Collectors.MetricsIntervalS == 0 {
		c.Collectors.MetricsIntervalS = 15
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "argus-agentcore"
	}
	c.Forge.ApplyDefaults()
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", c.Server.Port)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("llm.provider %q not recognized (openai, anthropic, gemini)", c.LLM.Provider)
	}
	if c.Budget.HourlyLimit <= 0 || c.Budget.DailyLimit <= 0 {
		return fmt.Errorf("budget.hourly_limit and budget.daily_limit must be positive")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be \"text\" or \"json\"", c.LogFormat)
	}
	if err := c.Forge.Validate(); err != nil {
		return err
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against an in-memory/sqlite-backed stack. All defaults
// are already applied.
func Default() *Config {
	cfg := &Config{
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
		},
	}
	cfg.applyDefaults()
	return cfg
}
