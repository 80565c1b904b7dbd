package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration
type Config struct {
	API         APIConfig         `yaml:"api"`
	Channel     ChannelConfig     `yaml:"channel"`
	Auth        AuthConfig        `yaml:"auth"`
	Cache       CacheConfig       `yaml:"cache"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Log         LogConfig         `yaml:"log"`
}

// APIConfig configures the REST data source
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Routes  Routes        `yaml:"routes"`
}

// Routes maps logical endpoints to paths relative to BaseURL
type Routes struct {
	Login         string `yaml:"login"`
	Refresh       string `yaml:"refresh"`
	Logout        string `yaml:"logout"`
	Profile       string `yaml:"profile"`
	Portfolios    string `yaml:"portfolios"`
	Investments   string `yaml:"investments"`
	BankAccounts  string `yaml:"bank_accounts"`
	Transactions  string `yaml:"transactions"`
	Deposits      string `yaml:"deposits"`
	Withdrawals   string `yaml:"withdrawals"`
	Notifications string `yaml:"notifications"`
	Balance       string `yaml:"balance"`
}

// ChannelConfig configures the real-time notification channel
type ChannelConfig struct {
	URL            string        `yaml:"url"`
	Enabled        bool          `yaml:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	HandshakeTime  time.Duration `yaml:"handshake_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// AuthConfig configures token handling
type AuthConfig struct {
	// RefreshSkew triggers a proactive refresh when the access token
	// expires within this window. Zero disables proactive refresh.
	RefreshSkew time.Duration `yaml:"refresh_skew"`
}

// CachePolicy holds freshness and retention for one resource group
type CachePolicy struct {
	Stale   time.Duration `yaml:"stale"`
	Collect time.Duration `yaml:"collect"`
}

// CacheConfig configures per-resource cache policies
type CacheConfig struct {
	Default    CachePolicy            `yaml:"default"`
	Resources  map[string]CachePolicy `yaml:"resources"`
	GCInterval time.Duration          `yaml:"gc_interval"`
}

// CredentialsConfig configures the durable credential store
type CredentialsConfig struct {
	// Backend is "file" or "memory"
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Passphrase string `yaml:"-"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api/v1",
			Timeout: 15 * time.Second,
			Routes: Routes{
				Login:         "/auth/login",
				Refresh:       "/auth/refresh",
				Logout:        "/auth/logout",
				Profile:       "/auth/me",
				Portfolios:    "/portfolios",
				Investments:   "/investments",
				BankAccounts:  "/bank-accounts",
				Transactions:  "/transactions",
				Deposits:      "/deposits",
				Withdrawals:   "/withdrawals",
				Notifications: "/notifications",
				Balance:       "/balance",
			},
		},
		Channel: ChannelConfig{
			URL:            "ws://localhost:8000/ws/notifications",
			Enabled:        true,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			HandshakeTime:  10 * time.Second,
			PollInterval:   time.Minute,
		},
		Auth: AuthConfig{
			RefreshSkew: 30 * time.Second,
		},
		Cache: CacheConfig{
			Default: CachePolicy{Stale: time.Minute, Collect: 10 * time.Minute},
			Resources: map[string]CachePolicy{
				"bankAccounts":  {Stale: 5 * time.Minute, Collect: 30 * time.Minute},
				"profile":       {Stale: 5 * time.Minute, Collect: 30 * time.Minute},
				"portfolios":    {Stale: time.Minute, Collect: 10 * time.Minute},
				"investments":   {Stale: time.Minute, Collect: 10 * time.Minute},
				"investment":    {Stale: time.Minute, Collect: 10 * time.Minute},
				"balance":       {Stale: 30 * time.Second, Collect: 10 * time.Minute},
				"transactions":  {Stale: 30 * time.Second, Collect: 5 * time.Minute},
				"marketplace":   {Stale: 15 * time.Second, Collect: 5 * time.Minute},
				"notifications": {Stale: 30 * time.Second, Collect: 5 * time.Minute},
			},
			GCInterval: time.Minute,
		},
		Credentials: CredentialsConfig{
			Backend: "file",
			Path:    filepath.Join(home, ".portal", "credentials.json"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORTAL_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv("PORTAL_CHANNEL_URL"); v != "" {
		c.Channel.URL = v
	}
	if v := getenv("PORTAL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("PORTAL_CREDENTIALS"); v != "" {
		c.Credentials.Path = v
	}
	if v := getenv("PORTAL_PASSPHRASE"); v != "" {
		c.Credentials.Passphrase = v
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Channel.Enabled {
		u, err := url.Parse(c.Channel.URL)
		if err != nil {
			return fmt.Errorf("channel.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("channel.url must use ws or wss, got %q", u.Scheme)
		}
	}
	if c.Channel.InitialBackoff <= 0 || c.Channel.MaxBackoff < c.Channel.InitialBackoff {
		return fmt.Errorf("channel backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Auth.RefreshSkew < 0 {
		return fmt.Errorf("auth.refresh_skew must be non-negative")
	}
	if c.Cache.Default.Stale < 0 || c.Cache.Default.Collect < c.Cache.Default.Stale {
		return fmt.Errorf("cache.default: collect must be >= stale >= 0")
	}
	for name, p := range c.Cache.Resources {
		if p.Stale < 0 || p.Collect < p.Stale {
			return fmt.Errorf("cache.resources.%s: collect must be >= stale >= 0", name)
		}
	}
	switch c.Credentials.Backend {
	case "memory":
	case "file":
		if c.Credentials.Path == "" {
			return fmt.Errorf("credentials.path is required for the file backend")
		}
	default:
		return fmt.Errorf("credentials.backend must be file or memory, got %q", c.Credentials.Backend)
	}
	return nil
}
