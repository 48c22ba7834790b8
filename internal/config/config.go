package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config represents the complete application configuration.
type Config struct {
	Version  string         `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Provider ProviderConfig `yaml:"provider"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Storage  StorageConfig  `yaml:"storage"`
	Browser  BrowserConfig  `yaml:"browser"`
	Capture  CaptureConfig  `yaml:"capture"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// MaxBodyBytes bounds request bodies; backups can be large.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ProviderConfig describes the dashboard whose sessions are managed.
type ProviderConfig struct {
	// Domain is appended to the project id to build the auth endpoint host.
	Domain       string `yaml:"domain"`
	KeyPrefix    string `yaml:"key_prefix"`
	KeySuffix    string `yaml:"key_suffix"`
	DashboardURL string `yaml:"dashboard_url"`
	PageHost     string `yaml:"page_host"`
	// AnonKeys maps project id to the public anon key sent as the apikey header.
	AnonKeys map[string]string `yaml:"anon_keys"`
	// BaseURL overrides the per-project endpoint, e.g. for a local stub.
	BaseURL string `yaml:"base_url"`
}

// RefreshConfig controls the token lifecycle.
type RefreshConfig struct {
	Threshold        time.Duration `yaml:"threshold"`
	DefaultExpiresIn time.Duration `yaml:"default_expires_in"`
	Timeout          time.Duration `yaml:"timeout"`
	Schedule         string        `yaml:"schedule"`
	Concurrency      int           `yaml:"concurrency"`
	UseUTLS          bool          `yaml:"use_utls"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// BrowserConfig points at a Chrome instance started with remote debugging.
type BrowserConfig struct {
	DebugURL string        `yaml:"debug_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CaptureConfig toggles login-completion detection.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.Server.Host = "127.0.0.1"
	cfg.Capture.Enabled = true
	cfg.API.Enabled = true
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort == 0 {
		s.HTTPPort = 8319
	}
	if s.HTTPPort < 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/api/v1"
	}
	if !strings.HasPrefix(a.BasePath, "/") {
		return fmt.Errorf("base_path must start with /")
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 600
	}
	if a.RateLimit.RequestsPerMinute > 100000 {
		a.RateLimit.RequestsPerMinute = 100000
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 60
	}
	if a.RateLimit.Burst > 10000 {
		a.RateLimit.Burst = 10000
	}
	if a.MaxBodyBytes <= 0 {
		a.MaxBodyBytes = 8 << 20
	}
	return nil
}

// Validate validates provider configuration.
func (p *ProviderConfig) Validate() error {
	if p.Domain == "" {
		p.Domain = "supabase.co"
	}
	if p.KeyPrefix == "" {
		p.KeyPrefix = "sb"
	}
	if p.KeySuffix == "" {
		p.KeySuffix = "auth-token"
	}
	if p.DashboardURL == "" {
		p.DashboardURL = "https://supabase.com/dashboard"
	}
	u, err := url.Parse(p.DashboardURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("dashboard_url must be an absolute URL")
	}
	if p.PageHost == "" {
		p.PageHost = u.Hostname()
	}
	if p.BaseURL != "" {
		if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	return nil
}

// Validate validates refresh configuration.
func (r *RefreshConfig) Validate() error {
	if r.Threshold < 0 || r.DefaultExpiresIn < 0 || r.Timeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if r.Threshold == 0 {
		r.Threshold = 300 * time.Second
	}
	if r.DefaultExpiresIn == 0 {
		r.DefaultExpiresIn = 3600 * time.Second
	}
	if r.Timeout == 0 {
		r.Timeout = 15 * time.Second
	}
	if r.Schedule == "" {
		r.Schedule = "@every 5m"
	}
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", r.Schedule, err)
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative")
	}
	if r.Concurrency == 0 {
		r.Concurrency = 1
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	if s.Driver == "" {
		s.Driver = DriverSQLite
	}
	switch s.Driver {
	case DriverSQLite, DriverBolt:
		if s.Path == "" {
			s.Path = "./data/sbswitch.db"
		}
	case DriverMemory:
	default:
		return fmt.Errorf("driver must be one of: sqlite, bolt, memory")
	}
	return nil
}

// Validate validates browser configuration.
func (b *BrowserConfig) Validate() error {
	if b.DebugURL == "" {
		b.DebugURL = "http://127.0.0.1:9222"
	}
	if b.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if b.Timeout == 0 {
		b.Timeout = 20 * time.Second
	}
	return nil
}
