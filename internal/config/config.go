// Package config handles CLI, environment, and TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"aperture-proxy/internal/upstream"
)

// Defaults for the proxy listener and upstream client.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 5400
	DefaultAdminPort       = 5401
	DefaultBodyMaxBytes    = 10 * 1024 * 1024 // 10 MiB
	DefaultTimeoutSeconds  = 120
	DefaultIdleConnections = 100
	DefaultProgressMillis  = 250
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = defaultSearchPaths()

// reservedAdminRoutes are served by the admin listener and cannot be used as the metrics path.
var reservedAdminRoutes = []string{"/healthz", "/proxy/status", "/events"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='APERTURE_CONFIG'"`
	Host         string `kong:"help='Listen host (overrides config). Must be a loopback address.',env='APERTURE_HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='APERTURE_PORT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='APERTURE_LOG_LEVEL'"`
	AnthropicURL string `kong:"name='anthropic-url',help='Anthropic API root (overrides config).',env='APERTURE_ANTHROPIC_URL'"`
	OpenAIURL    string `kong:"name='openai-url',help='OpenAI API root (overrides config).',env='APERTURE_OPENAI_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Events   EventsConfig   `toml:"events"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (5400); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// AdminConfig holds settings for the health/status/metrics/events listener.
// It binds to the same host as the proxy listener.
type AdminConfig struct {
	Enabled *bool `toml:"enabled"` // nil means enabled
	Port    int   `toml:"port"`
}

// UpstreamConfig holds upstream addresses and connection settings.
type UpstreamConfig struct {
	AnthropicURL    string `toml:"anthropic_url"`
	OpenAIURL       string `toml:"openai_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	CAFile          string `toml:"ca_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled *bool  `toml:"enabled"` // nil means enabled
	Path    string `toml:"path"`
}

// EventsConfig controls event notification pacing.
type EventsConfig struct {
	ProgressIntervalMillis int `toml:"progress_interval_ms"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// An explicit path (via --config or APERTURE_CONFIG) must exist. Without one,
// configSearchPaths are tried; when none exists, defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AnthropicURL != "" {
		c.Upstream.AnthropicURL = cli.AnthropicURL
	}
	if cli.OpenAIURL != "" {
		c.Upstream.OpenAIURL = cli.OpenAIURL
	}
}

func (c *Config) validate() error {
	if ip := net.ParseIP(c.Server.Host); c.Server.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("server.host must be a loopback address; got %q", c.Server.Host)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.AdminEnabled() && c.Admin.Port == c.Server.Port {
		return fmt.Errorf("admin.port must differ from server.port; both are %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Events.ProgressIntervalMillis < 0 {
		return fmt.Errorf("events.progress_interval_ms must be non-negative; got %d", c.Events.ProgressIntervalMillis)
	}

	// Upstream URLs: absolute HTTPS.
	for key, raw := range map[string]string{
		"upstream.anthropic_url": c.Upstream.AnthropicURL,
		"upstream.openai_url":    c.Upstream.OpenAIURL,
	} {
		if err := validateUpstreamURL(raw); err != nil {
			return fmt.Errorf("%s %w", key, err)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.MetricsEnabled() {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedAdminRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateUpstreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must use HTTPS; got %q", raw)
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = DefaultBodyMaxBytes
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = DefaultAdminPort
	}
	if c.Upstream.AnthropicURL == "" {
		c.Upstream.AnthropicURL = upstream.DefaultAnthropicURL
	}
	if c.Upstream.OpenAIURL == "" {
		c.Upstream.OpenAIURL = upstream.DefaultOpenAIURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = DefaultIdleConnections
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Events.ProgressIntervalMillis == 0 {
		c.Events.ProgressIntervalMillis = DefaultProgressMillis
	}
}

// AdminEnabled reports whether the admin listener should run.
func (c *Config) AdminEnabled() bool {
	return c.Admin.Enabled == nil || *c.Admin.Enabled
}

// MetricsEnabled reports whether metrics are collected and exposed.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// Targets returns the upstream base addresses used by the resolver.
func (c *UpstreamConfig) Targets() upstream.Config {
	return upstream.Config{
		AnthropicURL: strings.TrimRight(c.AnthropicURL, "/"),
		OpenAIURL:    strings.TrimRight(c.OpenAIURL, "/"),
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func defaultSearchPaths() []string {
	paths := []string{"configs/aperture.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aperture", "config.toml"))
	}
	return paths
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// URL returns the base URL clients should point at, e.g. http://127.0.0.1:5400.
func (c *ServerConfig) URL() string {
	return "http://" + c.Addr()
}

// AdminAddr returns the admin listen address as host:port.
func (c *Config) AdminAddr() string {
	return net.JoinHostPort(c.Server.Host, fmt.Sprint(c.Admin.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
