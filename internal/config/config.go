// Package config resolves the Seidr configuration from defaults, an optional
// YAML file, and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the full daemon configuration.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Scripts  ScriptConfig   `yaml:"scripts"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ProxyConfig controls the listener and upstream behaviour.
type ProxyConfig struct {
	BindAddress     string `yaml:"bind_address"`
	Port            int    `yaml:"port"`
	UpstreamTimeout int    `yaml:"upstream_timeout"` // seconds
	MaxConnections  int    `yaml:"max_connections"`
	BufferSize      int    `yaml:"buffer_size"` // bytes
}

// ScriptConfig controls the injection script registry and pipeline.
type ScriptConfig struct {
	Directory        string   `yaml:"directory"`
	Enabled          bool     `yaml:"enabled"`
	MaxExecutionTime int      `yaml:"max_execution_time"` // milliseconds per script
	AllowedDomains   []string `yaml:"allowed_domains"`
	BlockedDomains   []string `yaml:"blocked_domains"`
}

// LoggingConfig controls the audit sink.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SecurityConfig controls client authorization.
type SecurityConfig struct {
	RequireAuth  bool     `yaml:"require_auth"`
	AuthToken    string   `yaml:"auth_token"`
	RateLimit    int      `yaml:"rate_limit"` // requests per minute per IP, 0 disables
	WhitelistIPs []string `yaml:"whitelist_ips"`
	BlacklistIPs []string `yaml:"blacklist_ips"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			BindAddress:     "127.0.0.1",
			Port:            8080,
			UpstreamTimeout: 30,
			MaxConnections:  1000,
			BufferSize:      8192,
		},
		Scripts: ScriptConfig{
			Directory:        "scripts",
			Enabled:          true,
			MaxExecutionTime: 5000,
			AllowedDomains:   []string{"*"},
			BlockedDomains:   nil,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Security: SecurityConfig{
			RequireAuth:  false,
			AuthToken:    "",
			RateLimit:    100,
			WhitelistIPs: nil,
			BlacklistIPs: nil,
		},
	}
}

// Load resolves configuration from the given path. A missing file is not an
// error: the defaults are written back to disk so the operator has a template
// to edit, matching first-run behaviour. Environment variables prefixed with
// SEIDR_ take highest precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if writeErr := Save(cfg, path); writeErr != nil {
			return Config{}, fmt.Errorf("write default config %s: %w", path, writeErr)
		}
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save serialises the configuration to disk as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the proxy cannot run with.
func (c Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Proxy.MaxConnections < 1 {
		return fmt.Errorf("proxy.max_connections must be >= 1, got %d", c.Proxy.MaxConnections)
	}
	if c.Proxy.BufferSize < 1024 {
		return fmt.Errorf("proxy.buffer_size must be >= 1024, got %d", c.Proxy.BufferSize)
	}
	if c.Proxy.UpstreamTimeout < 1 {
		return fmt.Errorf("proxy.upstream_timeout must be >= 1, got %d", c.Proxy.UpstreamTimeout)
	}
	if c.Scripts.MaxExecutionTime < 1 {
		return fmt.Errorf("scripts.max_execution_time must be >= 1, got %d", c.Scripts.MaxExecutionTime)
	}
	if c.Security.RateLimit < 0 {
		return fmt.Errorf("security.rate_limit must be >= 0, got %d", c.Security.RateLimit)
	}
	if c.Security.RequireAuth && strings.TrimSpace(c.Security.AuthToken) == "" {
		return errors.New("security.require_auth is set but security.auth_token is empty")
	}
	return nil
}

// Addr reports the listener address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.BindAddress, c.Proxy.Port)
}

func applyEnvOverrides(cfg *Config) {
	if val := strings.TrimSpace(os.Getenv("SEIDR_ADDR")); val != "" {
		cfg.Proxy.BindAddress = val
	}
	if val := strings.TrimSpace(os.Getenv("SEIDR_PORT")); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.Port = parsed
		}
	}
	if val := strings.TrimSpace(os.Getenv("SEIDR_SCRIPTS_DIR")); val != "" {
		cfg.Scripts.Directory = val
	}
	if val := strings.TrimSpace(os.Getenv("SEIDR_SCRIPTS_ENABLED")); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			cfg.Scripts.Enabled = parsed
		}
	}
	if val := strings.TrimSpace(os.Getenv("SEIDR_AUTH_TOKEN")); val != "" {
		cfg.Security.AuthToken = val
	}
}
