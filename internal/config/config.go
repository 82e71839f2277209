// Package config handles smsagent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/smsagent/config.yaml, /etc/smsagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "smsagent", "config.yaml"))
	}

	paths = append(paths, "/etc/smsagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all smsagent configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MCP       MCPConfig       `yaml:"mcp"`
	SMS       SMSConfig       `yaml:"sms"`
	Suspend   SuspendConfig   `yaml:"suspend"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`

	// SystemPrompt replaces the built-in assistant prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// DatabaseConfig defines the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig defines the polling worker settings.
type WorkerConfig struct {
	// PollIntervalSec is the sleep between poll cycles, in seconds.
	// Applied on both the empty-queue and the error path. Default 30.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// MCPConfig defines the remote tool registry connection.
// When Command is set the registry is spawned as a subprocess and spoken
// to over stdio; otherwise URL selects the streamable HTTP transport.
type MCPConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
}

// SMSConfig defines the outbound SMS provider settings.
type SMSConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	// APIURL overrides the provider endpoint, mainly for tests.
	APIURL string `yaml:"api_url"`
}

// SuspendConfig defines suspended-conversation expiry settings.
type SuspendConfig struct {
	// TimeoutMinutes is how long a suspended conversation waits for
	// user input before timing out. Default 60.
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

// Configured reports whether outbound SMS delivery is usable.
func (c SMSConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Worker.PollIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Worker.PollIntervalSec) * time.Second
}

// SuspendTimeout returns the suspended-conversation timeout as a duration.
func (c *Config) SuspendTimeout() time.Duration {
	if c.Suspend.TimeoutMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(c.Suspend.TimeoutMinutes) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "smsagent.db"},
		Worker:   WorkerConfig{PollIntervalSec: 30},
		Anthropic: AnthropicConfig{
			Model: "claude-3-5-sonnet-20241022",
		},
		Suspend: SuspendConfig{TimeoutMinutes: 60},
	}
}
