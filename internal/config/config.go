// Package config loads the coordinator configuration from YAML with
// environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Provider     ProviderConfig     `yaml:"provider"`
	Store        StoreConfig        `yaml:"store"`
	Runner       RunnerConfig       `yaml:"runner"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Agents       []AgentConfig      `yaml:"agents"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	// Name selects the provider. Only "anthropic" is supported.
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Use ${ANTHROPIC_API_KEY}
	// in the file to read it from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used by agents that do not name a model.
	DefaultModel string `yaml:"default_model"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `yaml:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	// Pool settings apply to the postgres backend.
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RunnerConfig tunes the execution loop.
type RunnerConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	MaxTokens     int           `yaml:"max_tokens"`
	HistoryLimit  int           `yaml:"history_limit"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
}

// OrchestratorConfig tunes task tree dispatch.
type OrchestratorConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`

	// Tools names the registered tools this agent may use. Empty allows all.
	Tools []string `yaml:"tools"`
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes config from YAML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Provider.Name == "" {
		c.Provider.Name = "anthropic"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "conductor.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return errors.New("config: store.dsn is required for the postgres backend")
	}
	if c.Provider.Name != "anthropic" {
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, ag := range c.Agents {
		if ag.ID == "" {
			return fmt.Errorf("config: agents[%d] is missing an id", i)
		}
		if seen[ag.ID] {
			return fmt.Errorf("config: duplicate agent id %q", ag.ID)
		}
		seen[ag.ID] = true
	}
	return nil
}
