// Package config handles configuration loading and management for
// Shardweave. It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/shardweave/shardweave/pkg/models"
)

// Config holds all configuration for Shardweave.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Run      RunConfig      `mapstructure:"run"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// AgentConfig holds agent subprocess settings.
type AgentConfig struct {
	// Binary is the agent executable name or path.
	Binary string `mapstructure:"binary"`
	// Model is the model id requested at session start.
	Model string `mapstructure:"model"`
	// Autonomy is the autonomy level passed to the agent.
	Autonomy string `mapstructure:"autonomy"`
	// Mode selects how sessions are driven: "protocol" for the
	// handshake-based session protocol, "stream" for print-mode
	// streaming.
	Mode string `mapstructure:"mode"`
}

// RunConfig holds scheduling settings.
type RunConfig struct {
	// MaxParallel caps concurrently running shard sessions.
	MaxParallel int `mapstructure:"max_parallel"`
	// ShardFile is the default shard collection path.
	ShardFile string `mapstructure:"shard_file"`
}

// TimeoutsConfig holds protocol timeout settings.
type TimeoutsConfig struct {
	// Prompt bounds a whole agent turn.
	Prompt time.Duration `mapstructure:"prompt"`
	// Request bounds one request/response exchange.
	Request time.Duration `mapstructure:"request"`
	// Start bounds the session handshake.
	Start time.Duration `mapstructure:"start"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SHARDWEAVE_*)
// 2. Project config (.shardweave.yaml in current directory or parent)
// 3. User config (~/.config/shardweave/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("agent.binary", "SHARDWEAVE_AGENT_BINARY")
	v.BindEnv("agent.model", "SHARDWEAVE_MODEL")
	v.BindEnv("agent.autonomy", "SHARDWEAVE_AUTONOMY")
	v.BindEnv("run.max_parallel", "SHARDWEAVE_MAX_PARALLEL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no run could work with.
func (c *Config) Validate() error {
	if c.Agent.Autonomy != "" && !models.Autonomy(c.Agent.Autonomy).Valid() {
		return fmt.Errorf("unknown autonomy level %q", c.Agent.Autonomy)
	}
	if c.Agent.Mode != "" && c.Agent.Mode != "protocol" && c.Agent.Mode != "stream" {
		return fmt.Errorf("unknown agent mode %q", c.Agent.Mode)
	}
	if c.Run.MaxParallel < 1 {
		return fmt.Errorf("run.max_parallel must be at least 1, got %d", c.Run.MaxParallel)
	}
	if c.Timeouts.Prompt <= 0 {
		return fmt.Errorf("timeouts.prompt must be positive, got %s", c.Timeouts.Prompt)
	}
	if c.Timeouts.Request <= 0 {
		return fmt.Errorf("timeouts.request must be positive, got %s", c.Timeouts.Request)
	}
	return nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("agent.binary", cfg.Agent.Binary)
	v.Set("agent.model", cfg.Agent.Model)
	v.Set("agent.autonomy", cfg.Agent.Autonomy)
	v.Set("agent.mode", cfg.Agent.Mode)
	v.Set("run.max_parallel", cfg.Run.MaxParallel)
	v.Set("run.shard_file", cfg.Run.ShardFile)
	v.Set("timeouts.prompt", cfg.Timeouts.Prompt.String())
	v.Set("timeouts.request", cfg.Timeouts.Request.String())
	v.Set("timeouts.start", cfg.Timeouts.Start.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.model", "sonnet")
	v.SetDefault("agent.autonomy", string(models.DefaultAutonomy))
	v.SetDefault("agent.mode", "protocol")

	v.SetDefault("run.max_parallel", 3)
	v.SetDefault("run.shard_file", "shards.yaml")

	v.SetDefault("timeouts.prompt", "5m")
	v.SetDefault("timeouts.request", "30s")
	v.SetDefault("timeouts.start", "30s")
}

// getUserConfigDir returns the XDG config directory for Shardweave.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shardweave")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "shardweave")
	}
	return filepath.Join(home, ".config", "shardweave")
}

// findProjectConfig searches for .shardweave.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".shardweave.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary:   "claude",
			Model:    "sonnet",
			Autonomy: string(models.DefaultAutonomy),
			Mode:     "protocol",
		},
		Run: RunConfig{
			MaxParallel: 3,
			ShardFile:   "shards.yaml",
		},
		Timeouts: TimeoutsConfig{
			Prompt:  5 * time.Minute,
			Request: 30 * time.Second,
			Start:   30 * time.Second,
		},
	}
}
