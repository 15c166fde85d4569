// Package config handles configuration loading and management for Loom.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/jmorrell/loom/internal/budget"
	"github.com/jmorrell/loom/pkg/models"
)

// Config holds all configuration for Loom.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Data         DataConfig         `mapstructure:"data"`
	Bus          BusConfig          `mapstructure:"bus"`
	Budget       budget.Policy      `mapstructure:"budget"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Arbiter      ArbiterConfig      `mapstructure:"arbiter"`
}

// BusConfig holds context bus settings.
type BusConfig struct {
	// LockTTL is the default exclusive lock lifetime. Locks past their TTL
	// are reclaimable by other writers.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. ${VAR} references are
	// expanded.
	APIKey string `mapstructure:"api_key"`
	// UseBedrock routes backend calls through AWS Bedrock instead of the
	// Anthropic API directly.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// PrimaryModel is the model used for the primary tier.
	PrimaryModel string `mapstructure:"primary_model"`
	// EconomicalModel is the model used for the economical tier.
	EconomicalModel string `mapstructure:"economical_model"`
}

// DataConfig locates persistent state.
type DataConfig struct {
	// Dir is the data directory holding the database and logs.
	Dir string `mapstructure:"dir"`
}

// OrchestratorConfig holds dispatch settings.
type OrchestratorConfig struct {
	// MaxConcurrency bounds simultaneously running agent tasks.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// SLA is the wall-clock budget for a whole project. Zero disables it.
	SLA time.Duration `mapstructure:"sla"`
}

// WorkflowConfig holds stage machine settings.
type WorkflowConfig struct {
	// PlanPath points at the stage plan YAML. Empty selects the built-in plan.
	PlanPath string `mapstructure:"plan_path"`
	// MaxRetries bounds gate rejections per sub-stage.
	MaxRetries int `mapstructure:"max_retries"`
}

// ArbiterConfig holds conflict resolution settings.
type ArbiterConfig struct {
	// ConfidenceThreshold is the minimum accepted model confidence.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// DatabasePath returns the sqlite database location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.Dir, "loom.db")
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
//  1. Environment variables (LOOM_*, ANTHROPIC_API_KEY)
//  2. Project config (.loom.yaml in current directory or a parent)
//  3. User config (~/.config/loom/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Data.Dir = os.ExpandEnv(cfg.Data.Dir)
	normalize(cfg)
	return cfg, nil
}

// normalize fills gaps a partial config file leaves.
func normalize(cfg *Config) {
	if cfg.Budget.Prices == nil {
		cfg.Budget.Prices = budget.DefaultPriceTable
	}
	if cfg.Budget.FloorTier == "" {
		cfg.Budget.FloorTier = models.TierLocal
	}
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
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.primary_model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.economical_model", "claude-haiku-4-5")

	v.SetDefault("data.dir", defaultDataDir())

	v.SetDefault("bus.lock_ttl", "30s")

	v.SetDefault("budget.daily_cap_micro_usd", 0)
	v.SetDefault("budget.monthly_cap_micro_usd", 0)
	v.SetDefault("budget.floor_tier", string(models.TierLocal))
	v.SetDefault("budget.error_rate_threshold", 0.5)
	v.SetDefault("budget.error_window", "1m")

	v.SetDefault("orchestrator.max_concurrency", 4)
	v.SetDefault("orchestrator.sla", "0s")

	v.SetDefault("workflow.plan_path", "")
	v.SetDefault("workflow.max_retries", 3)

	v.SetDefault("arbiter.confidence_threshold", 0.8)
}

// getUserConfigDir returns the XDG config directory for Loom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// defaultDataDir returns the XDG data directory for Loom.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loom")
	}
	return filepath.Join(home, ".local", "share", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".loom.yaml")
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
