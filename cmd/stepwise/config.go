package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/provider"
	"github.com/rendis/stepwise/internal/tools"
)

// Config holds the CLI configuration.
// Priority: flags > STEPWISE_* env vars > config file > defaults.
type Config struct {
	DBPath           string                    `mapstructure:"db_path"`
	LogLevel         string                    `mapstructure:"log_level"`
	LogFormat        string                    `mapstructure:"log_format"`
	PoolSize         int                       `mapstructure:"pool_size"`
	MaxWorkflowDepth int                       `mapstructure:"max_workflow_depth"`
	WorkflowsDir     string                    `mapstructure:"workflows_dir"`
	Limits           governor.Limits           `mapstructure:"limits"`
	Resilience       provider.ResilienceConfig `mapstructure:"resilience"`
	Agents           []AgentConfig             `mapstructure:"agents"`
	MCPServers       []MCPServerConfig         `mapstructure:"mcp_servers"`
	Tools            ToolsConfig               `mapstructure:"tools"`
}

// ToolsConfig enables optional builtin tools. jq and expr are always on.
type ToolsConfig struct {
	HTTP     bool             `mapstructure:"http"`
	Crypto   bool             `mapstructure:"crypto"`
	HTTPOpts tools.HTTPConfig `mapstructure:"http_options"`
}

// AgentConfig declares an agent available to workflows.
type AgentConfig struct {
	Name string `mapstructure:"name"`
	// Provider is "echo" or "scripted".
	Provider      string   `mapstructure:"provider"`
	Replies       []string `mapstructure:"replies"` // scripted only
	System        string   `mapstructure:"system"`
	Model         string   `mapstructure:"model"`
	Tools         []string `mapstructure:"tools"`
	MaxIterations int      `mapstructure:"max_iterations"`
	Stream        bool     `mapstructure:"stream"`
	JSONOutput    bool     `mapstructure:"json_output"`
}

// MCPServerConfig declares an MCP server whose tools are registered under
// the server name, e.g. "fs.read_file".
type MCPServerConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

func stepwiseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func setDefaults(v *viper.Viper) {
	limits := governor.DefaultLimits()
	res := provider.DefaultResilienceConfig()

	v.SetDefault("db_path", filepath.Join(stepwiseDir(), "stepwise.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 10)
	v.SetDefault("max_workflow_depth", 8)
	v.SetDefault("workflows_dir", "")
	v.SetDefault("limits.max_execution_time", limits.MaxExecutionTime)
	v.SetDefault("limits.max_calls", limits.MaxCalls)
	v.SetDefault("limits.max_consecutive_errors", limits.MaxConsecutiveErrors)
	v.SetDefault("resilience.max_retries", res.MaxRetries)
	v.SetDefault("resilience.initial_interval", res.InitialInterval)
	v.SetDefault("resilience.max_interval", res.MaxInterval)
	v.SetDefault("resilience.failure_threshold", res.FailureThreshold)
	v.SetDefault("resilience.open_timeout", res.OpenTimeout)
	v.SetDefault("tools.http", false)
	v.SetDefault("tools.crypto", true)
}

// loadConfig layers defaults, the config file and the environment into v
// and decodes the result. A missing default config file is not an error.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("STEPWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".stepwise")
		v.AddConfigPath(stepwiseDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
