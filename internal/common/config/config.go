// Package config provides configuration management for agentmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmesh.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session store configuration.
// An empty path selects the in-memory repository.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// MaxConcurrent bounds the number of agents processing at once.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// StreamChunkMaxSize caps the size of a single streamed response chunk in bytes.
	StreamChunkMaxSize int `mapstructure:"streamChunkMaxSize"`

	// DefinitionsFile is an optional YAML file describing configured agents.
	DefinitionsFile string `mapstructure:"definitionsFile"`

	// ToolTimeout is the default per-tool-call timeout in seconds.
	ToolTimeout int `mapstructure:"toolTimeout"`
}

// OrchestratorConfig holds plan execution configuration.
type OrchestratorConfig struct {
	// ParallelismCap bounds concurrent step execution within one plan.
	ParallelismCap int `mapstructure:"parallelismCap"`

	// StepTimeout is the default per-step timeout in seconds.
	StepTimeout int `mapstructure:"stepTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StepTimeoutDuration returns the step timeout as a time.Duration.
func (o *OrchestratorConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(o.StepTimeout) * time.Second
}

// ToolTimeoutDuration returns the tool timeout as a time.Duration.
func (a *AgentConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(a.ToolTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path means in-memory session store
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.maxConcurrent", 8)
	v.SetDefault("agent.streamChunkMaxSize", 16*1024)
	v.SetDefault("agent.definitionsFile", "")
	v.SetDefault("agent.toolTimeout", 60)

	// Orchestrator defaults
	v.SetDefault("orchestrator.parallelismCap", 8)
	v.SetDefault("orchestrator.stepTimeout", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.path", "AGENTMESH_DB_PATH")
	_ = v.BindEnv("agent.maxConcurrent", "AGENTMESH_AGENT_MAX_CONCURRENT")
	_ = v.BindEnv("agent.definitionsFile", "AGENTMESH_AGENT_DEFINITIONS_FILE")
	_ = v.BindEnv("orchestrator.parallelismCap", "AGENTMESH_ORCHESTRATOR_PARALLELISM_CAP")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.MaxConcurrent <= 0 {
		errs = append(errs, "agent.maxConcurrent must be positive")
	}
	if cfg.Agent.StreamChunkMaxSize <= 0 {
		errs = append(errs, "agent.streamChunkMaxSize must be positive")
	}
	if cfg.Agent.ToolTimeout <= 0 {
		errs = append(errs, "agent.toolTimeout must be positive")
	}

	if cfg.Orchestrator.ParallelismCap <= 0 {
		errs = append(errs, "orchestrator.parallelismCap must be positive")
	}
	if cfg.Orchestrator.StepTimeout <= 0 {
		errs = append(errs, "orchestrator.stepTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
