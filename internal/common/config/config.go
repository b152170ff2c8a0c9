// Package config provides configuration management for the Cloud Codex
// gateway. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Session   SessionConfig   `mapstructure:"session"`
	Agent     AgentConfig     `mapstructure:"agent"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkspaceConfig holds per-user workspace configuration.
type WorkspaceConfig struct {
	// Root is the base directory under which each user gets a workspace.
	Root string `mapstructure:"root"`
}

// SessionConfig holds session registry configuration.
type SessionConfig struct {
	IdleTimeoutMs   int `mapstructure:"idleTimeoutMs"`
	SweepIntervalMs int `mapstructure:"sweepIntervalMs"`
}

// AgentConfig holds the agent subprocess launch configuration.
type AgentConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// RPCConfig holds outgoing JSON-RPC configuration.
type RPCConfig struct {
	RequestTimeoutMs int `mapstructure:"requestTimeoutMs"`
}

// ApprovalConfig holds the approval broker configuration.
type ApprovalConfig struct {
	TimeoutMs     int         `mapstructure:"timeoutMs"`
	DefaultAction string      `mapstructure:"defaultAction"` // accept, decline
	AutoApprove   AutoApprove `mapstructure:"autoApprove"`
}

// AutoApprove holds the policy engine's auto-approval lists.
type AutoApprove struct {
	Commands []string `mapstructure:"commands"`
	Paths    []string `mapstructure:"paths"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuditConfig holds the approval audit sink configuration.
type AuditConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres
	DSN    string `mapstructure:"dsn"`
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

// IdleTimeout returns the session idle reap threshold.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// SweepInterval returns the idle sweep period.
func (s *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMs) * time.Millisecond
}

// RequestTimeout returns the outgoing RPC deadline.
func (r *RPCConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutMs) * time.Millisecond
}

// Timeout returns the pending-approval deadline.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Workspace defaults
	v.SetDefault("workspace.root", defaultWorkspaceRoot())

	// Session defaults
	v.SetDefault("session.idleTimeoutMs", 1800000)
	v.SetDefault("session.sweepIntervalMs", 60000)

	// Agent defaults
	v.SetDefault("agent.command", "codex")
	v.SetDefault("agent.args", []string{"app-server"})
	v.SetDefault("agent.env", map[string]string{})

	// RPC defaults
	v.SetDefault("rpc.requestTimeoutMs", 60000)

	// Approval defaults
	v.SetDefault("approval.timeoutMs", 300000)
	v.SetDefault("approval.defaultAction", "decline")
	v.SetDefault("approval.autoApprove.commands", []string{"ls", "cat", "grep", "git status", "git log"})
	v.SetDefault("approval.autoApprove.paths", []string{"/tmp/*"})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cloud-codex")
	v.SetDefault("nats.maxReconnects", 10)

	// Audit defaults
	v.SetDefault("audit.driver", "memory")
	v.SetDefault("audit.dsn", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cloud-codex", "workspaces")
	}
	return filepath.Join(home, ".cloud-codex", "workspaces")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CLOUDCODEX_ with underscore
// naming. The config file is config.yaml in the current directory or
// /etc/cloud-codex/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLOUDCODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings; CLOUDCODEX_LOG_LEVEL differs from the key-derived
	// name, the others match it.
	_ = v.BindEnv("workspace.root", "CLOUDCODEX_WORKSPACE_ROOT")
	_ = v.BindEnv("agent.command", "CLOUDCODEX_AGENT_COMMAND")
	_ = v.BindEnv("audit.dsn", "CLOUDCODEX_AUDIT_DSN")
	_ = v.BindEnv("logging.level", "CLOUDCODEX_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cloud-codex/")

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

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	if cfg.Session.IdleTimeoutMs <= 0 {
		errs = append(errs, "session.idleTimeoutMs must be positive")
	}
	if cfg.Session.SweepIntervalMs <= 0 {
		errs = append(errs, "session.sweepIntervalMs must be positive")
	}
	if cfg.RPC.RequestTimeoutMs <= 0 {
		errs = append(errs, "rpc.requestTimeoutMs must be positive")
	}
	if cfg.Approval.TimeoutMs <= 0 {
		errs = append(errs, "approval.timeoutMs must be positive")
	}

	switch cfg.Approval.DefaultAction {
	case "accept", "decline":
	default:
		errs = append(errs, "approval.defaultAction must be one of: accept, decline")
	}

	switch cfg.Audit.Driver {
	case "memory":
	case "postgres":
		if cfg.Audit.DSN == "" {
			errs = append(errs, "audit.dsn is required for postgres driver")
		}
	default:
		errs = append(errs, "audit.driver must be one of: memory, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
