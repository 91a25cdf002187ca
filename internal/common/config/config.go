// Package config provides configuration management for the Madrox
// orchestrator. It supports loading configuration from environment
// variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport names accepted by MADROX_TRANSPORT. Empty means auto-detect
// from whether stdin is a terminal.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds transport configuration.
type ServerConfig struct {
	Transport    string `mapstructure:"transport"` // http, stdio, or "" for auto
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkspaceConfig holds per-instance workspace configuration.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	MaxInstances int    `mapstructure:"maxInstances"`
}

// ArtifactsConfig holds artifact collection configuration.
type ArtifactsConfig struct {
	Root            string   `mapstructure:"root"`
	Compress        bool     `mapstructure:"compress"`
	RetentionDays   int      `mapstructure:"retentionDays"` // 0 keeps forever
	Patterns        []string `mapstructure:"patterns"`
	ExcludePatterns []string `mapstructure:"excludePatterns"`
}

// SupervisorConfig holds the idle-detection loop configuration.
type SupervisorConfig struct {
	Interval      int `mapstructure:"interval"`      // scan period, seconds
	IdleThreshold int `mapstructure:"idleThreshold"` // seconds without activity
}

// TerminalConfig holds tmux adapter and injector configuration.
type TerminalConfig struct {
	PasteThreshold  int `mapstructure:"pasteThreshold"`  // bytes; >= this uses the paste buffer
	CaptureLines    int `mapstructure:"captureLines"`    // scrollback window for capture-pane
	QuiescenceMs    int `mapstructure:"quiescenceMs"`    // busy -> idle window
	ReadyGraceMs    int `mapstructure:"readyGraceMs"`    // initializing -> ready timeout
	QueueCapacity   int `mapstructure:"queueCapacity"`   // inbox / reply queue bound
	PasteSettleMs   int `mapstructure:"pasteSettleMs"`   // delay between paste and Enter
	SendTimeoutSecs int `mapstructure:"sendTimeoutSecs"` // default wait_for_response timeout
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	AuditDir   string `mapstructure:"auditDir"`
}

// IntervalDuration returns the supervisor scan period as a time.Duration.
func (s *SupervisorConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// IdleThresholdDuration returns the idle threshold as a time.Duration.
func (s *SupervisorConfig) IdleThresholdDuration() time.Duration {
	return time.Duration(s.IdleThreshold) * time.Second
}

// Quiescence returns the busy->idle window as a time.Duration.
func (t *TerminalConfig) Quiescence() time.Duration {
	return time.Duration(t.QuiescenceMs) * time.Millisecond
}

// ReadyGrace returns the readiness grace period as a time.Duration.
func (t *TerminalConfig) ReadyGrace() time.Duration {
	return time.Duration(t.ReadyGraceMs) * time.Millisecond
}

// PasteSettle returns the paste settle delay as a time.Duration.
func (t *TerminalConfig) PasteSettle() time.Duration {
	return time.Duration(t.PasteSettleMs) * time.Millisecond
}

// SendTimeout returns the default synchronous-send timeout.
func (t *TerminalConfig) SendTimeout() time.Duration {
	return time.Duration(t.SendTimeoutSecs) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)

	v.SetDefault("workspace.root", "./workspaces")
	v.SetDefault("workspace.maxInstances", 20)

	v.SetDefault("artifacts.root", "./artifacts")
	v.SetDefault("artifacts.compress", false)
	v.SetDefault("artifacts.retentionDays", 0)
	v.SetDefault("artifacts.patterns", []string{})
	v.SetDefault("artifacts.excludePatterns", []string{"node_modules/**", ".git/**"})

	v.SetDefault("supervisor.interval", 60)
	v.SetDefault("supervisor.idleThreshold", 300)

	v.SetDefault("terminal.pasteThreshold", 3*1024)
	v.SetDefault("terminal.captureLines", 2000)
	v.SetDefault("terminal.quiescenceMs", 2000)
	v.SetDefault("terminal.readyGraceMs", 15000)
	v.SetDefault("terminal.queueCapacity", 256)
	v.SetDefault("terminal.pasteSettleMs", 100)
	v.SetDefault("terminal.sendTimeoutSecs", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
	v.SetDefault("logging.auditDir", "./logs")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the MADROX_ prefix, with explicit
// bindings for the documented bare variables (ARTIFACTS_DIR etc.).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MADROX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The documented environment surface does not follow the MADROX_
	// prefix for everything, so bind the bare names explicitly.
	_ = v.BindEnv("server.transport", "MADROX_TRANSPORT")
	_ = v.BindEnv("server.port", "ORCHESTRATOR_PORT", "MADROX_SERVER_PORT")
	_ = v.BindEnv("workspace.root", "WORKSPACE_DIR", "MADROX_WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.maxInstances", "MAX_INSTANCES", "MADROX_WORKSPACE_MAX_INSTANCES")
	_ = v.BindEnv("artifacts.root", "ARTIFACTS_DIR", "MADROX_ARTIFACTS_ROOT")
	_ = v.BindEnv("artifacts.compress", "ARTIFACTS_COMPRESS")
	_ = v.BindEnv("artifacts.retentionDays", "ARTIFACTS_RETENTION_DAYS")
	_ = v.BindEnv("artifacts.patterns", "ARTIFACTS_PATTERNS")
	_ = v.BindEnv("artifacts.excludePatterns", "ARTIFACTS_EXCLUDE_PATTERNS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "MADROX_LOGGING_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/madrox/")

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

	// ARTIFACTS_PATTERNS arrives as a comma-separated string from env.
	cfg.Artifacts.Patterns = splitPatternList(cfg.Artifacts.Patterns)
	cfg.Artifacts.ExcludePatterns = splitPatternList(cfg.Artifacts.ExcludePatterns)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// splitPatternList expands comma-separated entries so both YAML lists and
// single env strings are accepted.
func splitPatternList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, p := range strings.Split(entry, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Server.Transport {
	case "", TransportHTTP, TransportStdio:
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be %q or %q", TransportHTTP, TransportStdio))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Workspace.MaxInstances <= 0 {
		errs = append(errs, "workspace.maxInstances must be positive")
	}
	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Artifacts.Root == "" {
		errs = append(errs, "artifacts.root is required")
	}
	if cfg.Artifacts.RetentionDays < 0 {
		errs = append(errs, "artifacts.retentionDays must not be negative")
	}
	if cfg.Supervisor.Interval <= 0 {
		errs = append(errs, "supervisor.interval must be positive")
	}
	if cfg.Terminal.PasteThreshold <= 0 {
		errs = append(errs, "terminal.pasteThreshold must be positive")
	}
	if cfg.Terminal.QueueCapacity <= 0 {
		errs = append(errs, "terminal.queueCapacity must be positive")
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

// AbsWorkspaceRoot returns the workspace root as an absolute path.
func (c *Config) AbsWorkspaceRoot() (string, error) {
	return filepath.Abs(c.Workspace.Root)
}

// AbsArtifactsRoot returns the artifacts root as an absolute path.
func (c *Config) AbsArtifactsRoot() (string, error) {
	return filepath.Abs(c.Artifacts.Root)
}
