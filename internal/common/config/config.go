// Package config provides configuration management for autodev.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for autodev.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Review    ReviewConfig    `mapstructure:"review"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Gates     GatesConfig     `mapstructure:"gates"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded per-entity store configuration.
type DatabaseConfig struct {
	// DataDir is the root directory for per-entity SQLite files.
	// Entity databases live at <dataDir>/<entity_type>/<entity_ref>.db.
	DataDir string `mapstructure:"dataDir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GitHubConfig holds GitHub App and repository configuration.
type GitHubConfig struct {
	APIBaseURL string `mapstructure:"apiBaseUrl"`
	AppID      int64  `mapstructure:"appId"`
	// PrivateKey is the App's RSA key in PEM form. PKCS#1 and PKCS#8 are both
	// accepted, as are base64-wrapped bodies and escaped-newline env values.
	PrivateKey  string `mapstructure:"privateKey"`
	BacklogPath string `mapstructure:"backlogPath"`
	// DefaultRepo is the repo_full_name used when a webhook payload carries
	// no repository reference of its own.
	DefaultRepo           string `mapstructure:"defaultRepo"`
	DefaultInstallationID int64  `mapstructure:"defaultInstallationId"`
}

// ReconcileConfig holds backlog reconciliation tunables.
type ReconcileConfig struct {
	// ProtectionWindow guards freshly synced issues from concurrent-import
	// deletion, in seconds.
	ProtectionWindow int `mapstructure:"protectionWindow"`
	CommitRetries    int `mapstructure:"commitRetries"`
}

// ExecutionConfig holds agent execution configuration.
type ExecutionConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	MaxSteps       int `mapstructure:"maxSteps"`
	MaxRetries     int `mapstructure:"maxRetries"`
}

// ReviewConfig holds review pipeline configuration.
type ReviewConfig struct {
	MaxRetries int `mapstructure:"maxRetries"`
}

// AgentsConfig points at the YAML agent catalog. An empty file selects the
// built-in default roster.
type AgentsConfig struct {
	File string `mapstructure:"file"`
}

// GatesConfig points at the YAML approval-gate overlay file (org layer plus
// per-repo layers). An empty file means defaults only.
type GatesConfig struct {
	File string `mapstructure:"file"`
}

// RateLimitConfig holds sliding-window rate limiter defaults.
type RateLimitConfig struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"windowSeconds"`
}

// SessionConfig holds session store configuration.
type SessionConfig struct {
	DefaultTTLSeconds int `mapstructure:"defaultTtlSeconds"`
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

// ProtectionWindowDuration returns the deletion protection window as a time.Duration.
func (r *ReconcileConfig) ProtectionWindowDuration() time.Duration {
	return time.Duration(r.ProtectionWindow) * time.Second
}

// ExecutionTimeout returns the sandbox execution timeout as a time.Duration.
func (e *ExecutionConfig) ExecutionTimeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AUTODEV_ENV"); env == "production" || env == "prod" {
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

	// Database defaults
	v.SetDefault("database.dataDir", "~/.autodev/data")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "autodev")
	v.SetDefault("nats.maxReconnects", 10)

	// GitHub defaults
	v.SetDefault("github.apiBaseUrl", "https://api.github.com")
	v.SetDefault("github.appId", 0)
	v.SetDefault("github.privateKey", "")
	v.SetDefault("github.backlogPath", ".beads/issues.jsonl")
	v.SetDefault("github.defaultRepo", "")
	v.SetDefault("github.defaultInstallationId", 0)

	// Reconcile defaults
	v.SetDefault("reconcile.protectionWindow", 60)
	v.SetDefault("reconcile.commitRetries", 3)

	// Execution defaults
	v.SetDefault("execution.timeoutSeconds", 600)
	v.SetDefault("execution.maxSteps", 50)
	v.SetDefault("execution.maxRetries", 3)

	// Review defaults
	v.SetDefault("review.maxRetries", 3)

	// Catalog defaults - empty paths select built-in defaults
	v.SetDefault("agents.file", "")
	v.SetDefault("gates.file", "")

	// Rate limit defaults
	v.SetDefault("rateLimit.limit", 100)
	v.SetDefault("rateLimit.windowSeconds", 60)

	// Session defaults
	v.SetDefault("session.defaultTtlSeconds", 86400)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AUTODEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/autodev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AUTODEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("github.appId", "AUTODEV_GITHUB_APP_ID")
	_ = v.BindEnv("github.privateKey", "AUTODEV_GITHUB_PRIVATE_KEY")
	_ = v.BindEnv("github.backlogPath", "AUTODEV_GITHUB_BACKLOG_PATH")
	_ = v.BindEnv("github.defaultRepo", "AUTODEV_GITHUB_DEFAULT_REPO")
	_ = v.BindEnv("github.defaultInstallationId", "AUTODEV_GITHUB_DEFAULT_INSTALLATION_ID")
	_ = v.BindEnv("database.dataDir", "AUTODEV_DATABASE_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/autodev/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.DataDir == "" {
		errs = append(errs, "database.dataDir is required")
	}

	if cfg.Reconcile.ProtectionWindow < 0 {
		errs = append(errs, "reconcile.protectionWindow must not be negative")
	}
	if cfg.Reconcile.CommitRetries <= 0 {
		errs = append(errs, "reconcile.commitRetries must be positive")
	}

	if cfg.Execution.TimeoutSeconds <= 0 {
		errs = append(errs, "execution.timeoutSeconds must be positive")
	}
	if cfg.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.maxRetries must not be negative")
	}
	if cfg.Review.MaxRetries < 0 {
		errs = append(errs, "review.maxRetries must not be negative")
	}

	if cfg.RateLimit.Limit <= 0 {
		errs = append(errs, "rateLimit.limit must be positive")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, "rateLimit.windowSeconds must be positive")
	}
	if cfg.Session.DefaultTTLSeconds <= 0 {
		errs = append(errs, "session.defaultTtlSeconds must be positive")
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
