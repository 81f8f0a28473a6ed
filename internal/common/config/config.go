// Package config provides configuration management for droidpilot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for droidpilot.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Agent    AgentConfig    `mapstructure:"agent"`
	ADB      ADBConfig      `mapstructure:"adb"`
	Database DatabaseConfig `mapstructure:"database"`
	Blob     BlobConfig     `mapstructure:"blob"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Emulator EmulatorConfig `mapstructure:"emulator"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ModelConfig holds the vision-language model endpoint configuration.
type ModelConfig struct {
	BaseURL          string  `mapstructure:"baseUrl"`
	APIKey           string  `mapstructure:"apiKey"`
	Name             string  `mapstructure:"name"`
	MaxTokens        int     `mapstructure:"maxTokens"`
	Temperature      float64 `mapstructure:"temperature"`
	TopP             float64 `mapstructure:"topP"`
	FrequencyPenalty float64 `mapstructure:"frequencyPenalty"`
	BaseTimeout      int     `mapstructure:"baseTimeout"` // in seconds
	MaxTimeout       int     `mapstructure:"maxTimeout"`  // in seconds
	RetryCount       int     `mapstructure:"retryCount"`
}

// AgentConfig holds per-task agent loop defaults.
type AgentConfig struct {
	MaxSteps      int    `mapstructure:"maxSteps"`
	Language      string `mapstructure:"language"` // cn, en
	ScreenshotDir string `mapstructure:"screenshotDir"`
	SpillDir      string `mapstructure:"spillDir"`
	Record        bool   `mapstructure:"record"`
}

// ADBConfig holds adb binary and per-operation timeout configuration.
type ADBConfig struct {
	Path              string `mapstructure:"path"`
	ScreenshotTimeout int    `mapstructure:"screenshotTimeout"` // in seconds
	InputTimeout      int    `mapstructure:"inputTimeout"`      // in seconds
	LaunchTimeout     int    `mapstructure:"launchTimeout"`     // in seconds
	DumpsysTimeout    int    `mapstructure:"dumpsysTimeout"`    // in seconds
	SettleDelayMs     int    `mapstructure:"settleDelayMs"`     // in milliseconds
}

// DatabaseConfig holds task store configuration.
// Driver selects the backing store: memory, sqlite, or postgres.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
}

// BlobConfig holds screenshot blob storage configuration.
type BlobConfig struct {
	Dir       string `mapstructure:"dir"`
	URLPrefix string `mapstructure:"urlPrefix"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EmulatorConfig holds the redroid container provisioner configuration.
type EmulatorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Image       string `mapstructure:"image"`
	ADBPortBase int    `mapstructure:"adbPortBase"`
	Count       int    `mapstructure:"count"`
	DockerHost  string `mapstructure:"dockerHost"`
	APIVersion  string `mapstructure:"apiVersion"`
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

// BaseTimeoutDuration returns the model base timeout as a time.Duration.
func (m *ModelConfig) BaseTimeoutDuration() time.Duration {
	return time.Duration(m.BaseTimeout) * time.Second
}

// MaxTimeoutDuration returns the model timeout ceiling as a time.Duration.
func (m *ModelConfig) MaxTimeoutDuration() time.Duration {
	return time.Duration(m.MaxTimeout) * time.Second
}

// ScreenshotTimeoutDuration returns the screenshot timeout as a time.Duration.
func (a *ADBConfig) ScreenshotTimeoutDuration() time.Duration {
	return time.Duration(a.ScreenshotTimeout) * time.Second
}

// InputTimeoutDuration returns the input timeout as a time.Duration.
func (a *ADBConfig) InputTimeoutDuration() time.Duration {
	return time.Duration(a.InputTimeout) * time.Second
}

// LaunchTimeoutDuration returns the app launch timeout as a time.Duration.
func (a *ADBConfig) LaunchTimeoutDuration() time.Duration {
	return time.Duration(a.LaunchTimeout) * time.Second
}

// DumpsysTimeoutDuration returns the dumpsys timeout as a time.Duration.
func (a *ADBConfig) DumpsysTimeoutDuration() time.Duration {
	return time.Duration(a.DumpsysTimeout) * time.Second
}

// SettleDelay returns the post-input settle delay as a time.Duration.
func (a *ADBConfig) SettleDelay() time.Duration {
	return time.Duration(a.SettleDelayMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("DROIDPILOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8800)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Model defaults match a locally served OpenAI-compatible endpoint
	v.SetDefault("model.baseUrl", "http://localhost:8000/v1")
	v.SetDefault("model.apiKey", "EMPTY")
	v.SetDefault("model.name", "autoglm-phone-9b")
	v.SetDefault("model.maxTokens", 3000)
	v.SetDefault("model.temperature", 0.0)
	v.SetDefault("model.topP", 0.85)
	v.SetDefault("model.frequencyPenalty", 0.2)
	v.SetDefault("model.baseTimeout", 25)
	v.SetDefault("model.maxTimeout", 90)
	v.SetDefault("model.retryCount", 3)

	// Agent defaults
	v.SetDefault("agent.maxSteps", 100)
	v.SetDefault("agent.language", "cn")
	v.SetDefault("agent.screenshotDir", "screenshots")
	v.SetDefault("agent.spillDir", "spill")
	v.SetDefault("agent.record", false)

	// ADB defaults
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.screenshotTimeout", 10)
	v.SetDefault("adb.inputTimeout", 5)
	v.SetDefault("adb.launchTimeout", 15)
	v.SetDefault("adb.dumpsysTimeout", 5)
	v.SetDefault("adb.settleDelayMs", 500)

	// Database defaults - memory driver needs no external services
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.sqlitePath", "droidpilot.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "droidpilot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "droidpilot")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Blob defaults
	v.SetDefault("blob.dir", "screenshots")
	v.SetDefault("blob.urlPrefix", "/screenshots")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "droidpilot")
	v.SetDefault("nats.maxReconnects", 10)

	// Emulator defaults
	v.SetDefault("emulator.enabled", false)
	v.SetDefault("emulator.image", "redroid/redroid:13.0.0-latest")
	v.SetDefault("emulator.adbPortBase", 5555)
	v.SetDefault("emulator.count", 1)
	v.SetDefault("emulator.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("emulator.apiVersion", "1.41")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DROIDPILOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/droidpilot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DROIDPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("model.baseUrl", "DROIDPILOT_MODEL_BASE_URL")
	_ = v.BindEnv("model.apiKey", "DROIDPILOT_MODEL_API_KEY")
	_ = v.BindEnv("model.maxTokens", "DROIDPILOT_MODEL_MAX_TOKENS")
	_ = v.BindEnv("agent.maxSteps", "DROIDPILOT_AGENT_MAX_STEPS")
	_ = v.BindEnv("agent.screenshotDir", "DROIDPILOT_AGENT_SCREENSHOT_DIR")
	_ = v.BindEnv("database.sqlitePath", "DROIDPILOT_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("emulator.adbPortBase", "DROIDPILOT_EMULATOR_ADB_PORT_BASE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/droidpilot/")

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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Model validation
	if cfg.Model.BaseURL == "" {
		errs = append(errs, "model.baseUrl is required")
	}
	if cfg.Model.MaxTokens <= 0 {
		errs = append(errs, "model.maxTokens must be positive")
	}
	if cfg.Model.BaseTimeout <= 0 || cfg.Model.MaxTimeout < cfg.Model.BaseTimeout {
		errs = append(errs, "model.baseTimeout must be positive and not exceed model.maxTimeout")
	}

	// Agent validation
	if cfg.Agent.MaxSteps <= 0 {
		errs = append(errs, "agent.maxSteps must be positive")
	}
	if cfg.Agent.Language != "cn" && cfg.Agent.Language != "en" {
		errs = append(errs, "agent.language must be one of: cn, en")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required when database.driver is sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is postgres")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Emulator validation - optional (provisioning disabled if Docker is unavailable)
	if cfg.Emulator.Enabled {
		if cfg.Emulator.ADBPortBase <= 0 || cfg.Emulator.ADBPortBase > 65535 {
			errs = append(errs, "emulator.adbPortBase must be between 1 and 65535")
		}
		if cfg.Emulator.Count <= 0 {
			errs = append(errs, "emulator.count must be positive")
		}
	}

	// Logging validation
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SQLiteDSN returns the SQLite connection string with WAL mode enabled.
func (d *DatabaseConfig) SQLiteDSN() string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", d.SQLitePath)
}
