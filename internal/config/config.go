package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all configuration of the alt binaries. It is built by
// NewConfig and handed to the components that need it.
type AppConfig struct {
	Log     LogConfig     `mapstructure:"log"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Storage StorageConfig `mapstructure:"storage"`
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  []LogOutputConfig `mapstructure:"output"`
	Levels  map[string]string `mapstructure:"levels"`
	Context LogContextConfig  `mapstructure:"context"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller    bool `mapstructure:"include_caller"`
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
}

// RunnerConfig configures extension executions.
type RunnerConfig struct {
	// Worker binary; empty runs commands in process
	WorkerPath    string        `mapstructure:"worker_path"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	ExtensionsDir string        `mapstructure:"extensions_dir"`
	// Expose handler stack traces to callers
	DevMode bool `mapstructure:"dev_mode"`
}

// StorageConfig configures extension local storage.
type StorageConfig struct {
	// Empty keeps storage in memory
	Dir string `mapstructure:"dir"`
}

// ServerConfig holds the websocket server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all
}

// RelayConfig configures the background file relay.
type RelayConfig struct {
	Store    string        `mapstructure:"store"` // "memory" or "redis"
	TTL      time.Duration `mapstructure:"ttl"`
	RedisURL string        `mapstructure:"redis_url"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NewConfig creates an AppConfig by reading from a file, environment
// variables and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/altport/")
		v.AddConfigPath("$HOME/.altport")
	}

	// ALTPORT_RUNNER_CALL_TIMEOUT overrides runner.call_timeout
	v.SetEnvPrefix("ALTPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnv registers the scalar keys so AutomaticEnv sees them during
// Unmarshal even when no config file mentions them.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log.level", "log.format",
		"runner.worker_path", "runner.call_timeout", "runner.extensions_dir", "runner.dev_mode",
		"storage.dir",
		"server.host", "server.port", "server.allowed_origins",
		"relay.store", "relay.ttl", "relay.redis_url",
	} {
		_ = v.BindEnv(key)
	}
}

// defaultConfig returns an AppConfig with default values.
func defaultConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "~/.altport/logs/altport.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  50,
						MaxBackups: 5,
						MaxAgeDays: 14,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"port":   "INFO",
				"runner": "INFO",
				"worker": "INFO",
				"view":   "INFO",
				"relay":  "INFO",
				"server": "INFO",
			},
			Context: LogContextConfig{
				IncludeTimestamp: true,
			},
		},
		Runner: RunnerConfig{
			CallTimeout:   10 * time.Minute,
			ExtensionsDir: "~/.altport/extensions",
		},
		Storage: StorageConfig{
			Dir: "~/.altport/storage",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7265,
		},
		Relay: RelayConfig{
			Store: "memory",
			TTL:   5 * time.Minute,
		},
	}
}

func (c *AppConfig) expandPaths() {
	c.Runner.WorkerPath = expandPath(c.Runner.WorkerPath)
	c.Runner.ExtensionsDir = expandPath(c.Runner.ExtensionsDir)
	c.Storage.Dir = expandPath(c.Storage.Dir)
	for i := range c.Log.Output {
		c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Runner.CallTimeout < 0 {
		return errors.New("runner.call_timeout must not be negative")
	}

	switch c.Relay.Store {
	case "memory":
	case "redis":
		if c.Relay.RedisURL == "" {
			return errors.New("relay.redis_url is required when relay.store is redis")
		}
	default:
		return fmt.Errorf("relay.store must be 'memory' or 'redis', got: %s", c.Relay.Store)
	}

	return nil
}
