package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// AppName names the data directory and the environment variable prefix.
const AppName = "ringbridge"

// Config holds application configuration
type Config struct {
	LogLevel          logrus.Level  `json:"log_level"`
	DataDir           string        `json:"data_dir"`
	DatabaseFile      string        `json:"database_file" default:"ringbridge.db"`
	PreferencesFile   string        `json:"preferences_file" default:"preferences.toml"`
	ListenAddr        string        `json:"listen_addr" default:"localhost:8765"`
	Adapter           string        `json:"adapter" default:"default"`
	ConnectTimeout    time.Duration `json:"connect_timeout" default:"30s"`
	EventBuffer       int           `json:"event_buffer" default:"64"`
	HistoryWindow     time.Duration `json:"history_window" default:"24h"`
	FallbackAnyDevice bool          `json:"fallback_any_device" default:"true"`
	SyncSchedule      string        `json:"sync_schedule"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	cfg.DataDir = defaultDataDir()
	return cfg
}

// defaultDataDir resolves <user config dir>/ringbridge, falling back to the working directory.
func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(dir, AppName)
}

// DatabasePath is the absolute location of the sample database.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.DatabaseFile) {
		return c.DatabaseFile
	}
	return filepath.Join(c.DataDir, c.DatabaseFile)
}

// PreferencesPath is the absolute location of the preferences store.
func (c *Config) PreferencesPath() string {
	if filepath.IsAbs(c.PreferencesFile) {
		return c.PreferencesFile
	}
	return filepath.Join(c.DataDir, c.PreferencesFile)
}

// Load builds a Config from defaults overlaid with whatever v carries:
// an optional config file, RINGBRIDGE_* environment variables and bound flags.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	cfg := DefaultConfig()

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", cfg.LogLevel.String())
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("database_file", cfg.DatabaseFile)
	v.SetDefault("preferences_file", cfg.PreferencesFile)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("adapter", cfg.Adapter)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("event_buffer", cfg.EventBuffer)
	v.SetDefault("history_window", cfg.HistoryWindow)
	v.SetDefault("fallback_any_device", cfg.FallbackAnyDevice)
	v.SetDefault("sync_schedule", cfg.SyncSchedule)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	cfg.LogLevel = level
	cfg.DataDir = v.GetString("data_dir")
	cfg.DatabaseFile = v.GetString("database_file")
	cfg.PreferencesFile = v.GetString("preferences_file")
	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.Adapter = v.GetString("adapter")
	cfg.ConnectTimeout = v.GetDuration("connect_timeout")
	cfg.EventBuffer = v.GetInt("event_buffer")
	cfg.HistoryWindow = v.GetDuration("history_window")
	cfg.FallbackAnyDevice = v.GetBool("fallback_any_device")
	cfg.SyncSchedule = v.GetString("sync_schedule")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty (use \"default\" or hciN)")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be > 0, got %d", c.EventBuffer)
	}
	if c.HistoryWindow < time.Second {
		return fmt.Errorf("history window must be at least 1s, got %s", c.HistoryWindow)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be > 0, got %s", c.ConnectTimeout)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
