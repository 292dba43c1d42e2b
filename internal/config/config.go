// Package config provides dynamic configuration management for plantwatch.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for plantwatch.
type Config struct {
	// ── Backend ──────────────────────────────────────────────────────────────
	// APIURL is the REST base of the plant backend, e.g. http://host:8080/api
	APIURL string `mapstructure:"api_url"`
	// WSURL is the STOMP-over-WebSocket endpoint of the same backend.
	WSURL string `mapstructure:"ws_url"`

	// ── Dashboard server ─────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	DBPath     string `mapstructure:"db_path"`
	DBDriver   string `mapstructure:"db_driver"` // only "sqlite" for now

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for dashboard tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// SessionSecret seeds the key that seals stored backend credentials.
	SessionSecret string `mapstructure:"session_secret"`

	// ── Live view ────────────────────────────────────────────────────────────
	PollIntervalSeconds    int    `mapstructure:"poll_interval_seconds"`
	ReconnectDelaySeconds  int    `mapstructure:"reconnect_delay_seconds"`
	MaxReconnectRetries    int    `mapstructure:"max_reconnect_retries"` // 0 = retry forever
	HistoryLimit           int    `mapstructure:"history_limit"`
	LogLimit               int    `mapstructure:"log_limit"`
	WateringTimeoutSeconds int    `mapstructure:"watering_timeout_seconds"`
	DefaultPeriod          string `mapstructure:"default_period"`
	ClusterWindow          string `mapstructure:"cluster_window"`

	// ── Logging ──────────────────────────────────────────────────────────────
	LogLevel  string `mapstructure:"log_level"`
	LogDebug  bool   `mapstructure:"log_debug"`
	LogOutput string `mapstructure:"log_output"` // stdout | stderr
	LogFormat string `mapstructure:"log_format"` // json | console
}

// PollInterval returns the fallback polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ReconnectDelay returns the fixed wait between streaming reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// WateringTimeout returns how long the watering flag survives without a pump event.
func (c *Config) WateringTimeout() time.Duration {
	return time.Duration(c.WateringTimeoutSeconds) * time.Second
}

// Load reads config from file (./config.yaml or ~/.plantwatch/config.yaml)
// and falls back to smart defaults. Environment variables with prefix PLANT_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Smart Defaults ---
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("ws_url", "ws://localhost:8080/ws")

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 3000)
	v.SetDefault("db_path", "plantwatch.db")
	v.SetDefault("db_driver", "sqlite")

	// Security defaults: MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "pw-Jx8#qL2!vN7@cR4^tM9&zK1*hB6")
	v.SetDefault("session_secret", "pw-session-Fh3$wQ8!pD5@yG2")

	v.SetDefault("poll_interval_seconds", 5)
	v.SetDefault("reconnect_delay_seconds", 5)
	v.SetDefault("max_reconnect_retries", 0)
	v.SetDefault("history_limit", 100)
	v.SetDefault("log_limit", 50)
	v.SetDefault("watering_timeout_seconds", 5)
	v.SetDefault("default_period", "24h")
	v.SetDefault("cluster_window", "7d")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_debug", false)
	v.SetDefault("log_output", "stdout")
	v.SetDefault("log_format", "json")

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.plantwatch")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("PLANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the live view cannot run with.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url must not be empty")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.ReconnectDelaySeconds < 0 {
		return fmt.Errorf("reconnect_delay_seconds must not be negative, got %d", c.ReconnectDelaySeconds)
	}
	if c.MaxReconnectRetries < 0 {
		return fmt.Errorf("max_reconnect_retries must not be negative, got %d", c.MaxReconnectRetries)
	}
	if c.HistoryLimit <= 0 || c.LogLimit <= 0 {
		return fmt.Errorf("history_limit and log_limit must be positive")
	}
	return nil
}
