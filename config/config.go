// Package config loads and validates the chatflow configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect" json:"dialect"`
	DSN     string `yaml:"dsn" json:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// SchedulerConfig tunes the run machinery.
type SchedulerConfig struct {
	// Workers is the number of concurrent executor goroutines.
	Workers int `yaml:"workers" json:"workers"`

	// PollInterval is how often idle workers look for queued runs.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// ReapInterval and ReapTimeout drive the stuck-run sweep.
	ReapInterval time.Duration `yaml:"reap_interval" json:"reap_interval"`
	ReapTimeout  time.Duration `yaml:"reap_timeout" json:"reap_timeout"`
}

// EventsConfig configures event delivery.
type EventsConfig struct {
	// RedisAddr enables the redis pub/sub sink when non-empty.
	RedisAddr    string `yaml:"redis_addr" json:"redis_addr"`
	RedisChannel string `yaml:"redis_channel" json:"redis_channel"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig selects log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Development switches to console encoding.
	Development bool `yaml:"development" json:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dialect:         "sqlite",
			DSN:             "chatflow.db",
			MaxIdleConns:    5,
			MaxOpenConns:    25,
			ConnMaxLifetime: time.Hour,
		},
		Scheduler: SchedulerConfig{
			Workers:      4,
			PollInterval: 500 * time.Millisecond,
			ReapInterval: 30 * time.Second,
			ReapTimeout:  5 * time.Minute,
		},
		Events: EventsConfig{
			RedisChannel: "chatflow.events",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.dialect must be sqlite or postgres, got %q", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.ReapTimeout <= 0 {
		return fmt.Errorf("scheduler.reap_timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}
