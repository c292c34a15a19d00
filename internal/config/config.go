// Package config provides configuration loading for healerd.
//
// Configuration is loaded from defaults, then a YAML file, then
// HEALERD_-prefixed environment variables, highest precedence last.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete healerd configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Run      RunConfig      `koanf:"run"`
	Ranking  RankingConfig  `koanf:"ranking"`
	MTTR     MTTRConfig     `koanf:"mttr"`
	CAPA     CAPAConfig     `koanf:"capa"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the observability listener configuration. healerd
// exposes no remediation API; the listener serves /metrics and /healthz
// only.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password Secret `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"ssl_mode"`
}

// DSN renders the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password.Value(), d.Name, d.SSLMode)
}

// CatalogConfig locates the playbook catalog.
type CatalogConfig struct {
	Path string `koanf:"path"`
}

// RunConfig tunes the run orchestrator.
type RunConfig struct {
	Timeout Duration `koanf:"timeout"`
}

// RankingConfig tunes the ranking policy.
type RankingConfig struct {
	SmoothingWeight float64 `koanf:"smoothing_weight"`

	// Rehydrate replays the outcome ledger into the policy at startup.
	Rehydrate bool `koanf:"rehydrate"`
}

// MTTRConfig tunes recovery tracking windows.
type MTTRConfig struct {
	ShortWindow Duration `koanf:"short_window"`
	LongWindow  Duration `koanf:"long_window"`
}

// CAPAConfig gates auto-escalation.
type CAPAConfig struct {
	Enabled bool `koanf:"enabled"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	// Level is a zap level string: debug, info, warn, error.
	Level string `koanf:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `koanf:"development"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9464,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "healerd",
			Name:    "healerd",
			SSLMode: "disable",
		},
		Catalog: CatalogConfig{
			Path: "/etc/healerd/playbooks.yaml",
		},
		Run: RunConfig{
			Timeout: Duration(10 * time.Minute),
		},
		Ranking: RankingConfig{
			SmoothingWeight: 0.7,
			Rehydrate:       true,
		},
		MTTR: MTTRConfig{
			ShortWindow: Duration(24 * time.Hour),
			LongWindow:  Duration(168 * time.Hour),
		},
		CAPA: CAPAConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyDefaults fills zero values from DefaultConfig.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = def.Database.Host
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = def.Database.Port
	}
	if cfg.Database.User == "" {
		cfg.Database.User = def.Database.User
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = def.Database.Name
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = def.Database.SSLMode
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = def.Catalog.Path
	}
	if cfg.Run.Timeout == 0 {
		cfg.Run.Timeout = def.Run.Timeout
	}
	if cfg.Ranking.SmoothingWeight == 0 {
		cfg.Ranking.SmoothingWeight = def.Ranking.SmoothingWeight
	}
	if cfg.MTTR.ShortWindow == 0 {
		cfg.MTTR.ShortWindow = def.MTTR.ShortWindow
	}
	if cfg.MTTR.LongWindow == 0 {
		cfg.MTTR.LongWindow = def.MTTR.LongWindow
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// Validate rejects configurations that cannot produce a working daemon.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port out of range: %d", c.Database.Port)
	}
	if c.Catalog.Path == "" {
		return errors.New("catalog.path is required")
	}
	if c.Run.Timeout.Duration() <= 0 {
		return errors.New("run.timeout must be positive")
	}
	if w := c.Ranking.SmoothingWeight; w <= 0 || w >= 1 {
		return fmt.Errorf("ranking.smoothing_weight must be in (0,1): %v", w)
	}
	if c.MTTR.ShortWindow.Duration() >= c.MTTR.LongWindow.Duration() {
		return errors.New("mttr.short_window must be below mttr.long_window")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unknown: %q", c.Logging.Level)
	}
	return nil
}
