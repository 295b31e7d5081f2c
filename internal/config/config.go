// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

// Package config loads LabTrail configuration with Koanf v2 using layered
// sources: struct defaults, an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/labtrail/config.yaml",
	"/etc/labtrail/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "LABTRAIL_CONFIG_PATH"

// envPrefix namespaces LabTrail environment variables:
// LABTRAIL_SERVER_PORT -> server.port
const envPrefix = "LABTRAIL_"

// Config is the root configuration for the LabTrail server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Security SecurityConfig `koanf:"security"`
	Audit    AuditConfig    `koanf:"audit"`
	Notify   NotifyConfig   `koanf:"notify"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig captures HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig captures the embedded DuckDB settings.
type DatabaseConfig struct {
	// Path is the DuckDB database file; empty means in-memory.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// SecurityConfig captures request authentication and transport policy.
// Identity resolution itself is upstream's concern; LabTrail only verifies
// the signed token and reads (user, role) out of it.
type SecurityConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// AuditConfig controls the audit event pipeline.
type AuditConfig struct {
	// BufferSize is the capacity of the async write buffer.
	BufferSize int `koanf:"buffer_size"`

	// MaxQueryLimit caps the page size of query endpoints regardless of the
	// requested value.
	MaxQueryLimit int `koanf:"max_query_limit"`

	// RetentionDays is how long audit events are kept; 0 disables cleanup.
	RetentionDays int `koanf:"retention_days"`

	// CleanupInterval is how often the retention cleanup runs.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// NotifyConfig controls the notification dispatcher.
type NotifyConfig struct {
	// HeartbeatInterval is the live channel ping period.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// ClientBuffer is the per-channel outbound message buffer.
	ClientBuffer int `koanf:"client_buffer"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. File and env
// layers override these.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8094,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/labtrail.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Audit: AuditConfig{
			BufferSize:      1000,
			MaxQueryLimit:   200,
			RetentionDays:   0, // retention cleanup disabled by default
			CleanupInterval: 24 * time.Hour,
		},
		Notify: NotifyConfig{
			HeartbeatInterval: 30 * time.Second,
			ClientBuffer:      64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// LABTRAIL_* environment variables, in that precedence order.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		// LABTRAIL_AUDIT_BUFFER_SIZE -> audit.buffer_size
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		parts := strings.SplitN(s, "_", 2)
		if len(parts) == 2 {
			return parts[0] + "." + parts[1]
		}
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot safely run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit buffer_size must be positive, got %d", c.Audit.BufferSize)
	}
	if c.Audit.MaxQueryLimit <= 0 {
		return fmt.Errorf("audit max_query_limit must be positive, got %d", c.Audit.MaxQueryLimit)
	}
	if c.Notify.HeartbeatInterval < time.Second {
		return fmt.Errorf("notify heartbeat_interval too small: %s", c.Notify.HeartbeatInterval)
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security jwt_secret must be at least 32 characters")
	}
	return nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
