package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"` // advertised in the agent card
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RetentionConfig controls the terminal-run sweeper.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CronSpec string        `yaml:"cron_spec"` // sweep schedule (default: hourly)
	MaxAge   time.Duration `yaml:"max_age"`   // age at which terminal runs expire
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "./pocketmesh.sqlite",
		},
		Retention: RetentionConfig{
			Enabled:  false,
			CronSpec: "@hourly",
			MaxAge:   7 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML configuration file at path and applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns defaults with environment
// overrides applied. Any other error is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from POCKETMESH_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("POCKETMESH_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("POCKETMESH_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("POCKETMESH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("POCKETMESH_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AdvertisedURL is the base URL put on the agent card, falling back to
// the listen address.
func (c *Config) AdvertisedURL() string {
	if c.Server.BaseURL != "" {
		return c.Server.BaseURL
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}
