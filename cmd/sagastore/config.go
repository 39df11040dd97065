package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sagastore configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	Driver         string `json:"driver" yaml:"driver"`
	DBPath         string `json:"db_path" yaml:"db_path"`
	PostgresDSN    string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	LogLevel       string `json:"log_level" yaml:"log_level"`
	LogFormat      string `json:"log_format" yaml:"log_format"`
	Namespace      string `json:"namespace" yaml:"namespace"`
	ReaperInterval string `json:"reaper_interval" yaml:"reaper_interval"`
	MetricsAddr    string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
)

func defaultConfig(dir string) Config {
	return Config{
		Driver:         driverLibSQL,
		DBPath:         filepath.Join(dir, "sagastore.db"),
		LogLevel:       "info",
		LogFormat:      "text",
		Namespace:      "dtrx",
		ReaperInterval: "1h",
	}
}

func sagastoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sagastore"
	}
	return filepath.Join(home, ".sagastore")
}

// settingsFiles lists the settings files looked up in dir, first match wins.
func settingsFiles(dir string) []string {
	return []string{
		filepath.Join(dir, "settings.json"),
		filepath.Join(dir, "settings.yaml"),
		filepath.Join(dir, "settings.yml"),
	}
}

func loadConfig() (Config, error) {
	return loadConfigFrom(sagastoreDir())
}

func loadConfigFrom(dir string) (Config, error) {
	cfg := defaultConfig(dir)

	// Layer 2: settings file (ignore if missing).
	for _, path := range settingsFiles(dir) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := decodeSettings(path, data, &cfg); err != nil {
			return cfg, err
		}
		break
	}

	// Layer 3: env vars override.
	envs := []struct {
		name string
		dst  *string
	}{
		{"SAGASTORE_DRIVER", &cfg.Driver},
		{"SAGASTORE_DB_PATH", &cfg.DBPath},
		{"SAGASTORE_POSTGRES_DSN", &cfg.PostgresDSN},
		{"SAGASTORE_LOG_LEVEL", &cfg.LogLevel},
		{"SAGASTORE_LOG_FORMAT", &cfg.LogFormat},
		{"SAGASTORE_NAMESPACE", &cfg.Namespace},
		{"SAGASTORE_REAPER_INTERVAL", &cfg.ReaperInterval},
		{"SAGASTORE_METRICS_ADDR", &cfg.MetricsAddr},
	}
	for _, e := range envs {
		if v := os.Getenv(e.name); v != "" {
			*e.dst = v
		}
	}

	return cfg, cfg.validate()
}

func decodeSettings(path string, data []byte, cfg *Config) error {
	var err error
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	switch c.Driver {
	case driverLibSQL:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the %s driver", driverLibSQL)
		}
	case driverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the %s driver", driverPostgres)
		}
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, driverLibSQL, driverPostgres)
	}
	if _, err := c.reaperInterval(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat)
	}
	return nil
}

func (c Config) reaperInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.ReaperInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid reaper_interval %q: %w", c.ReaperInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("reaper_interval must be positive, got %s", c.ReaperInterval)
	}
	return d, nil
}
