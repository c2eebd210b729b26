// Package config loads repoguard settings from a TOML or YAML file, .env
// files and REPOGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultMaxFileBytes = 100 << 20

// Config is the full process configuration.
type Config struct {
	Store       StoreConfig       `toml:"store" yaml:"store"`
	Containment ContainmentConfig `toml:"containment" yaml:"containment"`
	Detection   DetectionConfig   `toml:"detection" yaml:"detection"`
	Notify      NotifyConfig      `toml:"notify" yaml:"notify"`
	Vault       VaultConfig       `toml:"vault" yaml:"vault"`
	HTTP        HTTPConfig        `toml:"http" yaml:"http"`
	GRPC        GRPCConfig        `toml:"grpc" yaml:"grpc"`
	Watch       WatchConfig       `toml:"watch" yaml:"watch"`
}

type StoreConfig struct {
	Driver     string `toml:"driver" yaml:"driver"`
	DSN        string `toml:"dsn" yaml:"dsn"`
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
}

type ContainmentConfig struct {
	EncryptionKey string   `toml:"encryption_key" yaml:"encryption_key"`
	MaxFileBytes  int64    `toml:"max_file_bytes" yaml:"max_file_bytes"`
	ExcludedDirs  []string `toml:"excluded_dirs" yaml:"excluded_dirs"`
}

type DetectionConfig struct {
	Timezone string `toml:"timezone" yaml:"timezone"`
}

type NotifyConfig struct {
	RatePerSec float64 `toml:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `toml:"burst" yaml:"burst"`
}

type VaultConfig struct {
	MasterKey           string `toml:"master_key" yaml:"master_key"`
	DefaultRotationDays int    `toml:"default_rotation_days" yaml:"default_rotation_days"`
}

type HTTPConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type GRPCConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// WatchedRepository binds a repository id to a working tree on this machine.
type WatchedRepository struct {
	ID   string `toml:"id" yaml:"id"`
	Path string `toml:"path" yaml:"path"`
}

type WatchConfig struct {
	Repositories []WatchedRepository `toml:"repositories" yaml:"repositories"`
	DebounceMs   int                 `toml:"debounce_ms" yaml:"debounce_ms"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: "memory", SQLitePath: "repoguard.db"},
		Containment: ContainmentConfig{
			MaxFileBytes: defaultMaxFileBytes,
			ExcludedDirs: []string{".git", "node_modules", "venv", "__pycache__"},
		},
		Detection: DetectionConfig{Timezone: "UTC"},
		Notify:    NotifyConfig{RatePerSec: 5, Burst: 20},
		Vault:     VaultConfig{DefaultRotationDays: 30},
		HTTP:      HTTPConfig{Addr: ":8080"},
		GRPC:      GRPCConfig{Addr: ":9090"},
		Watch:     WatchConfig{DebounceMs: 250},
	}
}

// Load reads path (if it exists), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env files without overriding variables already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func loadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays REPOGUARD_* variables onto c.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("REPOGUARD_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("REPOGUARD_PG_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("REPOGUARD_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("REPOGUARD_ENCRYPTION_KEY"); v != "" {
		c.Containment.EncryptionKey = v
	}
	if v := os.Getenv("REPOGUARD_VAULT_KEY"); v != "" {
		c.Vault.MasterKey = v
	}
	if v := os.Getenv("REPOGUARD_TIMEZONE"); v != "" {
		c.Detection.Timezone = v
	}
	if v := os.Getenv("REPOGUARD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("REPOGUARD_GRPC_ADDR"); v != "" {
		c.GRPC.Addr = v
	}
	if v := os.Getenv("REPOGUARD_NOTIFY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Notify.RatePerSec = f
		}
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if len(c.Containment.EncryptionKey) < 16 {
		return errors.New("containment.encryption_key must be at least 16 bytes")
	}
	if c.Vault.MasterKey == "" {
		c.Vault.MasterKey = c.Containment.EncryptionKey
	}
	if len(c.Vault.MasterKey) < 16 {
		return errors.New("vault.master_key must be at least 16 bytes")
	}
	if c.Vault.DefaultRotationDays <= 0 {
		return errors.New("vault.default_rotation_days must be positive")
	}
	if c.Containment.MaxFileBytes <= 0 {
		c.Containment.MaxFileBytes = defaultMaxFileBytes
	}
	if _, err := time.LoadLocation(c.Detection.Timezone); err != nil {
		return fmt.Errorf("detection.timezone: %w", err)
	}
	if c.Notify.RatePerSec <= 0 {
		return errors.New("notify.rate_per_sec must be positive")
	}
	if c.Notify.Burst <= 0 {
		c.Notify.Burst = 1
	}
	for _, r := range c.Watch.Repositories {
		if r.ID == "" || r.Path == "" {
			return errors.New("watch.repositories entries need id and path")
		}
	}
	return nil
}

// Location returns the timezone detection hours are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Detection.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Debounce returns the watcher debounce interval.
func (c *Config) Debounce() time.Duration {
	if c.Watch.DebounceMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}
