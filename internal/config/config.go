// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by cmd/server and cmd/migrate
type Config struct {
	DatabaseURL string      `yaml:"database_url"`
	Port        string      `yaml:"port"`
	Redis       RedisConfig `yaml:"redis"`
	Cache       CacheConfig `yaml:"cache"`

	// EvalParallelism bounds concurrent rule and record evaluation.
	// 0 uses GOMAXPROCS.
	EvalParallelism int    `yaml:"eval_parallelism"`
	NotifyChannel   string `yaml:"notify_channel"`
	MigrationsPath  string `yaml:"migrations_path"`
}

// RedisConfig enables the shared rule group cache when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	// TTL of cached rule groups. 0 keeps entries until invalidated.
	TTL time.Duration `yaml:"ttl"`
}

// Enabled reports whether a Redis address is configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Default returns the settings used when nothing is configured
func Default() Config {
	return Config{
		Port:           "8080",
		NotifyChannel:  "rule_group_changed",
		MigrationsPath: "file://migrations",
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv loads the file named by CONFIG_FILE, if any, then the environment
func FromEnv() (Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Port, "PORT")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.NotifyChannel, "NOTIFY_CHANNEL")
	setString(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	var errs []error
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REDIS_DB: %w", err))
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CACHE_TTL: %w", err))
		}
		cfg.Cache.TTL = ttl
	}
	if v := os.Getenv("EVAL_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EVAL_PARALLELISM: %w", err))
		}
		cfg.EvalParallelism = n
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the settings a running server needs
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.EvalParallelism < 0 {
		return fmt.Errorf("eval_parallelism must not be negative, got %d", c.EvalParallelism)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative, got %s", c.Cache.TTL)
	}
	return nil
}
