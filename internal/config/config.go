package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Gateway  GatewayConfig  `json:"gateway"`
	Database DatabaseConfig `json:"database"`
	Cache    CacheConfig    `json:"cache"`
	Persist  PersistConfig  `json:"persist"`
	Executor ExecutorConfig `json:"executor"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type ServerConfig struct {
	Port          int    `json:"port"`
	LogLevel      string `json:"log_level"`
	MigrationsDir string `json:"migrations_dir"`
}

// GatewayConfig points at an OpenAI-compatible chat completions endpoint.
type GatewayConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	DefaultModel   string `json:"default_model"`
	Referer        string `json:"referer"`
	Title          string `json:"title"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type CacheConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type PersistConfig struct {
	Workers             int `json:"workers"`
	QueueSize           int `json:"queue_size"`
	DrainTimeoutSeconds int `json:"drain_timeout_seconds"`
}

type ExecutorConfig struct {
	DedupeInflight bool `json:"dedupe_inflight"`
}

type MetricsConfig struct {
	Namespace string `json:"namespace"`
}

// Default returns a configuration that runs with in-memory storage only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info", MigrationsDir: "migrations"},
		Gateway: GatewayConfig{
			Endpoint:       "https://openrouter.ai/api/v1",
			TimeoutSeconds: 120,
		},
		Cache:   CacheConfig{TTLSeconds: 24 * 60 * 60},
		Persist: PersistConfig{Workers: 4, QueueSize: 1024, DrainTimeoutSeconds: 30},
		Metrics: MetricsConfig{Namespace: "fnexec"},
	}
}

// CacheTTL returns the configured cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// GatewayTimeout returns the per-request gateway timeout.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// DrainTimeout bounds how long shutdown waits for pending persistence.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Persist.DrainTimeoutSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults and substitutes
// environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
