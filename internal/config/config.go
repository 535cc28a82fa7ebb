// Package config loads runtime configuration for the actor-kit server.
//
// Configuration sources, in order of precedence:
//  1. Environment variables
//  2. Optional YAML config file pointed at by ACTOR_KIT_CONFIG
//  3. Built-in defaults
//
// A .env file in the working directory is loaded into the environment first
// when present, so local development does not need exported variables.
//
// System boundary values:
//   - ACTOR_KIT_SECRET: token signing key (required)
//   - ACTOR_KIT_HOST: the single client-facing host value, default
//     "localhost:8787". There is no implicit fallback between this and the
//     listen port; ACTOR_KIT_PORT controls where the server binds.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	// Secret is the HMAC signing key for access and connection tokens.
	// Required; the server refuses to start without it.
	Secret string `yaml:"secret"`

	// Host is the client-facing host value handed to clients and the fetch
	// helper. One value, one default, no fallback.
	Host string `yaml:"host"`

	// Port is the HTTP listen port.
	Port string `yaml:"port"`

	// LogLevel is a zerolog level name (trace, debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`

	// LogPretty enables console output instead of JSON.
	LogPretty bool `yaml:"logPretty"`

	// AllowedOrigins is the comma-separated Origin allowlist for WebSocket
	// upgrades. Empty means localhost-only.
	AllowedOrigins string `yaml:"allowedOrigins"`

	// Storage selects the persistence backend: "memory", "redis" or "postgres".
	Storage string `yaml:"storage"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig holds Redis storage backend configuration.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds Postgres storage backend configuration.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// Load builds the configuration from the environment (plus .env and the
// optional YAML file). It fails when ACTOR_KIT_SECRET is missing.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("ACTOR_KIT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Secret == "" {
		return nil, fmt.Errorf("ACTOR_KIT_SECRET is required")
	}
	switch cfg.Storage {
	case "memory", "redis", "postgres":
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want memory, redis or postgres)", cfg.Storage)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:     "localhost:8787",
		Port:     "8787",
		LogLevel: "info",
		Storage:  "memory",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "actorkit",
			DBName:  "actorkit",
			SSLMode: "disable", // should be "require" in production
		},
	}
}

func (c *Config) applyEnv() {
	c.Secret = getEnv("ACTOR_KIT_SECRET", c.Secret)
	c.Host = getEnv("ACTOR_KIT_HOST", c.Host)
	c.Port = getEnv("ACTOR_KIT_PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvBool("LOG_PRETTY", c.LogPretty)
	c.AllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.Storage = getEnv("ACTOR_KIT_STORAGE", c.Storage)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Postgres.Host = getEnv("DB_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnv("DB_PORT", c.Postgres.Port)
	c.Postgres.User = getEnv("DB_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("DB_PASSWORD", c.Postgres.Password)
	c.Postgres.DBName = getEnv("DB_NAME", c.Postgres.DBName)
	c.Postgres.SSLMode = getEnv("DB_SSL_MODE", c.Postgres.SSLMode)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return fallback
}
