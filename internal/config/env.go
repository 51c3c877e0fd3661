package config

import (
	"os"
	"strconv"
	"time"
)

// LoadClientEnv applies FACTORIO_CACHER_* environment overrides to cfg.
func LoadClientEnv(cfg *ClientConfig) {
	if port := os.Getenv("FACTORIO_CACHER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if host := os.Getenv("FACTORIO_CACHER_HOST"); host != "" {
		cfg.Host = host
	}
	if path := os.Getenv("FACTORIO_CACHER_CACHE_PATH"); path != "" {
		cfg.CachePath = path
	}
	if limit := os.Getenv("FACTORIO_CACHER_CACHE_LIMIT"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			cfg.CacheLimit = n
		}
	}
	if interval := os.Getenv("FACTORIO_CACHER_CACHE_SAVE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.CacheSaveInterval = d
		}
	}
	if logLevel := os.Getenv("FACTORIO_CACHER_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsPort := os.Getenv("FACTORIO_CACHER_METRICS_PORT"); metricsPort != "" {
		if p, err := strconv.Atoi(metricsPort); err == nil {
			cfg.MetricsPort = p
		}
	}
}

// LoadServerEnv applies FACTORIO_CACHER_* environment overrides to cfg.
func LoadServerEnv(cfg *ServerConfig) {
	if port := os.Getenv("FACTORIO_CACHER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if host := os.Getenv("FACTORIO_CACHER_HOST"); host != "" {
		cfg.Host = host
	}
	if logLevel := os.Getenv("FACTORIO_CACHER_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsPort := os.Getenv("FACTORIO_CACHER_METRICS_PORT"); metricsPort != "" {
		if p, err := strconv.Atoi(metricsPort); err == nil {
			cfg.MetricsPort = p
		}
	}
}

// GetEnvOrDefault returns the environment variable's value, or
// defaultValue if it is unset or empty.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
