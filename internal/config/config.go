// Package config holds the settings for the client and server
// subcommands: struct-level defaults applied in code, with
// environment-variable overrides and then CLI flags layered on top,
// in that precedence order.
package config

import "time"

// ClientConfig holds the settings for the `client` subcommand.
type ClientConfig struct {
	Port              int           `yaml:"port" default:"60120"`
	Host              string        `yaml:"host" default:"0.0.0.0"`
	CachePath         string        `yaml:"cache_path" default:"./persistent-cache"`
	CacheLimit        int64         `yaml:"cache_limit" default:"500000000"`
	CacheSaveInterval time.Duration `yaml:"cache_save_interval" default:"60s"`
	ServerAddr        string        `yaml:"server_addr"`
	LogLevel          string        `yaml:"log_level" default:"info"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// DefaultClientConfig returns a ClientConfig populated with the
// documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Port:              60120,
		Host:              "0.0.0.0",
		CachePath:         "./persistent-cache",
		CacheLimit:        500_000_000,
		CacheSaveInterval: 60 * time.Second,
		LogLevel:          "info",
	}
}

// ServerConfig holds the settings for the `server` subcommand.
type ServerConfig struct {
	Port           int    `yaml:"port" default:"60130"`
	Host           string `yaml:"host" default:"0.0.0.0"`
	GameServerAddr string `yaml:"game_server_addr"`
	LogLevel       string `yaml:"log_level" default:"info"`
	MetricsPort    int    `yaml:"metrics_port"`
}

// DefaultServerConfig returns a ServerConfig populated with the
// documented defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:     60130,
		Host:     "0.0.0.0",
		LogLevel: "info",
	}
}
