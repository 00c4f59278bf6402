// Package config loads service configuration from the environment.
package config

import "os"

type Config struct {
	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string
	// RedisAddr is the address of the Redis instance backing the realtime
	// change feed.
	RedisAddr string
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// FromEnv reads the configuration, applying defaults for everything except
// the database URL.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   envDefault("REDIS_ADDR", "localhost:6379"),
		ListenAddr:  envDefault("LISTEN_ADDR", ":8081"),
		LogLevel:    envDefault("LOG_LEVEL", "info"),
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
