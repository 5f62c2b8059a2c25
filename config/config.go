// Package config provides configuration for the conductor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the conductor configuration.
type Config struct {
	// Server settings
	HTTPPort int `yaml:"http_port"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Engine settings
	EngineURL string `yaml:"engine_url"`

	// Event fanout
	EventBufferSize int `yaml:"event_buffer_size"`

	// Shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:        8080,
		DatabaseURL:     "file:conductor.db?cache=shared&mode=rwc",
		EngineURL:       "http://localhost:8765",
		EventBufferSize: 256,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.EngineURL = getEnv("ENGINE_URL", cfg.EngineURL)
	cfg.EventBufferSize = getEnvInt("EVENT_BUFFER_SIZE", cfg.EventBufferSize)
	cfg.ShutdownTimeout = time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_MS", int(cfg.ShutdownTimeout/time.Millisecond))) * time.Millisecond
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
