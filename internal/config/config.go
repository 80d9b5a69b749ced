// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int

	// Database
	DatabaseURL string

	// Sandbox provider
	DevboxURL string

	// Idle detection
	IdleTimeout time.Duration
	MinRuntime  time.Duration
	MaxRuntime  time.Duration
	// IdlePatternsFile optionally names a YAML file of extra ignore
	// patterns for the idle classifier.
	IdlePatternsFile string

	// Sandbox lifecycle
	SandboxPollInterval    time.Duration
	SandboxReadyDeadline   time.Duration
	SweepInterval          time.Duration
	SweepAgeThresholdHours int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:               getEnvInt("HTTP_PORT", 8080),
		InternalPort:           getEnvInt("INTERNAL_PORT", 8081),
		DatabaseURL:            getEnv("DATABASE_URL", "file:orchestrator.db?cache=shared&mode=rwc"),
		DevboxURL:              getEnv("DEVBOX_URL", "http://localhost:9090"),
		IdleTimeout:            time.Duration(getEnvInt("IDLE_TIMEOUT_MS", 3000)) * time.Millisecond,
		MinRuntime:             time.Duration(getEnvInt("MIN_RUNTIME_MS", 30000)) * time.Millisecond,
		MaxRuntime:             time.Duration(getEnvInt("MAX_RUNTIME_MS", 3600000)) * time.Millisecond,
		IdlePatternsFile:       getEnv("IDLE_PATTERNS_FILE", ""),
		SandboxPollInterval:    time.Duration(getEnvInt("SANDBOX_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		SandboxReadyDeadline:   time.Duration(getEnvInt("SANDBOX_READY_DEADLINE_MS", 120000)) * time.Millisecond,
		SweepInterval:          time.Duration(getEnvInt("SWEEP_INTERVAL_MS", 900000)) * time.Millisecond,
		SweepAgeThresholdHours: getEnvInt("SWEEP_AGE_THRESHOLD_HOURS", 4),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// idlePatternsFile is the on-disk shape of the extra-patterns file.
type idlePatternsFile struct {
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

// LoadIdlePatterns reads the configured extra ignore patterns, if any.
func (c *Config) LoadIdlePatterns() ([]string, error) {
	if c.IdlePatternsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.IdlePatternsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read idle patterns file: %w", err)
	}
	var f idlePatternsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse idle patterns file: %w", err)
	}
	return f.IgnorePatterns, nil
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
