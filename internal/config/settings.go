// Package config reads runtime settings from the environment and loads
// configuration mappings from files.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Executor backend names.
const (
	ExecutorSync   = "sync"
	ExecutorPool   = "pool"
	ExecutorRemote = "redis"
)

// Settings holds the runtime settings of a driver.
type Settings struct {
	Executor    string        `env:"FLOWGRAPH_EXECUTOR" envDefault:"sync"`
	MaxWorkers  int           `env:"FLOWGRAPH_MAX_WORKERS" envDefault:"4"`
	TaskTimeout time.Duration `env:"FLOWGRAPH_TASK_TIMEOUT" envDefault:"0s"`
	LogLevel    string        `env:"FLOWGRAPH_LOG_LEVEL" envDefault:"info"`
	CacheTTL    time.Duration `env:"FLOWGRAPH_CACHE_TTL" envDefault:"0s"`
	// CacheFile persists the result cache. Empty keeps it in memory.
	CacheFile   string        `env:"FLOWGRAPH_CACHE_FILE"`
	ConfigFile  string        `env:"FLOWGRAPH_CONFIG_FILE"`

	Redis RedisSettings
}

// RedisSettings configures the remote executor's Redis transport.
type RedisSettings struct {
	Addr        string        `env:"FLOWGRAPH_REDIS_ADDR" envDefault:"localhost:6379"`
	Password    string        `env:"FLOWGRAPH_REDIS_PASS"`
	DB          int           `env:"FLOWGRAPH_REDIS_DB" envDefault:"0"`
	Queue       string        `env:"FLOWGRAPH_REDIS_QUEUE" envDefault:"flowgraph:tasks"`
	DialTimeout time.Duration `env:"FLOWGRAPH_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
}

// Load reads settings from environment variables.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	switch s.Executor {
	case ExecutorSync, ExecutorPool:
	case ExecutorRemote:
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the %s executor", ExecutorRemote)
		}
		if s.Redis.Queue == "" {
			return fmt.Errorf("redis queue is required for the %s executor", ExecutorRemote)
		}
	default:
		return fmt.Errorf("unknown executor: %s (must be sync, pool or redis)", s.Executor)
	}

	if s.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if s.TaskTimeout < 0 {
		return fmt.Errorf("task timeout cannot be negative")
	}
	if s.CacheTTL < 0 {
		return fmt.Errorf("cache ttl cannot be negative")
	}
	if s.CacheFile != "" && s.CacheTTL == 0 {
		return fmt.Errorf("cache file requires a positive cache ttl")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s.LogLevel)
	}
	return nil
}
