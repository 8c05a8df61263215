package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mdevq/timesync/internal/models"
)

// Config is the daemon configuration. Values come from an optional YAML file
// (TIMESYNC_CONFIG path), with environment variables taking precedence.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	NATSURL  string `yaml:"nats_url"`

	Store struct {
		// Backend selects "postgres" or "bolt".
		Backend  string `yaml:"backend"`
		BoltPath string `yaml:"bolt_path"`
	} `yaml:"store"`

	Sync struct {
		DefaultStrategy string        `yaml:"default_strategy"`
		TickInterval    time.Duration `yaml:"tick_interval"`
		MaxDrift        time.Duration `yaml:"max_drift"`
		OptimisticTTL   time.Duration `yaml:"optimistic_ttl"`
	} `yaml:"sync"`
}

func loadConfig() (*Config, error) {
	var config Config

	if path := os.Getenv("TIMESYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.HTTPPort = getEnv("TIMESYNC_PORT", defaultStr(config.HTTPPort, "8080"))
	config.NATSURL = getEnv("NATS_URL", defaultStr(config.NATSURL, "nats://localhost:4222"))
	config.Store.Backend = getEnv("TIMESYNC_STORE", defaultStr(config.Store.Backend, "postgres"))
	config.Store.BoltPath = getEnv("TIMESYNC_BOLT_PATH", defaultStr(config.Store.BoltPath, "timesync.db"))
	config.Sync.DefaultStrategy = getEnv("TIMESYNC_STRATEGY", defaultStr(config.Sync.DefaultStrategy, string(models.StrategyServerWins)))

	if config.Sync.TickInterval <= 0 {
		config.Sync.TickInterval = getEnvAsDuration("TIMESYNC_TICK_INTERVAL", time.Second)
	}
	if config.Sync.MaxDrift <= 0 {
		config.Sync.MaxDrift = getEnvAsDuration("TIMESYNC_MAX_DRIFT", 5*time.Second)
	}
	if config.Sync.OptimisticTTL <= 0 {
		config.Sync.OptimisticTTL = getEnvAsDuration("TIMESYNC_OPTIMISTIC_TTL", 10*time.Second)
	}

	if !models.ResolutionStrategy(config.Sync.DefaultStrategy).Valid() {
		return nil, fmt.Errorf("invalid default strategy %q", config.Sync.DefaultStrategy)
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func defaultStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
