// Package config loads the worker binary's configuration: a YAML file
// decoded into a tagged struct, a .env file optionally loaded via
// godotenv before that, and environment variables overriding whatever
// the file set last.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the worker binary's full configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig describes where the container connects to serve
// requests and how its session behaves.
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	PollTickSec        int    `yaml:"poll_tick_sec"`
	ActivityTimeoutSec int    `yaml:"activity_timeout_sec"`
}

// CacheConfig bounds the prediction cache.
type CacheConfig struct {
	MaxSizeBytes int `yaml:"max_size_bytes"`
}

// MetricsConfig configures the worker's metrics endpoint. Addr left
// empty disables the listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig configures the optional event-history diagnostics sink.
// Addr left empty disables the sink entirely.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:               "ws://localhost:7000/rpc",
			PollTickSec:        5,
			ActivityTimeoutSec: 30,
		},
		Cache: CacheConfig{
			MaxSizeBytes: 64 << 20,
		},
		Redis: RedisConfig{
			Channel: "modelserve.events",
		},
	}
}

// Load reads a .env file (if present, silently ignored if not), then a
// YAML file at path (if it exists), then applies environment variable
// overrides, layering over Default at each step.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return Config{}, err
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Addr = getEnv("MODELSERVE_ADDR", c.Server.Addr)
	if v := getEnvInt("MODELSERVE_POLL_TICK_SEC", 0); v > 0 {
		c.Server.PollTickSec = v
	}
	if v := getEnvInt("MODELSERVE_ACTIVITY_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ActivityTimeoutSec = v
	}
	if v := getEnvInt("MODELSERVE_CACHE_MAX_SIZE_BYTES", 0); v > 0 {
		c.Cache.MaxSizeBytes = v
	}

	c.Metrics.Addr = getEnv("MODELSERVE_METRICS_ADDR", c.Metrics.Addr)

	c.Redis.Addr = getEnv("MODELSERVE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("MODELSERVE_REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("MODELSERVE_REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}
	c.Redis.Channel = getEnv("MODELSERVE_REDIS_CHANNEL", c.Redis.Channel)
}

// PollTick returns Server.PollTickSec as a time.Duration.
func (c Config) PollTick() time.Duration {
	return time.Duration(c.Server.PollTickSec) * time.Second
}

// ActivityTimeout returns Server.ActivityTimeoutSec as a time.Duration.
func (c Config) ActivityTimeout() time.Duration {
	return time.Duration(c.Server.ActivityTimeoutSec) * time.Second
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
