// Package config holds all configuration types and loading logic for deferq.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/deferq/internal/consumer"
)

// Config is the root configuration for a deferq process.
type Config struct {
	Driver  DriverConfig  `yaml:"driver"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Demo    DemoConfig    `yaml:"demo"`

	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
}

// DriverConfig controls the real-time driver that runs scheduled tasks.
type DriverConfig struct {
	// Name labels the driver in logs, metrics and events.
	Name string `yaml:"name"`
	// Workers is the number of goroutines running callbacks. With 1 worker,
	// callbacks run strictly in dispatch order.
	Workers int `yaml:"workers"`
	// CompactThreshold is the tombstone count at which Cancel compacts the
	// heap. Zero disables compaction.
	CompactThreshold int `yaml:"compact_threshold"`
}

// HTTPConfig controls the introspection HTTP server.
type HTTPConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogJSON LogFormat = "json"
	LogText LogFormat = "text"
)

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string    `yaml:"level"` // debug | info | warn | error
	Format LogFormat `yaml:"format"`
}

// DemoConfig controls the built-in Fibonacci workload.
type DemoConfig struct {
	// Tasks is the number of demo tasks scheduled at startup. Zero disables the demo.
	Tasks int `yaml:"tasks"`
	// MaxOffset is the largest random delay, e.g. "20s".
	MaxOffset string `yaml:"max_offset"`
}

// DeadLetterConfig controls the in-memory record of failed tasks.
type DeadLetterConfig struct {
	// Capacity is the number of failed task events kept; older ones are evicted.
	Capacity int `yaml:"capacity"`
}

// WebhookConfig is a webhook registered at startup. More can be added at
// runtime through the HTTP API.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Default returns a Config populated with safe, sensible defaults.
func Default() *Config {
	return &Config{
		Driver: DriverConfig{
			Name:             "default",
			Workers:          1,
			CompactThreshold: 1024,
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8080,
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogJSON,
		},
		Demo: DemoConfig{
			Tasks:     0,
			MaxOffset: "20s",
		},
		DeadLetter: DeadLetterConfig{
			Capacity: 1000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	DEFERQ_AUTH_API_KEY: sets auth.api_key and enables auth
//	DEFERQ_HTTP_PORT   : sets http.port
//	DEFERQ_LOG_LEVEL   : sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DEFERQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("DEFERQ_HTTP_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("DEFERQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Driver.Name == "" {
		return errors.New("driver.name must not be empty")
	}
	if c.Driver.Workers < 1 {
		return errors.New("driver.workers must be at least 1")
	}
	if c.Driver.CompactThreshold < 0 {
		return errors.New("driver.compact_threshold must be >= 0")
	}
	if c.HTTP.Enabled {
		if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
			return errors.New("http.port must be between 1 and 65535")
		}
		if c.HTTP.RateLimitRPS <= 0 {
			return errors.New("http.rate_limit_rps must be positive")
		}
		if c.HTTP.RateLimitBurst < 1 {
			return errors.New("http.rate_limit_burst must be at least 1")
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case LogJSON, LogText:
		// valid
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	if c.Demo.Tasks < 0 {
		return errors.New("demo.tasks must be >= 0")
	}
	if c.Demo.Tasks > 0 {
		if _, err := c.Demo.Offset(); err != nil {
			return fmt.Errorf("demo.max_offset: %w", err)
		}
	}
	if c.DeadLetter.Capacity < 1 {
		return errors.New("dead_letter.capacity must be at least 1")
	}
	for i, wh := range c.Webhooks {
		if !consumer.ValidURL(wh.URL) {
			return fmt.Errorf("webhooks[%d].url must be an absolute http or https URL", i)
		}
	}
	return nil
}
