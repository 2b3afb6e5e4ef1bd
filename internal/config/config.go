package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration for one downloader invocation.
type Config struct {
	Output    OutputConfig    `yaml:"output"`
	Worker    WorkerConfig    `yaml:"worker"`
	HTTP      HTTPConfig      `yaml:"http"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Rendering RenderingConfig `yaml:"rendering"`
	Logging   LoggingConfig   `yaml:"logging"`
	DB        SQLConfig       `yaml:"db"`
}

// OutputConfig locates the root of the download tree.
type OutputConfig struct {
	Root string `yaml:"root"`
}

// WorkerConfig controls download concurrency.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// HTTPConfig controls the HTTP client used for every fetch.
type HTTPConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	ProxyURL       string            `yaml:"proxy_url"`
}

// MirrorConfig enables asset mirroring and cross-origin fetches.
type MirrorConfig struct {
	Enabled           bool `yaml:"enabled"`
	IncludeThirdParty bool `yaml:"include_third_party"`
}

// RenderingConfig controls optional JavaScript rendering of mirrored pages.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	CaptureDelay       Duration `yaml:"capture_delay"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// SQLConfig describes an optional relational sink for the run manifest.
// The manifest is disabled when driver or dsn is empty.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	Table           string   `yaml:"table"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Output: OutputConfig{
			Root: "downloads",
		},
		Worker: WorkerConfig{
			Concurrency: 8,
		},
		HTTP: HTTPConfig{
			UserAgent:      "sitemirror/1.0",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(30 * time.Second),
			MaxBodyBytes:   10 * 1024 * 1024,
		},
		Rendering: RenderingConfig{
			Timeout:            DurationFrom(60 * time.Second),
			CaptureDelay:       DurationFrom(1500 * time.Millisecond),
			ConcurrentSessions: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		DB: SQLConfig{
			Driver:      "postgres",
			Table:       "download_results",
			AutoMigrate: true,
		},
	}
}

// Load reads a YAML configuration file layered over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Output.Root) == "" {
		return fmt.Errorf("output root must be provided")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.HTTP.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.HTTP.RequestTimeout)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}
	return nil
}
