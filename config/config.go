package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/glucotray/nightscout"
)

const (
	// AppName names the per-user config and cache directories.
	AppName = "glucotray"
	// EnvPrefix prefixes environment overrides, e.g. GLUCOTRAY_TOKEN or
	// GLUCOTRAY_LOGGING_LEVEL.
	EnvPrefix = "GLUCOTRAY"

	DefaultPollInterval   = 30 * time.Second
	DefaultRequestTimeout = nightscout.DefaultTimeout
	DefaultMetricsListen  = "127.0.0.1:9464"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.Decode(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" split_words:"true"`
	URL     string            `yaml:"url" split_words:"true" validate:"omitempty,url"`
	Labels  map[string]string `yaml:"labels,omitempty" split_words:"true"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" split_words:"true"`
	Format string     `yaml:"format,omitempty" split_words:"true"`
	File   string     `yaml:"file,omitempty" split_words:"true"`
	Loki   LokiConfig `yaml:"loki" split_words:"true"`
}

// TelemetryConfig configures the Prometheus listener.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Listen  string `yaml:"listen,omitempty" split_words:"true" validate:"omitempty,hostname_port"`
}

// TrayConfig holds presentation options.
type TrayConfig struct {
	Colorize bool `yaml:"colorize" split_words:"true"`
}

// Config is the persisted application configuration. Only the Nightscout
// address and token are edited from the tray; the rest is tuning.
type Config struct {
	Address        string          `yaml:"nightscout_address" split_words:"true" validate:"omitempty,url"`
	Token          string          `yaml:"token" split_words:"true"`
	PollInterval   Duration        `yaml:"poll_interval,omitempty" split_words:"true"`
	RequestTimeout Duration        `yaml:"request_timeout,omitempty" split_words:"true"`
	Units          string          `yaml:"units,omitempty" split_words:"true"`
	CacheFile      string          `yaml:"cache_file,omitempty" split_words:"true"`
	Logging        LoggingConfig   `yaml:"logging" split_words:"true"`
	Telemetry      TelemetryConfig `yaml:"telemetry" split_words:"true"`
	Tray           TrayConfig      `yaml:"tray" split_words:"true"`
}

// DefaultPath is the config file location under the user config directory.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// DefaultCachePath is the reading cache location under the user cache directory.
func DefaultCachePath() string {
	return filepath.Join(xdg.CacheHome, AppName, "readings.json")
}

// Default returns a configuration with every tuning field set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = DefaultPollInterval
	}
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout.Duration = DefaultRequestTimeout
	}
	if strings.TrimSpace(cfg.Units) == "" {
		cfg.Units = "mg/dl"
	}
	if strings.TrimSpace(cfg.CacheFile) == "" {
		cfg.CacheFile = DefaultCachePath()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.Listen == "" {
		cfg.Telemetry.Listen = DefaultMetricsListen
	}
}

// Load reads the configuration at path. A missing file yields the defaults.
// Environment variables prefixed with GLUCOTRAY override file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := validateDocument(path, data); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	applyDefaults(cfg)
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically. The file holds the API token, so it
// is created readable by the owner only.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	// atomic.WriteFile keeps the mode of an existing file; new files get 0600.
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Logging.Loki.Labels != nil {
		out.Logging.Loki.Labels = make(map[string]string, len(c.Logging.Loki.Labels))
		for k, v := range c.Logging.Loki.Labels {
			out.Logging.Loki.Labels[k] = v
		}
	}
	return &out
}

// Endpoint returns the fetch target described by the configuration.
func (c *Config) Endpoint() nightscout.Endpoint {
	return nightscout.Endpoint{
		Address: c.Address,
		Token:   c.Token,
		Timeout: c.RequestTimeout.Duration,
	}
}

// Configured reports whether both address and token are set.
func (c *Config) Configured() bool {
	return c.Endpoint().Configured()
}
