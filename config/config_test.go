package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultPollInterval, cfg.PollInterval.Duration)
	require.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout.Duration)
	require.Equal(t, "mg/dl", cfg.Units)
	require.Equal(t, DefaultCachePath(), cfg.CacheFile)
	require.False(t, cfg.Configured())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
nightscout_address: https://ns.example.com
token: secret
poll_interval: 1m
units: mmol
logging:
  level: debug
  format: text
tray:
  colorize: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://ns.example.com", cfg.Address)
	require.Equal(t, "secret", cfg.Token)
	require.Equal(t, time.Minute, cfg.PollInterval.Duration)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout.Duration)
	require.Equal(t, "mmol", cfg.Units)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Tray.Colorize)
	require.True(t, cfg.Configured())

	ep := cfg.Endpoint()
	require.Equal(t, 10*time.Second, ep.Timeout)
}

func TestLoadLegacyJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"nightscout_address": "https://legacy.example.com/", "token": "abc"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://legacy.example.com/", cfg.Address)
	require.Equal(t, "abc", cfg.Token)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "nightscout_adress: https://typo.example.com\n",
		"bad duration": "poll_interval: soon\n",
		"bad units":    "units: furlongs\n",
		"bad format":   "logging:\n  format: xml\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, doc)
			_, err := Load(path)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "nightscout_address: https://file.example.com\ntoken: file\n")

	t.Setenv("GLUCOTRAY_TOKEN", "from-env")
	t.Setenv("GLUCOTRAY_POLL_INTERVAL", "45s")
	t.Setenv("GLUCOTRAY_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://file.example.com", cfg.Address)
	require.Equal(t, "from-env", cfg.Token)
	require.Equal(t, 45*time.Second, cfg.PollInterval.Duration)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Address = "https://ns.example.com"
	cfg.Token = "tok"
	cfg.Logging.Loki.Labels = map[string]string{"app": "glucotray"}

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	cfg.Address = "not a url"
	require.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Logging.Loki.Enabled = true
	require.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Telemetry.Listen = "nope"
	require.ErrorIs(t, Validate(cfg), ErrInvalid)
}

func TestCloneCopiesLabels(t *testing.T) {
	cfg := Default()
	cfg.Logging.Loki.Labels = map[string]string{"a": "1"}
	clone := cfg.Clone()
	clone.Logging.Loki.Labels["a"] = "2"
	require.Equal(t, "1", cfg.Logging.Loki.Labels["a"])
}
