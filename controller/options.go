package controller

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/glucotray/service"
	"github.com/timzifer/glucotray/telemetry"
)

// Option configures the controller during construction.
type Option func(*settings) error

type settings struct {
	logger      zerolog.Logger
	telemetry   telemetry.Collector
	autostart   Autostart
	theme       service.ThemeDetector
	display     Display
	dialog      Dialog
	fetcher     service.Fetcher
	renderer    service.Renderer
	quitTimeout time.Duration
	hotReload   bool
}

// WithLogger provides a custom logger instance for the controller.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		return nil
	}
}

// WithTelemetry injects a metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		return nil
	}
}

// WithAutostart installs the OS autostart integration.
func WithAutostart(autostart Autostart) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.autostart = autostart
		return nil
	}
}

// WithTheme installs the desktop theme detector.
func WithTheme(theme service.ThemeDetector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.theme = theme
		return nil
	}
}

// WithDisplay installs the tray icon surface.
func WithDisplay(display Display) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.display = display
		return nil
	}
}

// WithDialog installs the configuration dialog.
func WithDialog(dialog Dialog) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.dialog = dialog
		return nil
	}
}

// WithFetcher replaces the Nightscout fetcher built from the configuration.
func WithFetcher(fetcher service.Fetcher) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if fetcher == nil {
			return errors.New("fetcher must not be nil")
		}
		cfg.fetcher = fetcher
		return nil
	}
}

// WithRenderer replaces the icon renderer.
func WithRenderer(renderer service.Renderer) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if renderer == nil {
			return errors.New("renderer must not be nil")
		}
		cfg.renderer = renderer
		return nil
	}
}

// WithQuitTimeout bounds how long Quit waits for a running cycle.
func WithQuitTimeout(d time.Duration) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if d <= 0 {
			return errors.New("quit timeout must be positive")
		}
		cfg.quitTimeout = d
		return nil
	}
}

// WithHotReload toggles watching the config file for external edits.
func WithHotReload(enabled bool) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.hotReload = enabled
		return nil
	}
}
