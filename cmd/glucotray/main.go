package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/glucotray/config"
	"github.com/timzifer/glucotray/controller"
	"github.com/timzifer/glucotray/desktop"
	"github.com/timzifer/glucotray/glucose"
	"github.com/timzifer/glucotray/internal/logging"
	"github.com/timzifer/glucotray/nightscout"
	"github.com/timzifer/glucotray/render"
	"github.com/timzifer/glucotray/telemetry"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	once := flag.Bool("once", false, "Run a single poll cycle, print the tooltip and exit")
	iconOut := flag.String("icon-out", "", "With -once, write the rendered icon as PNG to this path")
	headless := flag.Bool("headless", false, "Poll without a tray icon and log every cycle")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if *configCheck {
		os.Exit(executeConfigCheck(*cfgPath, cfg, err))
	}
	if err != nil {
		log.Warn().Err(err).Str("path", *cfgPath).Msg("failed to load configuration, using defaults")
		cfg = config.Default()
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector := newTelemetryCollector(ctx, cfg.Telemetry, logger)
	renderer := render.New(nil, render.WithColorize(cfg.Tray.Colorize))
	state := controller.NewAppState(*cfgPath, cfg)
	base := []controller.Option{
		controller.WithLogger(logger),
		controller.WithTelemetry(collector),
		controller.WithRenderer(renderer),
	}

	switch {
	case *once:
		os.Exit(runOnce(ctx, state, *iconOut, base))
	case *headless:
		opts := append(base, controller.WithHotReload(true), controller.WithDisplay(logDisplay{logger: logger}))
		c, err := controller.New(ctx, state, opts...)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create controller")
		}
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("scheduler stopped with error")
		}
	default:
		if err := runTray(ctx, state, renderer, logger, base); err != nil {
			logger.Fatal().Err(err).Msg("tray stopped with error")
		}
	}
}

func runTray(ctx context.Context, state *controller.AppState, renderer *render.Renderer, logger zerolog.Logger, base []controller.Option) error {
	a := app.NewWithID(desktop.AppID)
	theme := desktop.Theme{App: a}

	var c *controller.Controller
	tray, err := desktop.NewTray(a, func(cmd controller.Command) {
		if err := c.Dispatch(ctx, cmd); err != nil {
			logger.Error().Err(err).Stringer("command", cmd).Msg("command failed")
		}
	}, logger)
	if err != nil {
		return err
	}
	dialog := desktop.NewConfigDialog(a, func(address, token string, done func(error)) {
		c.SaveConfigAsync(ctx, address, token, done)
	})

	opts := append(base,
		controller.WithTheme(theme),
		controller.WithDisplay(tray),
		controller.WithDialog(dialog),
		controller.WithHotReload(true),
	)
	if autostart, err := desktop.NewAutostart(); err != nil {
		logger.Warn().Err(err).Msg("autostart unavailable")
	} else {
		opts = append(opts, controller.WithAutostart(autostart))
	}

	c, err = controller.New(ctx, state, opts...)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	a.Lifecycle().SetOnStarted(func() {
		// The tray backend exists only once the app runs.
		tray.SetIcon(renderer.Render("?", nightscout.DirectionNone, glucose.ClassError, theme.IsDark()))
		tray.SetTooltip("Nightscout")
		tray.SetMenuState(controller.MenuState{Autostart: c.AutostartEnabled()})
		go func() {
			err := c.Run(ctx)
			runErr <- err
			if errors.Is(err, context.Canceled) {
				fyne.Do(a.Quit)
			}
		}()
	})
	a.Run()

	srv := c.Service()
	srv.Stop()
	if !srv.Join(controller.DefaultQuitTimeout) {
		logger.Warn().Msg("scheduler did not stop in time")
	}
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	return nil
}

func runOnce(ctx context.Context, state *controller.AppState, iconOut string, opts []controller.Option) int {
	c, err := controller.New(ctx, state, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}
	result := c.Service().Trigger(ctx)
	fmt.Println(result.Display.Tooltip)

	if iconOut != "" {
		data, err := render.EncodePNG(result.Icon)
		if err == nil {
			err = os.WriteFile(iconOut, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "write icon: %v\n", err)
			return 1
		}
	}
	if result.Err != nil {
		fmt.Fprintf(os.Stderr, "fetch failed: %v\n", result.Err)
		return 1
	}
	return 0
}

func executeConfigCheck(path string, cfg *config.Config, loadErr error) int {
	if loadErr != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", loadErr)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration %s\n", path)
	fmt.Printf("  Nightscout: %s\n", valueOrUnset(cfg.Address))
	fmt.Printf("  Token: %s\n", maskToken(cfg.Token))
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval.Duration)
	fmt.Printf("  Request timeout: %s\n", cfg.RequestTimeout.Duration)
	fmt.Printf("  Units: %s\n", cfg.Units)
	fmt.Printf("  Cache: %s\n", cfg.CacheFile)
	if !cfg.Configured() {
		fmt.Println("  Status: address and/or token not configured")
		return 0
	}
	fmt.Println("  Status: OK")
	return 0
}

func valueOrUnset(v string) string {
	if v == "" {
		return "(unset)"
	}
	return v
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "(unset)"
	case len(token) <= 4:
		return "****"
	default:
		return token[:2] + "****" + token[len(token)-2:]
	}
}

func newTelemetryCollector(ctx context.Context, cfg config.TelemetryConfig, logger zerolog.Logger) telemetry.Collector {
	if !cfg.Enabled {
		return telemetry.Noop()
	}
	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		return telemetry.Noop()
	}
	if _, err := collector.Serve(ctx, cfg.Listen, logger); err != nil {
		logger.Warn().Err(err).Str("listen", cfg.Listen).Msg("metrics listener unavailable")
	}
	return collector
}

// logDisplay stands in for the tray in headless mode.
type logDisplay struct {
	logger zerolog.Logger
}

func (d logDisplay) SetIcon(image.Image) {}

func (d logDisplay) SetTooltip(text string) {
	d.logger.Info().Str("component", "display").Time("at", time.Now()).Msg(text)
}

func (d logDisplay) SetMenuState(controller.MenuState) {}

func (d logDisplay) Close() {}
