// Package controller wires the poll scheduler to the tray: it owns the
// application state, turns menu commands into actions and forwards every
// cycle result to the display.
package controller

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/glucotray/config"
	"github.com/timzifer/glucotray/internal/reload"
	"github.com/timzifer/glucotray/nightscout"
	"github.com/timzifer/glucotray/render"
	"github.com/timzifer/glucotray/service"
	"github.com/timzifer/glucotray/store"
	"github.com/timzifer/glucotray/telemetry"
)

// DefaultQuitTimeout bounds how long Quit waits for the scheduler.
const DefaultQuitTimeout = 5 * time.Second

// Command is a user action from the tray menu.
type Command int

const (
	CommandConfigure Command = iota
	CommandToggleAutostart
	CommandQuit
	CommandRefresh
)

func (c Command) String() string {
	switch c {
	case CommandConfigure:
		return "configure"
	case CommandToggleAutostart:
		return "toggle-autostart"
	case CommandQuit:
		return "quit"
	case CommandRefresh:
		return "refresh"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// MenuState is the dynamic part of the tray menu.
type MenuState struct {
	Autostart bool
}

// Display is the tray icon surface.
type Display interface {
	SetIcon(img image.Image)
	SetTooltip(text string)
	SetMenuState(state MenuState)
	Close()
}

// Autostart registers the application to start with the user session.
type Autostart interface {
	Enable(enabled bool) error
	IsEnabled() bool
}

// Dialog edits the Nightscout address and token. Implementations call
// Controller.SaveConfigAsync when the user confirms.
type Dialog interface {
	Show(address, token string)
}

var (
	// ErrUnsupported is returned for commands whose collaborator is missing.
	ErrUnsupported = errors.New("command not supported")
	// ErrClosed is returned once Quit has been called.
	ErrClosed = errors.New("controller closed")
)

type colorizer interface {
	SetColorize(enabled bool)
}

// Controller is the tray application core.
type Controller struct {
	logger    zerolog.Logger
	telemetry telemetry.Collector

	state    *AppState
	store    *store.Store
	srv      *service.Service
	renderer service.Renderer

	display   Display
	autostart Autostart
	dialog    Dialog

	watcher     *reload.Watcher
	quitTimeout time.Duration

	workers  sync.WaitGroup
	quitOnce sync.Once
	quit     chan struct{}
}

// New constructs a controller for state with the supplied options.
func New(ctx context.Context, state *AppState, opts ...Option) (*Controller, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if state == nil {
		return nil, errors.New("app state must not be nil")
	}

	cfg := settings{
		logger:      zerolog.Nop(),
		telemetry:   telemetry.Noop(),
		quitTimeout: DefaultQuitTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	current := state.Config()
	c := &Controller{
		logger:      cfg.logger.With().Str("component", "controller").Logger(),
		telemetry:   cfg.telemetry,
		state:       state,
		display:     cfg.display,
		autostart:   cfg.autostart,
		dialog:      cfg.dialog,
		quitTimeout: cfg.quitTimeout,
		quit:        make(chan struct{}),
	}

	c.store = store.New(current.CacheFile, cfg.logger)
	fetcher := cfg.fetcher
	if fetcher == nil {
		fetcher = nightscout.NewFetcher(c.store, nightscout.WithLogger(cfg.logger))
	}
	c.renderer = cfg.renderer
	if c.renderer == nil {
		c.renderer = render.New(nil, render.WithColorize(current.Tray.Colorize))
	}

	srv, err := service.New(fetcher, c.renderer, state,
		service.WithLogger(cfg.logger),
		service.WithInterval(current.PollInterval.Duration),
		service.WithTheme(cfg.theme),
		service.WithSink(c),
		service.WithTelemetry(cfg.telemetry),
	)
	if err != nil {
		return nil, err
	}
	c.srv = srv

	if cfg.hotReload && state.Path() != "" {
		watcher, err := reload.NewWatcher(state.Path())
		if err != nil {
			return nil, fmt.Errorf("watch configuration: %w", err)
		}
		c.watcher = watcher
	}
	return c, nil
}

// Service exposes the scheduler.
func (c *Controller) Service() *service.Service {
	return c.srv
}

// State exposes the application state.
func (c *Controller) State() *AppState {
	return c.state
}

// Publish implements service.Sink by forwarding the cycle to the display.
func (c *Controller) Publish(result service.CycleResult) {
	if c.display == nil {
		return
	}
	if result.Icon != nil {
		c.display.SetIcon(result.Icon)
	}
	c.display.SetTooltip(result.Display.Tooltip)
}

// Run drives the scheduler and, when enabled, the config file watcher until
// ctx is cancelled or Quit is called.
func (c *Controller) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.srv.Run(runCtx)
	}()

	var ticker *time.Ticker
	if c.watcher != nil {
		ticker = time.NewTicker(time.Second)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			c.srv.Stop()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-tickChannel(ticker):
			changes, err := c.watcher.Check()
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			if err := c.reload(runCtx, changes); err != nil {
				c.logger.Error().Err(err).Msg("failed to reload configuration")
			}
		}
	}
}

// reload applies an external edit of the config file and runs a cycle with it.
func (c *Controller) reload(ctx context.Context, files []string) error {
	// Snapshot first so a broken file is reported once, not on every tick.
	if err := c.watcher.Update(); err != nil {
		return err
	}
	cfg, err := config.Load(c.state.Path())
	if err != nil {
		return err
	}
	c.apply(cfg)
	for _, file := range files {
		c.telemetry.IncConfigReload(file)
	}
	c.logger.Info().Strs("files", files).Msg("configuration reloaded")
	c.srv.Trigger(ctx)
	return nil
}

func (c *Controller) apply(cfg *config.Config) {
	c.state.replace(cfg)
	c.srv.SetInterval(cfg.PollInterval.Duration)
	if r, ok := c.renderer.(colorizer); ok {
		r.SetColorize(cfg.Tray.Colorize)
	}
}

// Dispatch executes a menu command. Long running work is moved off the
// calling goroutine so UI callbacks return immediately.
func (c *Controller) Dispatch(ctx context.Context, cmd Command) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	switch cmd {
	case CommandConfigure:
		if c.dialog == nil {
			return fmt.Errorf("%s: %w", cmd, ErrUnsupported)
		}
		cfg := c.state.Config()
		c.dialog.Show(cfg.Address, cfg.Token)
		return nil
	case CommandToggleAutostart:
		_, err := c.ToggleAutostart()
		return err
	case CommandQuit:
		c.Quit()
		return nil
	case CommandRefresh:
		c.goWorker(func() { c.srv.Trigger(ctx) })
		return nil
	default:
		return fmt.Errorf("%s: %w", cmd, ErrUnsupported)
	}
}

// SaveConfig persists a new address and token and runs a cycle with them.
// The returned error is the cycle's fetch error, so a dialog can tell the
// user whether Nightscout was reachable.
func (c *Controller) SaveConfig(ctx context.Context, address, token string) (service.CycleResult, error) {
	cfg := c.state.Config()
	cfg.Address = strings.TrimSpace(address)
	cfg.Token = strings.TrimSpace(token)
	if err := config.Validate(cfg); err != nil {
		return service.CycleResult{}, err
	}
	if path := c.state.Path(); path != "" {
		if err := config.Save(path, cfg); err != nil {
			return service.CycleResult{}, err
		}
		if c.watcher != nil {
			if err := c.watcher.Update(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to refresh configuration watcher")
			}
		}
	}
	c.apply(cfg)
	c.logger.Info().Bool("configured", cfg.Configured()).Msg("configuration saved")

	result := c.srv.Trigger(ctx)
	if !result.Fresh {
		return result, result.Err
	}
	return result, nil
}

// SaveConfigAsync runs SaveConfig on a worker goroutine and reports the
// outcome through done.
func (c *Controller) SaveConfigAsync(ctx context.Context, address, token string, done func(error)) {
	c.goWorker(func() {
		_, err := c.SaveConfig(ctx, address, token)
		if done != nil {
			done(err)
		}
	})
}

// ToggleAutostart flips the autostart registration and returns the state
// read back from the OS.
func (c *Controller) ToggleAutostart() (bool, error) {
	if c.autostart == nil {
		return false, fmt.Errorf("%s: %w", CommandToggleAutostart, ErrUnsupported)
	}
	err := c.autostart.Enable(!c.autostart.IsEnabled())
	enabled := c.autostart.IsEnabled()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to change autostart")
	}
	if c.display != nil {
		c.display.SetMenuState(MenuState{Autostart: enabled})
	}
	return enabled, err
}

// AutostartEnabled reports the current autostart registration.
func (c *Controller) AutostartEnabled() bool {
	return c.autostart != nil && c.autostart.IsEnabled()
}

// Quit stops the scheduler, waits a bounded time for the running cycle and
// closes the display. It is safe to call more than once.
func (c *Controller) Quit() {
	c.quitOnce.Do(func() {
		close(c.quit)
		c.srv.Stop()
		if !c.srv.Join(c.quitTimeout) {
			c.logger.Warn().Dur("timeout", c.quitTimeout).Msg("scheduler did not stop in time")
		}
		if !waitTimeout(&c.workers, c.quitTimeout) {
			c.logger.Warn().Msg("background work still running at quit")
		}
		if c.display != nil {
			c.display.Close()
		}
	})
}

// Last returns the most recent cycle result.
func (c *Controller) Last() (service.CycleResult, bool) {
	return c.srv.Last()
}

func (c *Controller) goWorker(fn func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn()
	}()
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
