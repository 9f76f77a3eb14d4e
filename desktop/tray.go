package desktop

import (
	"errors"
	"image"

	"fyne.io/fyne/v2"
	fynedesktop "fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/theme"
	"fyne.io/systray"
	"github.com/rs/zerolog"

	"github.com/timzifer/glucotray/controller"
	"github.com/timzifer/glucotray/render"
)

// ErrNoTray is returned when the fyne driver has no system tray support.
var ErrNoTray = errors.New("system tray not supported by this driver")

// Tray is the controller.Display backed by the fyne system tray. All UI
// mutation is marshalled onto the fyne thread with fyne.Do.
type Tray struct {
	app    fyne.App
	desk   fynedesktop.App
	logger zerolog.Logger

	menu      *fyne.Menu
	autostart *fyne.MenuItem
}

// NewTray installs the tray menu. dispatch is invoked on a fresh goroutine
// for every menu action so the UI loop never blocks on it.
func NewTray(app fyne.App, dispatch func(controller.Command), logger zerolog.Logger) (*Tray, error) {
	desk, ok := app.(fynedesktop.App)
	if !ok {
		return nil, ErrNoTray
	}
	t := &Tray{app: app, desk: desk, logger: logger.With().Str("component", "tray").Logger()}

	run := func(cmd controller.Command) func() {
		return func() { go dispatch(cmd) }
	}
	t.autostart = fyne.NewMenuItem("Autostart on boot", run(controller.CommandToggleAutostart))
	quit := fyne.NewMenuItem("Quit", run(controller.CommandQuit))
	quit.IsQuit = true
	t.menu = fyne.NewMenu("Nightscout",
		fyne.NewMenuItem("Configure", run(controller.CommandConfigure)),
		fyne.NewMenuItem("Refresh now", run(controller.CommandRefresh)),
		t.autostart,
		fyne.NewMenuItemSeparator(),
		quit,
	)
	desk.SetSystemTrayMenu(t.menu)
	return t, nil
}

// SetIcon implements controller.Display.
func (t *Tray) SetIcon(img image.Image) {
	data, err := render.EncodePNG(img)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to encode tray icon")
		return
	}
	res := fyne.NewStaticResource("glucose.png", data)
	fyne.Do(func() {
		t.desk.SetSystemTrayIcon(res)
	})
}

// SetTooltip implements controller.Display. fyne has no tooltip API, so the
// text goes straight to the systray backend fyne drives.
func (t *Tray) SetTooltip(text string) {
	fyne.Do(func() {
		systray.SetTooltip(text)
	})
}

// SetMenuState implements controller.Display.
func (t *Tray) SetMenuState(state controller.MenuState) {
	fyne.Do(func() {
		t.autostart.Checked = state.Autostart
		t.menu.Refresh()
	})
}

// Close implements controller.Display by quitting the fyne application.
func (t *Tray) Close() {
	fyne.Do(func() {
		t.app.Quit()
	})
}

// Theme reports the fyne theme variant, which follows the OS setting.
type Theme struct {
	App fyne.App
}

// IsDark implements service.ThemeDetector.
func (t Theme) IsDark() bool {
	if t.App == nil {
		return false
	}
	return t.App.Settings().ThemeVariant() == theme.VariantDark
}
