package desktop

import (
	"fmt"
	"os"

	"github.com/emersion/go-autostart"
)

// Autostart registers the running executable to start with the user
// session: a registry-style shortcut on Windows, a launch agent on macOS and
// an XDG autostart entry elsewhere.
type Autostart struct {
	app *autostart.App
}

// NewAutostart describes the current executable. Extra arguments are passed
// on every automatic start.
func NewAutostart(args ...string) (*Autostart, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &Autostart{app: &autostart.App{
		Name:        "glucotray",
		DisplayName: "Nightscout glucose tray",
		Exec:        append([]string{exe}, args...),
	}}, nil
}

// Enable implements controller.Autostart.
func (a *Autostart) Enable(enabled bool) error {
	switch {
	case enabled == a.app.IsEnabled():
		return nil
	case enabled:
		return a.app.Enable()
	default:
		return a.app.Disable()
	}
}

// IsEnabled implements controller.Autostart.
func (a *Autostart) IsEnabled() bool {
	return a.app.IsEnabled()
}
