// Package desktop implements the tray collaborators on top of fyne: the
// system tray icon and menu, the configuration dialog, theme detection and
// autostart registration.
package desktop

import (
	"errors"

	"github.com/timzifer/glucotray/config"
)

const (
	// AppID identifies the fyne application and its preferences.
	AppID = "io.github.timzifer.glucotray"

	DialogTitle = "Configure Nightscout"

	msgSaved       = "Configuration saved and Nightscout contacted successfully."
	msgUnreachable = "Unable to contact Nightscout server with provided settings."
)

// SaveOutcome is what the dialog shows after the user pressed Save.
type SaveOutcome struct {
	Title   string
	Message string
	Failed  bool
}

// OutcomeFor maps the result of Controller.SaveConfig to a message.
// Invalid input is reported verbatim; every other failure means the
// server could not be reached with the new settings.
func OutcomeFor(err error) SaveOutcome {
	switch {
	case err == nil:
		return SaveOutcome{Title: "Configuration", Message: msgSaved}
	case errors.Is(err, config.ErrInvalid):
		return SaveOutcome{Title: "Error", Message: err.Error(), Failed: true}
	default:
		return SaveOutcome{Title: "Error", Message: msgUnreachable, Failed: true}
	}
}
