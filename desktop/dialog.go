package desktop

import (
	"errors"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
)

// SaveFunc persists the entered settings asynchronously and reports the
// outcome through done. Controller.SaveConfigAsync has this shape once
// bound to a context.
type SaveFunc func(address, token string, done func(error))

// ConfigDialog is the controller.Dialog for editing address and token.
type ConfigDialog struct {
	app  fyne.App
	save SaveFunc

	window fyne.Window
}

// NewConfigDialog builds the dialog; nothing is shown until Show.
func NewConfigDialog(app fyne.App, save SaveFunc) *ConfigDialog {
	return &ConfigDialog{app: app, save: save}
}

// Show implements controller.Dialog. A dialog that is already open is
// brought to the front instead of opening a second one.
func (d *ConfigDialog) Show(address, token string) {
	fyne.Do(func() {
		if d.window != nil {
			d.window.RequestFocus()
			return
		}
		d.open(address, token)
	})
}

func (d *ConfigDialog) open(address, token string) {
	w := d.app.NewWindow(DialogTitle)
	d.window = w
	w.SetFixedSize(true)
	w.Resize(fyne.NewSize(520, 220))
	w.SetOnClosed(func() { d.window = nil })

	addressEntry := widget.NewEntry()
	addressEntry.SetText(address)
	addressEntry.SetPlaceHolder("https://example.herokuapp.com")
	tokenEntry := widget.NewPasswordEntry()
	tokenEntry.SetText(token)

	var form *widget.Form
	form = &widget.Form{
		Items: []*widget.FormItem{
			widget.NewFormItem("Nightscout Address", addressEntry),
			widget.NewFormItem("Token", tokenEntry),
		},
		SubmitText: "Save",
		CancelText: "Cancel",
		OnCancel:   w.Close,
		OnSubmit: func() {
			form.Disable()
			d.save(addressEntry.Text, tokenEntry.Text, func(err error) {
				fyne.Do(func() { d.report(w, err) })
			})
		},
	}

	w.SetContent(form)
	w.Show()
}

// report shows the save outcome and closes the dialog once it is dismissed.
func (d *ConfigDialog) report(w fyne.Window, err error) {
	outcome := OutcomeFor(err)
	var msg dialog.Dialog
	if outcome.Failed {
		msg = dialog.NewError(errors.New(outcome.Message), w)
	} else {
		msg = dialog.NewInformation(outcome.Title, outcome.Message, w)
	}
	msg.SetOnClosed(w.Close)
	msg.Show()
}
