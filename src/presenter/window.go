package presenter

import (
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"codeocr/src/messages"
)

// Window is a desktop presenter surface backed by a Model.
type Window struct {
	model  *Model
	app    fyne.App
	win    fyne.Window
	status *widget.Label
	code   *widget.Entry
	langs  *widget.Select
	ids    map[string]string
	names  map[string]string
	// set while the select is updated programmatically
	syncing bool
}

// NewWindow builds the window. Call ShowAndRun from the main goroutine.
func NewWindow(model *Model, fontSize int, scale float64) *Window {
	w := &Window{model: model, app: app.NewWithID("codeocr.presenter"), ids: map[string]string{}, names: map[string]string{}}
	w.win = w.app.NewWindow("Recognized code")
	w.status = widget.NewLabel("Waiting for capture...")
	w.code = widget.NewMultiLineEntry()
	w.code.TextStyle = fyne.TextStyle{Monospace: true}
	w.code.Wrapping = fyne.TextWrapOff
	w.langs = widget.NewSelect(nil, w.onSelect)
	w.langs.PlaceHolder = "Language"

	closeBtn := widget.NewButton("Close", func() { w.model.Close(); w.win.Close() })
	top := container.NewBorder(nil, nil, w.status, w.langs)
	w.win.SetContent(container.NewBorder(top, container.NewHBox(closeBtn), nil, nil, w.code))
	w.win.Resize(fyne.NewSize(float32(640*scaleOrOne(scale)), float32(28*fontSizeOr(fontSize))))
	w.win.SetOnClosed(func() { w.model.Close() })

	model.OnChange(func(v View) { fyne.Do(func() { w.render(v) }) })
	return w
}

func scaleOrOne(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return s
}

func fontSizeOr(n int) int {
	if n <= 0 {
		return 14
	}
	return n
}

func (w *Window) onSelect(name string) {
	if w.syncing {
		return
	}
	if id, ok := w.ids[name]; ok {
		w.model.SelectLanguage(id)
	}
}

func (w *Window) setHints(hints []messages.LanguageOption) {
	w.ids = make(map[string]string, len(hints))
	w.names = make(map[string]string, len(hints))
	opts := make([]string, 0, len(hints))
	for _, h := range hints {
		w.ids[h.Name] = h.ID
		w.names[h.ID] = h.Name
		opts = append(opts, h.Name)
	}
	w.langs.Options = opts
	w.langs.Refresh()
}

func (w *Window) render(v View) {
	w.syncing = true
	defer func() { w.syncing = false }()

	switch v.State {
	case Loading:
		if len(v.Hints) > 0 {
			w.setHints(v.Hints)
		}
		w.status.SetText("Recognizing...")
	case ShowingResult:
		w.status.SetText(fmt.Sprintf("Detected: %s", v.Result.Language))
		w.code.SetText(v.Result.Code)
		if name, ok := w.names[v.Selected]; ok {
			w.langs.SetSelected(name)
		}
	case ShowingError:
		w.status.SetText("Error")
		w.code.SetText(v.Error)
	case Hidden:
		w.status.SetText("Closed")
	}
}

// Show opens the window without blocking.
func (w *Window) Show() { w.win.Show() }

// ShowAndRun opens the window and runs the UI loop until it closes.
func (w *Window) ShowAndRun() { w.win.ShowAndRun() }

// Quit stops the UI loop.
func (w *Window) Quit() { w.app.Quit() }
