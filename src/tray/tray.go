// Package tray shows the system tray icon with the toggle action and a
// tooltip reporting requests in flight.
package tray

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/getlantern/systray"
)

const title = "codeocr"

// Options wires the menu to the application.
type Options struct {
	Hotkey   string
	OnToggle func()
	OnQuit   func()
}

// Tray is a running tray icon.
type Tray struct {
	opts  Options
	ready chan struct{}
}

func New(opts Options) *Tray {
	return &Tray{opts: opts, ready: make(chan struct{})}
}

// SetOnToggle replaces the toggle action. Call it before Run.
func (t *Tray) SetOnToggle(fn func()) { t.opts.OnToggle = fn }

// Run shows the icon and blocks until Quit. It must be called from the main
// goroutine on macOS.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit removes the icon and makes Run return.
func (t *Tray) Quit() { systray.Quit() }

func (t *Tray) onReady() {
	if icon := Icon(); icon != nil {
		systray.SetIcon(icon)
	}
	systray.SetTitle(title)
	systray.SetTooltip(Tooltip(0, t.opts.Hotkey))

	label := "Select region in active tab"
	if t.opts.Hotkey != "" {
		label = fmt.Sprintf("%s (%s)", label, t.opts.Hotkey)
	}
	mToggle := systray.AddMenuItem(label, "Start or cancel a selection in the active browser tab")
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Quit codeocr")
	close(t.ready)
	log.Infof("Tray: ready")

	go func() {
		for {
			select {
			case <-mToggle.ClickedCh:
				if t.opts.OnToggle != nil {
					t.opts.OnToggle()
				}
			case <-mQuit.ClickedCh:
				log.Infof("Tray: quit requested")
				if t.opts.OnQuit != nil {
					t.opts.OnQuit()
				}
				systray.Quit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {
	log.Debugf("Tray: exited")
}

// SetBusy updates the tooltip with the number of tabs waiting for a result.
// Calls before the icon is ready are dropped.
func (t *Tray) SetBusy(inFlight int) {
	select {
	case <-t.ready:
		systray.SetTooltip(Tooltip(inFlight, t.opts.Hotkey))
	default:
	}
}

// Tooltip is the hover text for the icon.
func Tooltip(inFlight int, hotkey string) string {
	switch {
	case inFlight == 1:
		return title + ": recognizing 1 capture"
	case inFlight > 1:
		return fmt.Sprintf("%s: recognizing %d captures", title, inFlight)
	case hotkey != "":
		return fmt.Sprintf("%s: press %s to select code", title, hotkey)
	}
	return title
}
