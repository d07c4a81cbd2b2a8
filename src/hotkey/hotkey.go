// Package hotkey listens for the global shortcut that toggles selection in
// the active tab.
package hotkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	gohook "github.com/robotn/gohook"
)

var modifiers = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"alt":     "alt",
	"option":  "alt",
	"shift":   "shift",
	"win":     "cmd",
	"cmd":     "cmd",
	"super":   "cmd",
	"meta":    "cmd",
}

var namedKeys = map[string]string{
	"space":     "space",
	"enter":     "enter",
	"return":    "enter",
	"esc":       "esc",
	"escape":    "esc",
	"tab":       "tab",
	"backspace": "backspace",
	"delete":    "delete",
	"del":       "delete",
	"insert":    "insert",
	"ins":       "insert",
	"home":      "home",
	"end":       "end",
	"pageup":    "pageup",
	"pgup":      "pageup",
	"pagedown":  "pagedown",
	"pgdn":      "pagedown",
	"left":      "left",
	"up":        "up",
	"right":     "right",
	"down":      "down",
}

// Parse converts "Ctrl+Shift+S" into gohook key names with the main key
// first: ["s", "ctrl", "shift"]. Exactly one non-modifier key is required.
func Parse(combo string) ([]string, error) {
	var main string
	var mods []string
	seen := map[string]bool{}
	for _, part := range strings.Split(strings.ToLower(combo), "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("hotkey %q has an empty key", combo)
		}
		if m, ok := modifiers[part]; ok {
			if !seen[m] {
				mods = append(mods, m)
				seen[m] = true
			}
			continue
		}
		key, ok := keyName(part)
		if !ok {
			return nil, fmt.Errorf("hotkey %q: unknown key %q", combo, part)
		}
		if main != "" {
			return nil, fmt.Errorf("hotkey %q has more than one main key", combo)
		}
		main = key
	}
	if main == "" {
		return nil, fmt.Errorf("hotkey %q has no main key", combo)
	}
	return append([]string{main}, mods...), nil
}

func keyName(s string) (string, bool) {
	if k, ok := namedKeys[s]; ok {
		return k, true
	}
	if len(s) == 1 && (s[0] >= 'a' && s[0] <= 'z' || s[0] >= '0' && s[0] <= '9') {
		return s, true
	}
	var n int
	if _, err := fmt.Sscanf(s, "f%d", &n); err == nil && n >= 1 && n <= 24 && s == fmt.Sprintf("f%d", n) {
		return s, true
	}
	return "", false
}

// Listen calls fn each time combo is pressed until ctx is cancelled. It
// blocks for the lifetime of the listener.
func Listen(ctx context.Context, combo string, fn func()) error {
	keys, err := Parse(combo)
	if err != nil {
		return err
	}
	log.Infof("Hotkey: listening for %s (%v)", combo, keys)

	gohook.Register(gohook.KeyDown, keys, func(gohook.Event) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Hotkey: PANIC in callback: %v", r)
			}
		}()
		log.Debugf("Hotkey: %s pressed", combo)
		fn()
	})

	evChan := gohook.Start()
	if evChan == nil {
		return fmt.Errorf("hotkey: event hook unavailable")
	}
	done := gohook.Process(evChan)

	select {
	case <-ctx.Done():
		gohook.End()
		log.Infof("Hotkey: stopped")
		return nil
	case <-done:
		log.Warnf("Hotkey: event channel closed")
		return nil
	}
}
