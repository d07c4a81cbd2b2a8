package browser

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"codeocr/src/session"
)

//go:embed shim/selector.js
var selectorShim string

//go:embed shim/presenter.js
var presenterShim string

// Role names the two in-page shims.
type Role string

const (
	RoleSelector  Role = "selector"
	RolePresenter Role = "presenter"
)

// ParseRole validates a role taken from a bridge URL.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSelector, RolePresenter:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown shim role %q", s)
}

type shimConfig struct {
	Base  string `json:"base"`
	Tab   int    `json:"tab"`
	Token string `json:"token"`
}

// Script returns the self-invoking shim for role, bound to the bridge at
// base (a ws:// or wss:// URL) for tab. The shim presents token when it
// connects so the host can tell it apart from older injections.
func Script(role Role, base string, tab session.TabID, token string) (string, error) {
	var src string
	switch role {
	case RoleSelector:
		src = selectorShim
	case RolePresenter:
		src = presenterShim
	default:
		return "", fmt.Errorf("unknown shim role %q", role)
	}
	cfg, err := json.Marshal(shimConfig{Base: base, Tab: int(tab), Token: token})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s);", src, cfg), nil
}

const teardownSelector = `window.__codeocrSelector && window.__codeocrSelector.teardown();`

func cursorScript(cursor string) string {
	q, _ := json.Marshal(cursor)
	return fmt.Sprintf(`document.documentElement.style.cursor = %s;`, q)
}
