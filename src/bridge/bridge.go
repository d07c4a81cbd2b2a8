// Package bridge carries frames between the in-page shims and the host over
// a websocket per tab and role.
package bridge

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"codeocr/src/browser"
	"codeocr/src/messages"
	"codeocr/src/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 64 << 10
)

// ErrBadToken is returned by Inputs.Connected for a token the host never
// handed out.
var ErrBadToken = errors.New("unknown shim token")

// Inputs receives what the shims send and supplies what they draw.
type Inputs interface {
	// Connected is called when a shim attaches with the token it was
	// injected with. The returned channel carries frames for it; when it
	// closes the socket is closed.
	Connected(tab session.TabID, role browser.Role, token string) (<-chan messages.Envelope, error)
	Disconnected(tab session.TabID, role browser.Role, token string)
	SelectorInput(tab session.TabID, in messages.SelectorInput)
	PresenterEvent(tab session.TabID, ev messages.PresenterEvent)
}

// Handler upgrades /bridge/{tab}/{role}?token=... requests.
type Handler struct {
	inputs   Inputs
	upgrader websocket.Upgrader
}

func New(inputs Inputs) *Handler {
	return &Handler{
		inputs: inputs,
		upgrader: websocket.Upgrader{
			// Shims run inside arbitrary pages, so the injection token
			// stands in for an origin check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := strconv.Atoi(vars["tab"])
	if err != nil || n <= 0 {
		http.Error(w, "invalid tab", http.StatusBadRequest)
		return
	}
	tab := session.TabID(n)
	role, err := browser.ParseRole(vars["role"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, ErrBadToken.Error(), http.StatusForbidden)
		return
	}

	out, err := h.inputs.Connected(tab, role, token)
	if err != nil {
		log.Warnf("Bridge: refusing %s shim for %s: %v", role, tab, err)
		status := http.StatusConflict
		if errors.Is(err, ErrBadToken) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Bridge: upgrade failed for %s %s: %v", tab, role, err)
		h.inputs.Disconnected(tab, role, token)
		return
	}
	log.Infof("Bridge: %s shim connected for %s", role, tab)

	done := make(chan struct{})
	go h.writePump(conn, out, done, tab, role)
	h.readPump(conn, tab, role)
	close(done)
	h.inputs.Disconnected(tab, role, token)
	log.Infof("Bridge: %s shim disconnected for %s", role, tab)
}

func (h *Handler) readPump(conn *websocket.Conn, tab session.TabID, role browser.Role) {
	defer conn.Close()
	conn.SetReadLimit(maxFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("Bridge: read error from %s %s: %v", tab, role, err)
			}
			return
		}
		switch role {
		case browser.RoleSelector:
			in, err := messages.DecodeSelectorInput(raw)
			if err != nil {
				log.Warnf("Bridge: bad frame from %s selector: %v", tab, err)
				continue
			}
			h.inputs.SelectorInput(tab, in)
		case browser.RolePresenter:
			ev, err := messages.DecodePresenterEvent(raw)
			if err != nil {
				log.Warnf("Bridge: bad frame from %s presenter: %v", tab, err)
				continue
			}
			h.inputs.PresenterEvent(tab, ev)
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, out <-chan messages.Envelope, done <-chan struct{}, tab session.TabID, role browser.Role) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			frame, err := messages.Encode(env.Message)
			if err != nil {
				log.Errorf("Bridge: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warnf("Bridge: write to %s %s failed: %v", tab, role, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
