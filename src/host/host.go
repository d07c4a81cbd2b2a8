// Package host connects the coordinator to the browser. It owns the
// selector machines and presenter models of every tab and routes their
// frames to the in-page shims through the router.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"codeocr/src/bridge"
	"codeocr/src/browser"
	"codeocr/src/messages"
	"codeocr/src/presenter"
	"codeocr/src/router"
	"codeocr/src/selector"
	"codeocr/src/session"
)

const (
	selectorBuffer  = 64
	presenterBuffer = 8
	from            = "host"
)

var (
	ErrNoSelector       = errors.New("no selector in tab")
	ErrAlreadyConnected = errors.New("shim already connected")
)

// Driver is the part of the browser the host needs.
type Driver interface {
	InjectSelector(ctx context.Context, tab session.TabID, token string) error
	InjectPresenter(ctx context.Context, tab session.TabID, token string) error
	SetCursor(ctx context.Context, tab session.TabID, cursor string) error
	Capture(ctx context.Context, tab session.TabID) ([]byte, error)
}

// Sink receives selector outcomes and presenter events.
type Sink interface {
	Deliver(tab session.TabID, m messages.Message) error
}

// Appearance is the presenter styling taken from settings.
type Appearance struct {
	FontSize float64
	UIScale  float64
}

// tabState holds a tab's machines. Each shim injection carries the token
// of the machine it belongs to; connections with any other token are
// leftovers from an earlier injection.
type tabState struct {
	selector          *selector.Machine
	selectorToken     string
	selectorConnected bool

	presenter          *presenter.Model
	presenterToken     string
	presenterConnected bool
}

// Host implements coordinator.Tabs and bridge.Inputs.
type Host struct {
	drv Driver
	rt  *router.Router

	mu         sync.Mutex
	sink       Sink
	tabs       map[session.TabID]*tabState
	appearance Appearance
	onResult   []func(session.TabID, presenter.Extracted)
}

func New(drv Driver, rt *router.Router) *Host {
	return &Host{
		drv:        drv,
		rt:         rt,
		tabs:       make(map[session.TabID]*tabState),
		appearance: Appearance{FontSize: 14, UIScale: 1},
	}
}

// Bind sets where outcomes and presenter events go. It must be called
// before any selection starts.
func (h *Host) Bind(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// SetAppearance changes presenter styling for subsequent renders.
func (h *Host) SetAppearance(a Appearance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appearance = a
}

// OnResult registers a callback run for every result a presenter shows.
func (h *Host) OnResult(fn func(session.TabID, presenter.Extracted)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResult = append(h.onResult, fn)
}

func (h *Host) state(tab session.TabID) *tabState {
	st, ok := h.tabs[tab]
	if !ok {
		st = &tabState{}
		h.tabs[tab] = st
	}
	return st
}

func (h *Host) deliver(tab session.TabID, m messages.Message) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink == nil {
		log.Warnf("Host: %s from %s dropped, no coordinator bound", m.Type(), tab)
		return
	}
	if err := sink.Deliver(tab, m); err != nil {
		log.Warnf("Host: deliver %s from %s: %v", m.Type(), tab, err)
	}
}

// NewSelector creates and arms the tab's selector. Overlay frames wait in
// the router until the shim connects.
func (h *Host) NewSelector(tab session.TabID) error {
	addr := messages.SelectorAddress(int(tab))
	h.mu.Lock()
	st := h.state(tab)
	if st.selector != nil && st.selector.State() != selector.Terminated {
		h.mu.Unlock()
		return fmt.Errorf("selector already active in %s", tab)
	}
	h.rt.Unregister(addr)
	if _, err := h.rt.Register(addr, selectorBuffer); err != nil {
		h.mu.Unlock()
		return err
	}
	var m *selector.Machine
	m = selector.New(selector.RendererFunc(func(r messages.SelectorRender) error {
		return h.rt.SendTo(from, addr, r)
	}), func(outcome messages.SelectorEvent) {
		h.selectorDone(tab, m, outcome)
	})
	st.selector = m
	st.selectorToken = uuid.NewString()
	st.selectorConnected = false
	h.mu.Unlock()

	return m.Arm()
}

// selectorDone keeps the finished machine in place until NewSelector
// replaces it, so a cancel racing the outcome finds it and does nothing.
func (h *Host) selectorDone(tab session.TabID, m *selector.Machine, outcome messages.SelectorEvent) {
	h.mu.Lock()
	if st, ok := h.tabs[tab]; ok && st.selector == m {
		st.selectorConnected = false
		// Closing the inbox lets the bridge flush the teardown frame and hang up.
		h.rt.Unregister(messages.SelectorAddress(int(tab)))
	}
	h.mu.Unlock()
	log.Debugf("Host: selector in %s finished with %s", tab, outcome.Type())
	h.deliver(tab, outcome)
}

// SendSelector forwards a coordinator command. Cancellation runs on its own
// goroutine because the outcome is delivered back to the caller's loop.
func (h *Host) SendSelector(tab session.TabID, cmd messages.SelectorCommand) error {
	h.mu.Lock()
	var m *selector.Machine
	if st, ok := h.tabs[tab]; ok {
		m = st.selector
	}
	h.mu.Unlock()
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNoSelector, tab)
	}
	switch cmd.(type) {
	case messages.CancelSelection:
		if m.Finished() {
			log.Debugf("Host: cancel in %s ignored, outcome already sent", tab)
			return nil
		}
		go m.Cancel()
		return nil
	}
	return fmt.Errorf("unsupported selector command %s", cmd.Type())
}

func (h *Host) presenter(tab session.TabID) (*presenter.Model, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(tab)
	if st.presenter != nil {
		return st.presenter, nil
	}
	addr := messages.PresenterAddress(int(tab))
	if !h.rt.Registered(addr) {
		if _, err := h.rt.Register(addr, presenterBuffer); err != nil {
			return nil, err
		}
	}
	m := presenter.NewModel(func(ev messages.PresenterEvent) { h.deliver(tab, ev) })
	m.OnChange(func(v presenter.View) { h.renderPresenter(tab, v) })
	m.OnResult(func(ex presenter.Extracted) {
		h.mu.Lock()
		fns := h.onResult
		h.mu.Unlock()
		for _, fn := range fns {
			fn(tab, ex)
		}
	})
	st.presenter = m
	st.presenterToken = uuid.NewString()
	return m, nil
}

// renderPresenter replaces whatever view is still queued for the shim.
func (h *Host) renderPresenter(tab session.TabID, v presenter.View) {
	h.mu.Lock()
	a := h.appearance
	h.mu.Unlock()
	addr := messages.PresenterAddress(int(tab))
	if inbox, ok := h.rt.Inbox(addr); ok {
		router.DrainChannel(inbox)
	}
	if err := h.rt.SendTo(from, addr, v.Render(a.FontSize, a.UIScale)); err != nil {
		log.Warnf("Host: render presenter in %s: %v", tab, err)
	}
}

// SendPresenter applies a coordinator command to the tab's presenter.
func (h *Host) SendPresenter(tab session.TabID, cmd messages.PresenterCommand) error {
	m, err := h.presenter(tab)
	if err != nil {
		return err
	}
	m.Apply(cmd)
	return nil
}

// PresenterView returns the current presenter state of tab.
func (h *Host) PresenterView(tab session.TabID) (presenter.View, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tabs[tab]
	if !ok || st.presenter == nil {
		return presenter.View{}, false
	}
	return st.presenter.View(), true
}

func (h *Host) InjectSelector(ctx context.Context, tab session.TabID) error {
	h.mu.Lock()
	var token string
	if st, ok := h.tabs[tab]; ok && st.selector != nil && !st.selector.Finished() {
		token = st.selectorToken
	}
	h.mu.Unlock()
	if token == "" {
		return fmt.Errorf("%w: %s", ErrNoSelector, tab)
	}
	return h.drv.InjectSelector(ctx, tab, token)
}

func (h *Host) InjectPresenter(ctx context.Context, tab session.TabID) error {
	if _, err := h.presenter(tab); err != nil {
		return err
	}
	h.mu.Lock()
	token := h.tabs[tab].presenterToken
	h.mu.Unlock()
	return h.drv.InjectPresenter(ctx, tab, token)
}

func (h *Host) SetCursor(ctx context.Context, tab session.TabID, cursor string) error {
	return h.drv.SetCursor(ctx, tab, cursor)
}

func (h *Host) Capture(ctx context.Context, tab session.TabID) ([]byte, error) {
	return h.drv.Capture(ctx, tab)
}

// Connected attaches a shim to its outbox.
func (h *Host) Connected(tab session.TabID, role browser.Role, token string) (<-chan messages.Envelope, error) {
	switch role {
	case browser.RoleSelector:
		h.mu.Lock()
		defer h.mu.Unlock()
		st, ok := h.tabs[tab]
		if !ok || st.selector == nil || st.selector.Finished() || token != st.selectorToken {
			// A shim from an earlier or finished selection is told to go away.
			log.Debugf("Host: tearing down stale selector shim in %s", tab)
			ch := make(chan messages.Envelope, 1)
			ch <- messages.Envelope{From: from, To: messages.SelectorAddress(int(tab)), Message: messages.OverlayTeardown{}}
			close(ch)
			return ch, nil
		}
		if st.selectorConnected {
			return nil, ErrAlreadyConnected
		}
		inbox, ok := h.rt.Inbox(messages.SelectorAddress(int(tab)))
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSelector, tab)
		}
		st.selectorConnected = true
		return inbox, nil

	case browser.RolePresenter:
		h.mu.Lock()
		st, ok := h.tabs[tab]
		if !ok || st.presenter == nil || token != st.presenterToken {
			h.mu.Unlock()
			return nil, fmt.Errorf("%w: presenter in %s", bridge.ErrBadToken, tab)
		}
		m := st.presenter
		if st.presenterConnected {
			h.mu.Unlock()
			return nil, ErrAlreadyConnected
		}
		st.presenterConnected = true
		h.mu.Unlock()
		inbox, ok := h.rt.Inbox(messages.PresenterAddress(int(tab)))
		if !ok {
			return nil, fmt.Errorf("presenter endpoint missing for %s", tab)
		}
		h.renderPresenter(tab, m.View())
		return inbox, nil
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

// Disconnected cancels a selection whose shim went away, for example when
// the page navigated. Connections from earlier injections are ignored.
func (h *Host) Disconnected(tab session.TabID, role browser.Role, token string) {
	h.mu.Lock()
	st, ok := h.tabs[tab]
	if !ok {
		h.mu.Unlock()
		return
	}
	var m *selector.Machine
	switch role {
	case browser.RoleSelector:
		if st.selectorConnected && token == st.selectorToken {
			st.selectorConnected = false
			m = st.selector
		}
	case browser.RolePresenter:
		if token == st.presenterToken {
			st.presenterConnected = false
		}
	}
	h.mu.Unlock()
	if m != nil {
		m.Cancel()
	}
}

// SelectorInput feeds page input to the tab's selector.
func (h *Host) SelectorInput(tab session.TabID, in messages.SelectorInput) {
	h.mu.Lock()
	var m *selector.Machine
	if st, ok := h.tabs[tab]; ok {
		m = st.selector
	}
	h.mu.Unlock()
	if m == nil {
		log.Debugf("Host: %s from %s with no selector", in.Type(), tab)
		return
	}
	m.Handle(in)
}

// PresenterEvent applies a user action from the presenter shim.
func (h *Host) PresenterEvent(tab session.TabID, ev messages.PresenterEvent) {
	m, err := h.presenter(tab)
	if err != nil {
		log.Warnf("Host: %v", err)
		return
	}
	switch e := ev.(type) {
	case messages.RerunWithLanguage:
		m.SelectLanguage(e.Hint)
	case messages.PresenterClosed:
		m.Close()
	}
}

// Forget drops everything held for a closed tab.
func (h *Host) Forget(tab session.TabID) {
	h.mu.Lock()
	st, ok := h.tabs[tab]
	delete(h.tabs, tab)
	h.mu.Unlock()
	if !ok {
		return
	}
	if st.selector != nil {
		st.selector.Cancel()
	}
	h.rt.Unregister(messages.SelectorAddress(int(tab)))
	h.rt.Unregister(messages.PresenterAddress(int(tab)))
	log.Debugf("Host: forgot %s", tab)
}
