package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeocr/src/bridge"
	"codeocr/src/browser"
	"codeocr/src/geometry"
	"codeocr/src/messages"
	"codeocr/src/presenter"
	"codeocr/src/router"
	"codeocr/src/session"
)

// nopDriver remembers the last token injected per role.
type nopDriver struct{ tokens map[browser.Role]string }

func (d *nopDriver) InjectSelector(_ context.Context, _ session.TabID, token string) error {
	d.tokens[browser.RoleSelector] = token
	return nil
}
func (d *nopDriver) InjectPresenter(_ context.Context, _ session.TabID, token string) error {
	d.tokens[browser.RolePresenter] = token
	return nil
}
func (d *nopDriver) SetCursor(context.Context, session.TabID, string) error { return nil }
func (d *nopDriver) Capture(context.Context, session.TabID) ([]byte, error) {
	return nil, errors.New("no browser")
}

type sink struct {
	mu   sync.Mutex
	got  []messages.Message
	ch   chan messages.Message
	hook func(messages.Message)
}

func newSink() *sink { return &sink{ch: make(chan messages.Message, 16)} }

func (s *sink) Deliver(tab session.TabID, m messages.Message) error {
	s.mu.Lock()
	s.got = append(s.got, m)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	s.ch <- m
	return nil
}

func (s *sink) next(t *testing.T) messages.Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
		return nil
	}
}

func newHost(t *testing.T) (*Host, *sink, *router.Router) {
	rt := router.NewRouter()
	t.Cleanup(rt.Shutdown)
	h := New(&nopDriver{tokens: make(map[browser.Role]string)}, rt)
	s := newSink()
	h.Bind(s)
	return h, s, rt
}

func recv(t *testing.T, ch <-chan messages.Envelope) (messages.Message, bool) {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			return nil, false
		}
		return env.Message, true
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return nil, false
	}
}

// inject injects role into tab and returns the token the shim was given.
func inject(t *testing.T, h *Host, tab session.TabID, role browser.Role) string {
	t.Helper()
	var err error
	if role == browser.RoleSelector {
		err = h.InjectSelector(context.Background(), tab)
	} else {
		err = h.InjectPresenter(context.Background(), tab)
	}
	if err != nil {
		t.Fatalf("inject %s: %v", role, err)
	}
	return h.drv.(*nopDriver).tokens[role]
}

var vp = geometry.Viewport{Width: 1200, Height: 800, DPR: 2}

func ptr(x, y float64) messages.Pointer {
	return messages.Pointer{PointerID: 1, IsPrimary: true, ClientX: x, ClientY: y, PageX: x, PageY: y, Viewport: vp}
}

func TestSelectionFlowsToSink(t *testing.T) {
	h, s, _ := newHost(t)
	if err := h.NewSelector(1); err != nil {
		t.Fatal(err)
	}
	out, err := h.Connected(1, browser.RoleSelector, inject(t, h, 1, browser.RoleSelector))
	if err != nil {
		t.Fatal(err)
	}
	if m, _ := recv(t, out); m.Type() != messages.TypeOverlayShow {
		t.Fatalf("first frame = %s, want overlayShow", m.Type())
	}

	h.SelectorInput(1, messages.PointerDown{Pointer: ptr(100, 100)})
	h.SelectorInput(1, messages.PointerMove{Pointer: ptr(200, 180)})
	h.SelectorInput(1, messages.PointerUp{Pointer: ptr(300, 250)})

	got, ok := s.next(t).(messages.SelectionCompleted)
	if !ok {
		t.Fatalf("outcome = %v", s.got)
	}
	if got.Region.Width != 400 || got.Region.Height != 300 {
		t.Errorf("region = %v", got.Region)
	}

	var last messages.Message
	for {
		m, ok := recv(t, out)
		if !ok {
			break
		}
		last = m
	}
	if last == nil || last.Type() != messages.TypeOverlayTeardown {
		t.Errorf("last frame = %v, want overlayTeardown", last)
	}
}

func TestCancelIsAsynchronous(t *testing.T) {
	h, s, _ := newHost(t)
	if err := h.SendSelector(2, messages.CancelSelection{}); !errors.Is(err, ErrNoSelector) {
		t.Errorf("cancel without selector = %v", err)
	}
	if err := h.NewSelector(2); err != nil {
		t.Fatal(err)
	}
	if err := h.NewSelector(2); err == nil {
		t.Error("second live selector accepted")
	}
	if err := h.SendSelector(2, messages.CancelSelection{}); err != nil {
		t.Fatal(err)
	}
	if m := s.next(t); m.Type() != messages.TypeSelectionCancelled {
		t.Errorf("outcome = %s", m.Type())
	}
	if err := h.NewSelector(2); err != nil {
		t.Errorf("new selector after cancel: %v", err)
	}
}

func TestLateShimIsTornDown(t *testing.T) {
	h, _, _ := newHost(t)
	out, err := h.Connected(3, browser.RoleSelector, "gone")
	if err != nil {
		t.Fatal(err)
	}
	if m, _ := recv(t, out); m.Type() != messages.TypeOverlayTeardown {
		t.Errorf("frame = %s", m.Type())
	}
	if _, ok := recv(t, out); ok {
		t.Error("outbox not closed")
	}
}

func TestDisconnectCancelsSelection(t *testing.T) {
	h, s, _ := newHost(t)
	if err := h.NewSelector(4); err != nil {
		t.Fatal(err)
	}
	token := inject(t, h, 4, browser.RoleSelector)
	if _, err := h.Connected(4, browser.RoleSelector, token); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Connected(4, browser.RoleSelector, token); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect = %v", err)
	}
	h.Disconnected(4, browser.RoleSelector, token)
	if m := s.next(t); m.Type() != messages.TypeSelectionCancelled {
		t.Errorf("outcome = %s", m.Type())
	}
}

func TestStaleShimLeavesNewSelectionAlone(t *testing.T) {
	h, s, _ := newHost(t)
	if err := h.NewSelector(1); err != nil {
		t.Fatal(err)
	}
	first := inject(t, h, 1, browser.RoleSelector)
	if _, err := h.Connected(1, browser.RoleSelector, first); err != nil {
		t.Fatal(err)
	}
	if err := h.SendSelector(1, messages.CancelSelection{}); err != nil {
		t.Fatal(err)
	}
	if m := s.next(t); m.Type() != messages.TypeSelectionCancelled {
		t.Fatalf("outcome = %s", m.Type())
	}

	if err := h.NewSelector(1); err != nil {
		t.Fatal(err)
	}
	second := inject(t, h, 1, browser.RoleSelector)
	if second == first {
		t.Fatal("selections share a token")
	}
	out, err := h.Connected(1, browser.RoleSelector, second)
	if err != nil {
		t.Fatal(err)
	}
	if m, _ := recv(t, out); m.Type() != messages.TypeOverlayShow {
		t.Fatalf("frame = %s", m.Type())
	}

	// The first socket closes only now.
	h.Disconnected(1, browser.RoleSelector, first)
	select {
	case m := <-s.ch:
		t.Fatalf("old shim ended the new selection with %s", m.Type())
	case <-time.After(100 * time.Millisecond):
	}
	if st := h.tabs[1].selector; st.Finished() {
		t.Error("new selector finished")
	}

	// A reconnect with the old token is torn down instead of attached.
	stale, err := h.Connected(1, browser.RoleSelector, first)
	if err != nil {
		t.Fatal(err)
	}
	if m, _ := recv(t, stale); m.Type() != messages.TypeOverlayTeardown {
		t.Errorf("stale frame = %s", m.Type())
	}

	h.Disconnected(1, browser.RoleSelector, second)
	if m := s.next(t); m.Type() != messages.TypeSelectionCancelled {
		t.Errorf("outcome = %s", m.Type())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) != 2 {
		t.Errorf("delivered %v, want one outcome per selection", s.got)
	}
}

func TestCancelDuringOutcomeDelivery(t *testing.T) {
	h, s, _ := newHost(t)
	if err := h.NewSelector(7); err != nil {
		t.Fatal(err)
	}
	cancelErr := make(chan error, 1)
	s.hook = func(messages.Message) {
		// A toggle handled while the outcome is in flight.
		cancelErr <- h.SendSelector(7, messages.CancelSelection{})
	}
	h.SelectorInput(7, messages.PointerDown{Pointer: ptr(10, 10)})
	h.SelectorInput(7, messages.PointerUp{Pointer: ptr(60, 60)})

	if m := s.next(t); m.Type() != messages.TypeSelectionCompleted {
		t.Fatalf("outcome = %s", m.Type())
	}
	if err := <-cancelErr; err != nil {
		t.Errorf("cancel while outcome in flight = %v, want nil", err)
	}
	if err := h.SendSelector(7, messages.CancelSelection{}); err != nil {
		t.Errorf("cancel after outcome = %v, want nil", err)
	}
	select {
	case m := <-s.ch:
		t.Errorf("second outcome %s", m.Type())
	case <-time.After(100 * time.Millisecond):
	}
	if err := h.NewSelector(7); err != nil {
		t.Errorf("new selector after completion: %v", err)
	}
}

func TestPresenterBuffersUntilConnected(t *testing.T) {
	h, s, _ := newHost(t)
	var results []presenter.Extracted
	h.OnResult(func(_ session.TabID, ex presenter.Extracted) { results = append(results, ex) })
	h.SetAppearance(Appearance{FontSize: 16, UIScale: 1.25})

	hints := []messages.LanguageOption{{ID: "python", Name: "Python"}}
	if err := h.SendPresenter(5, messages.ShowLoading{AvailableLanguageHints: hints}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Connected(9, browser.RolePresenter, "forged"); !errors.Is(err, bridge.ErrBadToken) {
		t.Errorf("presenter connect to an unused tab = %v", err)
	}
	if _, ok := h.PresenterView(9); ok {
		t.Error("refused connect created a presenter")
	}
	if _, err := h.Connected(5, browser.RolePresenter, "forged"); !errors.Is(err, bridge.ErrBadToken) {
		t.Errorf("forged presenter token = %v", err)
	}
	token := inject(t, h, 5, browser.RolePresenter)
	out, err := h.Connected(5, browser.RolePresenter, token)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := recv(t, out)
	view, ok := m.(messages.PresenterView)
	if !ok || view.State != "loading" || view.FontSize != 16 || len(view.Hints) != 1 {
		t.Fatalf("view = %+v", m)
	}
	if n := router.DrainChannel(out); n != 0 {
		t.Errorf("%d stale views left queued", n)
	}

	if err := h.SendPresenter(5, messages.UpdateResult{Text: "```python\nprint(1)\n```"}); err != nil {
		t.Fatal(err)
	}
	m, _ = recv(t, out)
	if view := m.(messages.PresenterView); view.State != "result" || view.Code != "print(1)" || view.Language != "python" {
		t.Errorf("view = %+v", view)
	}
	if len(results) != 1 || results[0].Code != "print(1)" {
		t.Errorf("results = %v", results)
	}

	h.PresenterEvent(5, messages.RerunWithLanguage{Hint: "go"})
	if got, ok := s.next(t).(messages.RerunWithLanguage); !ok || got.Hint != "go" {
		t.Errorf("delivered %v", s.got)
	}
	h.PresenterEvent(5, messages.PresenterClosed{})
	if m := s.next(t); m.Type() != messages.TypePresenterClosed {
		t.Errorf("delivered %s", m.Type())
	}
}

func TestForgetReleasesEndpoints(t *testing.T) {
	h, _, rt := newHost(t)
	if err := h.NewSelector(6); err != nil {
		t.Fatal(err)
	}
	if err := h.InjectPresenter(context.Background(), 6); err != nil {
		t.Fatal(err)
	}
	h.Forget(6)
	for _, addr := range []string{messages.SelectorAddress(6), messages.PresenterAddress(6)} {
		if rt.Registered(addr) {
			t.Errorf("%s still registered", addr)
		}
	}
	if _, ok := h.PresenterView(6); ok {
		t.Error("presenter survived Forget")
	}
}
