package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"codeocr/src/llm"
	"codeocr/src/messages"
	"codeocr/src/screenshot"
	"codeocr/src/session"
	"codeocr/src/worker"
)

type fakeTabs struct {
	mu         sync.Mutex
	loop       *Loop
	selectors  map[session.TabID]bool
	newCalls   int
	cancels    int
	injectErr  error
	captureErr error
	captures   int
	// captureGate, when set, holds Capture until closed
	captureGate chan struct{}
	cursors    []string
	presenter  map[session.TabID][]messages.PresenterCommand
	img        []byte
}

func newFakeTabs(t *testing.T) *fakeTabs {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 80))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return &fakeTabs{
		selectors: map[session.TabID]bool{},
		presenter: map[session.TabID][]messages.PresenterCommand{},
		img:       buf.Bytes(),
	}
}

func (f *fakeTabs) NewSelector(tab session.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newCalls++
	f.selectors[tab] = true
	return nil
}

func (f *fakeTabs) InjectSelector(context.Context, session.TabID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injectErr
}

func (f *fakeTabs) InjectPresenter(context.Context, session.TabID) error { return nil }

func (f *fakeTabs) SetCursor(_ context.Context, _ session.TabID, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	return nil
}

func (f *fakeTabs) Capture(context.Context, session.TabID) ([]byte, error) {
	f.mu.Lock()
	gate := f.captureGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return f.img, f.captureErr
}

func (f *fakeTabs) SendSelector(tab session.TabID, cmd messages.SelectorCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.selectors[tab] {
		return errors.New("no selector")
	}
	f.cancels++
	delete(f.selectors, tab)
	go f.loop.Deliver(tab, messages.SelectionCancelled{})
	return nil
}

func (f *fakeTabs) SendPresenter(tab session.TabID, cmd messages.PresenterCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenter[tab] = append(f.presenter[tab], cmd)
	return nil
}

// complete simulates the selector finishing a drag.
func (f *fakeTabs) complete(tab session.TabID, r screenshot.Region) {
	f.mu.Lock()
	delete(f.selectors, tab)
	f.mu.Unlock()
	_ = f.loop.Deliver(tab, messages.SelectionCompleted{Region: r})
}

func (f *fakeTabs) sent(tab session.TabID) []messages.PresenterCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messages.PresenterCommand(nil), f.presenter[tab]...)
}

func (f *fakeTabs) stats() (newCalls, cancels, captures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newCalls, f.cancels, f.captures
}

type fakeRecognizer struct {
	mu    sync.Mutex
	calls []string
	err   error
	// gates, when set, are consumed one per call and block until closed
	gates []chan struct{}
}

func (r *fakeRecognizer) next(hint string) (string, error) {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, hint)
	var gate chan struct{}
	if n < len(r.gates) {
		gate = r.gates[n]
	}
	err := r.err
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("```python\nresult %d\n```", n+1), nil
}

func (r *fakeRecognizer) Recognize(_ context.Context, png []byte) (string, error) {
	return r.next("")
}

func (r *fakeRecognizer) RecognizeAs(_ context.Context, png []byte, hint string) (string, error) {
	return r.next(hint)
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	loop *Loop
	tabs *fakeTabs
	rec  *fakeRecognizer
}

func start(t *testing.T, policy StalePolicy) *harness {
	t.Helper()
	tabs := newFakeTabs(t)
	rec := &fakeRecognizer{}
	pool := worker.New(4, 16)
	loop := New(Options{
		Tabs:       tabs,
		Recognizer: rec,
		Pool:       pool,
		Hints:      []messages.LanguageOption{{ID: "python", Name: "Python"}},
		Deadline:   5 * time.Second,
		Stale:      policy,
	})
	tabs.loop = loop
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		pool.Close()
	})
	return &harness{loop: loop, tabs: tabs, rec: rec}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) phase(t *testing.T, tab session.TabID) session.Phase {
	t.Helper()
	snaps, err := h.loop.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	for _, s := range snaps {
		if s.Tab == tab {
			return s.Phase
		}
	}
	return -1
}

func (h *harness) startSelection(t *testing.T, tab session.TabID) {
	t.Helper()
	if err := h.loop.Toggle(tab); err != nil {
		t.Fatal(err)
	}
	eventually(t, "selecting", func() bool { return h.phase(t, tab) == session.Selecting })
}

func lastOfType(cmds []messages.PresenterCommand, typ string) (messages.PresenterCommand, int) {
	var last messages.PresenterCommand
	n := 0
	for _, c := range cmds {
		if c.Type() == typ {
			last = c
			n++
		}
	}
	return last, n
}

var region = screenshot.Region{X: 10, Y: 10, Width: 40, Height: 30}

func TestPipelineDeliversResult(t *testing.T) {
	h := start(t, DropStale)
	h.startSelection(t, 1)
	h.tabs.complete(1, region)

	eventually(t, "result", func() bool {
		_, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateResult)
		return n == 1
	})
	cmds := h.tabs.sent(1)
	if cmds[0].Type() != messages.TypeShowLoading {
		t.Errorf("first presenter command = %s", cmds[0].Type())
	}
	if hints := cmds[0].(messages.ShowLoading).AvailableLanguageHints; len(hints) != 1 {
		t.Errorf("hints = %v", hints)
	}
	eventually(t, "idle", func() bool { return h.phase(t, 1) == session.Idle })

	img, ok, err := h.loop.LastImage(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("LastImage = %v, %v", ok, err)
	}
	cropped, _ := png.DecodeConfig(bytes.NewReader(img))
	if cropped.Width != 40 || cropped.Height != 30 {
		t.Errorf("cropped size = %dx%d", cropped.Width, cropped.Height)
	}
	eventually(t, "cursor reset", func() bool {
		h.tabs.mu.Lock()
		defer h.tabs.mu.Unlock()
		seen := map[string]bool{}
		for _, c := range h.tabs.cursors {
			seen[c] = true
		}
		return seen[CursorCrosshair] && seen[CursorDefault]
	})
}

func TestDoubleToggleCancelsOnce(t *testing.T) {
	h := start(t, DropStale)
	h.startSelection(t, 1)
	if err := h.loop.Toggle(1); err != nil {
		t.Fatal(err)
	}
	eventually(t, "cancelled", func() bool { return h.phase(t, 1) == session.Idle })

	newCalls, cancels, captures := h.tabs.stats()
	if newCalls != 1 || cancels != 1 || captures != 0 {
		t.Errorf("newSelector=%d cancels=%d captures=%d, want 1,1,0", newCalls, cancels, captures)
	}
	if h.rec.count() != 0 {
		t.Error("cancellation reached the network")
	}
}

func TestToggleAfterLostSelector(t *testing.T) {
	h := start(t, DropStale)
	h.startSelection(t, 1)
	h.tabs.mu.Lock()
	delete(h.tabs.selectors, 1)
	h.tabs.mu.Unlock()

	if err := h.loop.Toggle(1); err != nil {
		t.Fatal(err)
	}
	eventually(t, "selection cleared", func() bool { return h.phase(t, 1) == session.Idle })
	h.startSelection(t, 1)
}

func TestRerunWithoutCaptureNeverCallsNetwork(t *testing.T) {
	h := start(t, DropStale)
	if err := h.loop.Deliver(7, messages.RerunWithLanguage{Hint: "go"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "error", func() bool {
		_, n := lastOfType(h.tabs.sent(7), messages.TypeUpdateError)
		return n == 1
	})
	last, _ := lastOfType(h.tabs.sent(7), messages.TypeUpdateError)
	if last.(messages.UpdateError).Message != UserMessage(ErrStaleRedo) {
		t.Errorf("message = %q", last.(messages.UpdateError).Message)
	}
	if h.rec.count() != 0 {
		t.Error("recognizer called without a cached capture")
	}
}

func TestRerunReusesCachedCapture(t *testing.T) {
	h := start(t, DropStale)
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "first result", func() bool { return h.rec.count() == 1 && h.phase(t, 1) == session.Idle })

	if err := h.loop.Deliver(1, messages.RerunWithLanguage{Hint: "go"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "second result", func() bool {
		_, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateResult)
		return n == 2
	})
	if _, _, captures := h.tabs.stats(); captures != 1 {
		t.Errorf("captures = %d, want 1", captures)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.calls[1] != "go" {
		t.Errorf("rerun hint = %q", h.rec.calls[1])
	}
}

func TestRerunWhileCapturingKeepsNewCapture(t *testing.T) {
	h := start(t, DropStale)
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "first result", func() bool { return h.rec.count() == 1 && h.phase(t, 1) == session.Idle })

	gate := make(chan struct{})
	h.tabs.mu.Lock()
	h.tabs.captureGate = gate
	h.tabs.mu.Unlock()
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "capturing", func() bool { return h.phase(t, 1) == session.Capturing })

	if err := h.loop.Deliver(1, messages.RerunWithLanguage{Hint: "go"}); err != nil {
		t.Fatal(err)
	}
	// a round trip so the rerun is handled before the capture lands
	if _, err := h.loop.Sessions(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(gate)

	eventually(t, "second result", func() bool {
		_, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateResult)
		return n == 2 && h.phase(t, 1) == session.Idle
	})
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.calls) != 2 || h.rec.calls[1] != "" {
		t.Errorf("recognizer calls = %q, want the new capture recognized without a hint", h.rec.calls)
	}
}

func TestCaptureFailureIsReported(t *testing.T) {
	h := start(t, DropStale)
	h.tabs.captureErr = errors.New("tab not visible")
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "error", func() bool {
		_, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateError)
		return n == 1
	})
	last, _ := lastOfType(h.tabs.sent(1), messages.TypeUpdateError)
	if got := last.(messages.UpdateError).Message; got != "Failed to process screenshot." {
		t.Errorf("message = %q", got)
	}
	if h.rec.count() != 0 {
		t.Error("recognizer called after capture failure")
	}
	eventually(t, "idle", func() bool { return h.phase(t, 1) == session.Idle })
}

func TestForbiddenShowsAuthMessage(t *testing.T) {
	h := start(t, DropStale)
	h.rec.err = &llm.ServerError{Status: 403, Kind: llm.KindAuth}
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "error", func() bool {
		_, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateError)
		return n == 1
	})
	last, _ := lastOfType(h.tabs.sent(1), messages.TypeUpdateError)
	if got := last.(messages.UpdateError).Message; got != "Server error: authentication failed." {
		t.Errorf("message = %q", got)
	}
}

func TestTabCloseDiscardsLateResult(t *testing.T) {
	h := start(t, DropStale)
	gate := make(chan struct{})
	h.rec.gates = []chan struct{}{gate}
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "recognizing", func() bool { return h.rec.count() == 1 })

	if err := h.loop.TabClosed(1); err != nil {
		t.Fatal(err)
	}
	close(gate)
	// a round trip through the loop after the result was posted
	time.Sleep(50 * time.Millisecond)
	snaps, _ := h.loop.Sessions(context.Background())
	if len(snaps) != 0 {
		t.Errorf("sessions = %+v, want none", snaps)
	}
	if _, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateResult); n != 0 {
		t.Error("result delivered to a closed tab")
	}
}

func TestToggleWhileAwaitingResultStartsSelection(t *testing.T) {
	h := start(t, DropStale)
	gate := make(chan struct{})
	defer close(gate)
	h.rec.gates = []chan struct{}{gate}
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "awaiting", func() bool { return h.phase(t, 1) == session.AwaitingResult })

	h.startSelection(t, 1)
	if newCalls, cancels, _ := h.tabs.stats(); newCalls != 2 || cancels != 0 {
		t.Errorf("newSelector=%d cancels=%d", newCalls, cancels)
	}
}

func staleScenario(t *testing.T, policy StalePolicy) []string {
	h := start(t, policy)
	first := make(chan struct{})
	h.rec.gates = []chan struct{}{first}
	h.startSelection(t, 1)
	h.tabs.complete(1, region)
	eventually(t, "first request running", func() bool { return h.rec.count() == 1 })

	// The crop is cached before recognition starts, so a rerun can overtake.
	if err := h.loop.Deliver(1, messages.RerunWithLanguage{Hint: "go"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "second result", func() bool {
		_, n := lastOfType(h.tabs.sent(1), messages.TypeUpdateResult)
		return n == 1
	})
	close(first)
	time.Sleep(50 * time.Millisecond)
	if _, err := h.loop.Sessions(context.Background()); err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, c := range h.tabs.sent(1) {
		if r, ok := c.(messages.UpdateResult); ok {
			texts = append(texts, r.Text)
		}
	}
	if p := h.phase(t, 1); p != session.Idle {
		t.Errorf("phase = %v, want idle", p)
	}
	return texts
}

func TestStaleResultDropped(t *testing.T) {
	texts := staleScenario(t, DropStale)
	if len(texts) != 1 || texts[0] != "```python\nresult 2\n```" {
		t.Errorf("delivered %q, want only the re-run result", texts)
	}
}

func TestStaleResultDelivered(t *testing.T) {
	texts := staleScenario(t, DeliverStale)
	if len(texts) != 2 || texts[1] != "```python\nresult 1\n```" {
		t.Errorf("delivered %q, want both with the late one last", texts)
	}
}

func TestInjectFailureEndsSelection(t *testing.T) {
	h := start(t, DropStale)
	h.tabs.injectErr = errors.New("chrome:// pages cannot be scripted")
	if err := h.loop.Toggle(1); err != nil {
		t.Fatal(err)
	}
	eventually(t, "selection aborted", func() bool {
		_, cancels, _ := h.tabs.stats()
		return cancels == 1 && h.phase(t, 1) == session.Idle
	})
}

func TestDeliverRejectsCommands(t *testing.T) {
	h := start(t, DropStale)
	if err := h.loop.Deliver(1, messages.UpdateResult{Text: "x"}); err == nil {
		t.Error("Deliver accepted a presenter command")
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", llm.ErrUnreachable), "Failed to connect to the recognition server. Check that the backend is running and reachable."},
		{&llm.ServerError{Status: 401, Kind: llm.KindAuth}, "Server error: authentication failed."},
		{&llm.ServerError{Status: 502, Kind: llm.KindServer}, "Server error: internal server problem."},
		{&llm.ServerError{Status: 404, Kind: llm.KindClient}, "Server error: request failed."},
		{fmt.Errorf("%w: decode", ErrCapture), "Failed to process screenshot."},
		{ErrBusy, "Busy, please retry."},
		{context.DeadlineExceeded, "Timed out waiting for the recognition server."},
		{errors.New("???"), "An unexpected error occurred."},
	}
	for _, tc := range cases {
		if got := UserMessage(tc.err); got != tc.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestParseStalePolicy(t *testing.T) {
	for in, want := range map[string]StalePolicy{"": DropStale, "drop": DropStale, "Deliver": DeliverStale} {
		if got, err := ParseStalePolicy(in); err != nil || got != want {
			t.Errorf("ParseStalePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStalePolicy("sometimes"); err == nil {
		t.Error("accepted unknown policy")
	}
}
