// Package coordinator runs the per-tab capture pipeline. A single goroutine
// owns every session; blocking work runs on the worker pool and reports
// back through the loop's event channel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"codeocr/src/debugsink"
	"codeocr/src/messages"
	"codeocr/src/screenshot"
	"codeocr/src/session"
	"codeocr/src/worker"
)

const (
	CursorCrosshair = "crosshair"
	CursorDefault   = "default"
)

// Tabs is the browser side of the pipeline. Implementations must be safe
// for concurrent use and must not call back into the loop synchronously.
type Tabs interface {
	// NewSelector creates the tab's selector state machine.
	NewSelector(tab session.TabID) error
	InjectSelector(ctx context.Context, tab session.TabID) error
	InjectPresenter(ctx context.Context, tab session.TabID) error
	SetCursor(ctx context.Context, tab session.TabID, cursor string) error
	// Capture returns a PNG of the tab's visible area.
	Capture(ctx context.Context, tab session.TabID) ([]byte, error)
	SendSelector(tab session.TabID, cmd messages.SelectorCommand) error
	SendPresenter(tab session.TabID, cmd messages.PresenterCommand) error
}

// Recognizer turns a cropped PNG into text.
type Recognizer interface {
	Recognize(ctx context.Context, png []byte) (string, error)
	RecognizeAs(ctx context.Context, png []byte, hint string) (string, error)
}

// CropFunc cuts a region out of a captured PNG.
type CropFunc func(png []byte, region screenshot.Region) ([]byte, error)

type Options struct {
	Tabs       Tabs
	Recognizer Recognizer
	Pool       *worker.Pool
	Hints      []messages.LanguageOption
	Crop       CropFunc
	Sink       debugsink.Sink
	Deadline   time.Duration
	Stale      StalePolicy
	// OnActivity is called from the loop whenever the number of tabs with
	// a request in flight changes.
	OnActivity func(inFlight int)
}

// Loop is the single-threaded coordinator.
type Loop struct {
	opts     Options
	sessions *session.Table
	events   chan event
	stopped  chan struct{}
	inFlight int
	now      func() time.Time
}

type event interface{}

type toggleEvent struct{ tab session.TabID }

type selectorOutcome struct {
	tab session.TabID
	ev  messages.SelectorEvent
}

type presenterEvent struct {
	tab session.TabID
	ev  messages.PresenterEvent
}

type tabClosed struct{ tab session.TabID }

type injectDone struct {
	tab session.TabID
	err error
}

type captureDone struct {
	tab    session.TabID
	seq    uint64
	region screenshot.Region
	png    []byte
	err    error
}

type cropDone struct {
	tab session.TabID
	seq uint64
	png []byte
	err error
}

type recognizeDone struct {
	tab  session.TabID
	seq  uint64
	text string
	err  error
}

type query struct{ fn func() }

// New creates a loop. Pool, Tabs and Recognizer are required.
func New(opts Options) *Loop {
	if opts.Deadline <= 0 {
		opts.Deadline = 20 * time.Second
	}
	if opts.Crop == nil {
		opts.Crop = screenshot.Crop
	}
	if opts.Sink == nil {
		opts.Sink = debugsink.Discard{}
	}
	return &Loop{
		opts:     opts,
		sessions: session.NewTable(),
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

// Deadline returns the per-job deadline.
func (l *Loop) Deadline() time.Duration { return l.opts.Deadline }

// Run processes events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	log.Infof("Coordinator: running (stale responses: %s, deadline: %s)", l.opts.Stale, l.opts.Deadline)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.handle(ctx, ev)
			l.reportActivity()
		}
	}
}

func (l *Loop) post(ev event) error {
	select {
	case l.events <- ev:
		return nil
	case <-l.stopped:
		return ErrStopped
	}
}

// Toggle starts a selection in tab, or cancels the active one.
func (l *Loop) Toggle(tab session.TabID) error { return l.post(toggleEvent{tab}) }

// Deliver hands a selector or presenter event from tab to the loop.
func (l *Loop) Deliver(tab session.TabID, m messages.Message) error {
	switch ev := m.(type) {
	case messages.SelectorEvent:
		return l.post(selectorOutcome{tab, ev})
	case messages.PresenterEvent:
		return l.post(presenterEvent{tab, ev})
	}
	return fmt.Errorf("coordinator does not accept %s", m.Type())
}

// TabClosed destroys the tab's session.
func (l *Loop) TabClosed(tab session.TabID) error { return l.post(tabClosed{tab}) }

// Sessions returns a snapshot of every session.
func (l *Loop) Sessions(ctx context.Context) ([]session.Snapshot, error) {
	var out []session.Snapshot
	err := l.ask(ctx, func() { out = l.sessions.Snapshots() })
	return out, err
}

// LastImage returns the tab's cached crop, if any.
func (l *Loop) LastImage(ctx context.Context, tab session.TabID) ([]byte, bool, error) {
	var img []byte
	err := l.ask(ctx, func() {
		if s, ok := l.sessions.Get(tab); ok && len(s.Image()) > 0 {
			img = append([]byte(nil), s.Image()...)
		}
	})
	return img, img != nil, err
}

func (l *Loop) ask(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	q := query{fn: func() { fn(); close(done) }}
	select {
	case l.events <- q:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case toggleEvent:
		l.handleToggle(ctx, e.tab)
	case injectDone:
		l.handleInjectDone(e)
	case selectorOutcome:
		l.handleSelectorOutcome(ctx, e)
	case captureDone:
		l.handleCaptureDone(ctx, e)
	case cropDone:
		l.handleCropDone(ctx, e)
	case recognizeDone:
		l.handleRecognizeDone(e)
	case presenterEvent:
		l.handlePresenterEvent(ctx, e)
	case tabClosed:
		if l.sessions.Delete(e.tab) {
			log.Infof("Coordinator: %s closed, session destroyed", e.tab)
		}
	case query:
		e.fn()
	default:
		log.Errorf("Coordinator: unknown event %T", ev)
	}
}

func (l *Loop) handleToggle(ctx context.Context, tab session.TabID) {
	s := l.sessions.Ensure(tab)
	if s.Selecting() {
		log.Infof("Coordinator: %s toggled while selecting, cancelling", tab)
		if err := l.opts.Tabs.SendSelector(tab, messages.CancelSelection{}); err != nil {
			log.Warnf("Coordinator: cancel selection in %s failed, assuming selector is gone: %v", tab, err)
			s.EndSelection()
		}
		return
	}

	if err := l.opts.Tabs.NewSelector(tab); err != nil {
		log.Errorf("Coordinator: cannot start selector in %s: %v", tab, err)
		return
	}
	s.StartSelection()
	log.Infof("Coordinator: selection started in %s", tab)

	ok := l.submit(ctx, "inject-selector", func(jobCtx context.Context) event {
		err := l.opts.Tabs.InjectSelector(jobCtx, tab)
		if err == nil {
			err = l.opts.Tabs.SetCursor(jobCtx, tab, CursorCrosshair)
		}
		return injectDone{tab: tab, err: err}
	})
	if !ok {
		l.abortSelector(s, ErrBusy)
	}
}

func (l *Loop) handleInjectDone(e injectDone) {
	if e.err == nil {
		return
	}
	s, ok := l.sessions.Get(e.tab)
	if !ok || !s.Selecting() {
		return
	}
	l.abortSelector(s, e.err)
}

// abortSelector disposes a selector that never became usable.
func (l *Loop) abortSelector(s *session.Session, cause error) {
	log.Errorf("Coordinator: selector in %s failed: %v", s.Tab, cause)
	if err := l.opts.Tabs.SendSelector(s.Tab, messages.CancelSelection{}); err != nil {
		s.EndSelection()
	}
}

func (l *Loop) handleSelectorOutcome(ctx context.Context, e selectorOutcome) {
	s, ok := l.sessions.Get(e.tab)
	if !ok {
		log.Debugf("Coordinator: %s from closed %s discarded", e.ev.Type(), e.tab)
		return
	}
	if !s.Selecting() {
		log.Warnf("Coordinator: unexpected %s from %s with no active selector", e.ev.Type(), e.tab)
		return
	}
	s.EndSelection()
	l.submit(ctx, "reset-cursor", func(jobCtx context.Context) event {
		if err := l.opts.Tabs.SetCursor(jobCtx, e.tab, CursorDefault); err != nil {
			log.Debugf("Coordinator: reset cursor in %s: %v", e.tab, err)
		}
		return nil
	})

	switch ev := e.ev.(type) {
	case messages.SelectionCancelled:
		log.Infof("Coordinator: selection cancelled in %s", e.tab)
	case messages.SelectionCompleted:
		l.startCapture(ctx, s, ev.Region)
	}
}

func (l *Loop) startCapture(ctx context.Context, s *session.Session, region screenshot.Region) {
	tab := s.Tab
	seq := s.Begin(session.Capturing)
	hints := l.opts.Hints
	log.Infof("Coordinator: capturing %s in %s (request %d)", region, tab, seq)

	ok := l.submit(ctx, "capture", func(jobCtx context.Context) event {
		if err := l.opts.Tabs.InjectPresenter(jobCtx, tab); err != nil {
			log.Warnf("Coordinator: presenter injection in %s failed: %v", tab, err)
		}
		if err := l.opts.Tabs.SendPresenter(tab, messages.ShowLoading{AvailableLanguageHints: hints}); err != nil {
			log.Warnf("Coordinator: show loading in %s failed: %v", tab, err)
		}
		png, err := l.opts.Tabs.Capture(jobCtx, tab)
		return captureDone{tab: tab, seq: seq, region: region, png: png, err: err}
	})
	if !ok {
		l.fail(s, seq, ErrBusy)
	}
}

func (l *Loop) handleCaptureDone(ctx context.Context, e captureDone) {
	s, ok := l.current(e.tab, e.seq, "capture")
	if !ok {
		return
	}
	if e.err != nil {
		l.fail(s, e.seq, fmt.Errorf("%w: %v", ErrCapture, e.err))
		return
	}
	sink := l.opts.Sink
	crop := l.opts.Crop
	at := l.now()
	ok = l.submit(ctx, "crop", func(jobCtx context.Context) event {
		png, err := worker.WithContext(jobCtx, func() ([]byte, error) { return crop(e.png, e.region) })
		if err == nil {
			name := debugsink.Name(int(e.tab), e.seq, e.region.Width, e.region.Height, at)
			if serr := sink.Save(jobCtx, name, png); serr != nil {
				log.Warnf("Coordinator: could not save debug image: %v", serr)
			}
		}
		return cropDone{tab: e.tab, seq: e.seq, png: png, err: err}
	})
	if !ok {
		l.fail(s, e.seq, ErrBusy)
	}
}

func (l *Loop) handleCropDone(ctx context.Context, e cropDone) {
	s, ok := l.current(e.tab, e.seq, "crop")
	if !ok {
		return
	}
	if e.err != nil {
		l.fail(s, e.seq, fmt.Errorf("%w: %v", ErrCapture, e.err))
		return
	}
	s.StoreImage(e.png)
	s.Advance(e.seq, session.AwaitingResult)
	png := e.png
	l.startRecognize(ctx, s, e.seq, func(jobCtx context.Context) (string, error) {
		return l.opts.Recognizer.Recognize(jobCtx, png)
	})
}

func (l *Loop) startRecognize(ctx context.Context, s *session.Session, seq uint64, run func(context.Context) (string, error)) {
	tab := s.Tab
	ok := l.submit(ctx, "recognize", func(jobCtx context.Context) event {
		text, err := run(jobCtx)
		return recognizeDone{tab: tab, seq: seq, text: text, err: err}
	})
	if !ok {
		l.fail(s, seq, ErrBusy)
	}
}

func (l *Loop) handleRecognizeDone(e recognizeDone) {
	s, ok := l.sessions.Get(e.tab)
	if !ok {
		log.Debugf("Coordinator: result for closed %s discarded", e.tab)
		return
	}
	if !s.Current(e.seq) && l.opts.Stale == DropStale {
		log.Infof("Coordinator: stale result for %s request %d dropped (current %d)", e.tab, e.seq, s.Seq())
		return
	}
	if e.err != nil {
		l.fail(s, e.seq, e.err)
		return
	}
	log.Infof("Coordinator: result for %s request %d (%d chars)", e.tab, e.seq, len(e.text))
	if err := l.opts.Tabs.SendPresenter(e.tab, messages.UpdateResult{Text: e.text}); err != nil {
		log.Warnf("Coordinator: deliver result to %s failed: %v", e.tab, err)
	}
	s.Finish(e.seq)
}

func (l *Loop) handlePresenterEvent(ctx context.Context, e presenterEvent) {
	switch ev := e.ev.(type) {
	case messages.RerunWithLanguage:
		l.rerun(ctx, e.tab, ev.Hint)
	case messages.PresenterClosed:
		log.Debugf("Coordinator: presenter closed in %s", e.tab)
	}
}

func (l *Loop) rerun(ctx context.Context, tab session.TabID, hint string) {
	s, ok := l.sessions.Get(tab)
	if !ok || len(s.Image()) == 0 {
		log.Warnf("Coordinator: re-run as %q in %s with no cached capture", hint, tab)
		if err := l.opts.Tabs.SendPresenter(tab, messages.UpdateError{Message: UserMessage(ErrStaleRedo)}); err != nil {
			log.Warnf("Coordinator: deliver error to %s failed: %v", tab, err)
		}
		return
	}
	if s.Capturing() {
		// The fresh capture would be superseded; its result will show the
		// picker again.
		log.Infof("Coordinator: re-run as %q in %s ignored while capturing", hint, tab)
		return
	}
	seq := s.Begin(session.AwaitingResult)
	png := s.Image()
	log.Infof("Coordinator: re-running %s as %q (request %d)", tab, hint, seq)
	l.startRecognize(ctx, s, seq, func(jobCtx context.Context) (string, error) {
		return l.opts.Recognizer.RecognizeAs(jobCtx, png, hint)
	})
}

// current returns the tab's session when seq is still its latest request.
func (l *Loop) current(tab session.TabID, seq uint64, stage string) (*session.Session, bool) {
	s, ok := l.sessions.Get(tab)
	if !ok {
		log.Debugf("Coordinator: %s result for closed %s discarded", stage, tab)
		return nil, false
	}
	if !s.Current(seq) {
		log.Infof("Coordinator: %s result for %s request %d superseded by %d", stage, tab, seq, s.Seq())
		return nil, false
	}
	return s, true
}

// fail reports err to the tab's presenter and ends the request.
func (l *Loop) fail(s *session.Session, seq uint64, err error) {
	msg := UserMessage(err)
	log.Errorf("Coordinator: request %d in %s failed: %v", seq, s.Tab, err)
	if serr := l.opts.Tabs.SendPresenter(s.Tab, messages.UpdateError{Message: msg}); serr != nil {
		log.Warnf("Coordinator: deliver error to %s failed: %v", s.Tab, serr)
	}
	s.Finish(seq)
}

// submit runs job on the pool with the loop deadline and posts its
// non-nil result back. Returns false if the pool dropped it.
func (l *Loop) submit(ctx context.Context, name string, job func(context.Context) event) bool {
	jobCtx, cancel := context.WithTimeout(ctx, l.opts.Deadline)
	ok := l.opts.Pool.Submit(jobCtx, name, func(jobCtx context.Context) {
		defer cancel()
		if ev := job(jobCtx); ev != nil {
			if err := l.post(ev); err != nil && !errors.Is(err, ErrStopped) {
				log.Errorf("Coordinator: posting %s result: %v", name, err)
			}
		}
	})
	if !ok {
		cancel()
		log.Warnf("Coordinator: worker queue full, dropped %s", name)
	}
	return ok
}

func (l *Loop) reportActivity() {
	n := l.sessions.Count((*session.Session).InFlight)
	if n == l.inFlight {
		return
	}
	l.inFlight = n
	if l.opts.OnActivity != nil {
		l.opts.OnActivity(n)
	}
}
