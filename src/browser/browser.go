// Package browser drives Chrome over the DevTools protocol: it tracks page
// targets as tabs, injects the in-page shims and captures the visible area.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"codeocr/src/session"
)

var (
	ErrNotStarted = errors.New("browser not started")
	ErrNoTab      = errors.New("no such tab")
)

// Config selects how Chrome is reached.
type Config struct {
	// RemoteURL is a DevTools websocket URL of a running browser. When
	// empty a local Chrome is launched.
	RemoteURL string
	Headless  bool
	// BridgeBase is the ws:// URL the shims connect back to.
	BridgeBase string
}

// TabInfo describes one page target.
type TabInfo struct {
	ID       session.TabID `json:"id"`
	TargetID string        `json:"targetId"`
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Active   bool          `json:"active"`
}

type tab struct {
	id     session.TabID
	target target.ID
	url    string
	title  string
	ctx    context.Context
	cancel context.CancelFunc

	// the first Run on a chromedp context must not carry a deadline
	attach    sync.Once
	attachErr error
}

// Driver owns the browser connection and the tab registry.
type Driver struct {
	cfg Config

	mu          sync.Mutex
	browserCtx  context.Context
	cancels     []context.CancelFunc
	tabs        map[session.TabID]*tab
	byTarget    map[target.ID]session.TabID
	next        session.TabID
	active      session.TabID
	onClosed    func(session.TabID)
	initialPage target.ID
}

func New(cfg Config) *Driver {
	return &Driver{
		cfg:      cfg,
		tabs:     make(map[session.TabID]*tab),
		byTarget: make(map[target.ID]session.TabID),
	}
}

// OnTabClosed registers the callback run when a tab goes away. It is called
// from its own goroutine.
func (d *Driver) OnTabClosed(fn func(session.TabID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClosed = fn
}

// Start connects to or launches Chrome and begins tracking page targets.
func (d *Driver) Start(ctx context.Context) error {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if d.cfg.RemoteURL != "" {
		log.Infof("Browser: connecting to %s", d.cfg.RemoteURL)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, d.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", d.cfg.Headless),
			chromedp.Flag("disable-gpu", d.cfg.Headless),
		)
		log.Infof("Browser: launching Chrome (headless=%t)", d.cfg.Headless)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	chromedp.ListenBrowser(browserCtx, d.onBrowserEvent)

	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	})); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	d.mu.Lock()
	d.browserCtx = browserCtx
	d.cancels = []context.CancelFunc{browserCancel, allocCancel}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		d.initialPage = c.Target.TargetID
	}
	d.mu.Unlock()

	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	for _, info := range infos {
		d.track(info)
	}
	log.Infof("Browser: tracking %d tabs", len(d.Tabs()))
	return nil
}

// Close disconnects from the browser, closing it if it was launched here.
func (d *Driver) Close() {
	d.mu.Lock()
	cancels := d.cancels
	d.cancels = nil
	d.browserCtx = nil
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Driver) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		d.track(e.TargetInfo)
	case *target.EventTargetInfoChanged:
		d.track(e.TargetInfo)
	case *target.EventTargetDestroyed:
		d.untrack(e.TargetID)
	}
}

func (d *Driver) track(info *target.Info) {
	if info == nil || info.Type != "page" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byTarget[info.TargetID]; ok {
		t := d.tabs[id]
		t.url, t.title = info.URL, info.Title
		return
	}
	d.next++
	t := &tab{id: d.next, target: info.TargetID, url: info.URL, title: info.Title}
	d.tabs[t.id] = t
	d.byTarget[info.TargetID] = t.id
	d.active = t.id
	log.Debugf("Browser: %s is target %s (%s)", t.id, info.TargetID, info.URL)
}

func (d *Driver) untrack(id target.ID) {
	d.mu.Lock()
	tabID, ok := d.byTarget[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	t := d.tabs[tabID]
	delete(d.tabs, tabID)
	delete(d.byTarget, id)
	if d.active == tabID {
		d.active = 0
		for other := range d.tabs {
			if other > d.active {
				d.active = other
			}
		}
	}
	onClosed := d.onClosed
	initial := d.initialPage
	d.mu.Unlock()

	if t.cancel != nil && t.target != initial {
		t.cancel()
	}
	log.Infof("Browser: %s closed", tabID)
	if onClosed != nil {
		go onClosed(tabID)
	}
}

// Tabs lists the tracked tabs ordered by id.
func (d *Driver) Tabs() []TabInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TabInfo, 0, len(d.tabs))
	for _, t := range d.tabs {
		out = append(out, TabInfo{ID: t.id, TargetID: string(t.target), URL: t.url, Title: t.title, Active: t.id == d.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Known reports whether tab is tracked.
func (d *Driver) Known(tab session.TabID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tabs[tab]
	return ok
}

// Active returns the most recently opened or activated tab.
func (d *Driver) Active() (session.TabID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[d.active]; !ok {
		return 0, false
	}
	return d.active, true
}

// Activate brings tab to the front and makes it the active tab.
func (d *Driver) Activate(ctx context.Context, tab session.TabID) error {
	return d.run(ctx, tab, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		if err := target.ActivateTarget(c.Target.TargetID).Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
			return err
		}
		d.mu.Lock()
		d.active = tab
		d.mu.Unlock()
		return nil
	}))
}

// Open creates a tab showing url and returns its id.
func (d *Driver) Open(ctx context.Context, url string) (session.TabID, error) {
	d.mu.Lock()
	browserCtx := d.browserCtx
	d.mu.Unlock()
	if browserCtx == nil {
		return 0, ErrNotStarted
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return 0, fmt.Errorf("open tab: %w", err)
	}
	c := chromedp.FromContext(tabCtx)
	d.track(&target.Info{TargetID: c.Target.TargetID, Type: "page", URL: url})

	d.mu.Lock()
	id, ok := d.byTarget[c.Target.TargetID]
	if !ok {
		d.mu.Unlock()
		cancel()
		return 0, fmt.Errorf("%w: new tab closed while opening", ErrNoTab)
	}
	t := d.tabs[id]
	t.ctx, t.cancel = tabCtx, cancel
	t.attach.Do(func() {})
	d.active = id
	d.mu.Unlock()

	runCtx, stop := within(ctx, tabCtx)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return id, fmt.Errorf("open %s: %w", url, err)
	}
	return id, nil
}

// CloseTab closes the page. The tab-closed callback follows from the
// browser's target event.
func (d *Driver) CloseTab(ctx context.Context, tab session.TabID) error {
	return d.run(ctx, tab, page.Close())
}

// InjectSelector evaluates the selector shim in tab.
func (d *Driver) InjectSelector(ctx context.Context, tab session.TabID, token string) error {
	return d.inject(ctx, tab, RoleSelector, token)
}

// InjectPresenter evaluates the presenter shim in tab.
func (d *Driver) InjectPresenter(ctx context.Context, tab session.TabID, token string) error {
	return d.inject(ctx, tab, RolePresenter, token)
}

func (d *Driver) inject(ctx context.Context, tab session.TabID, role Role, token string) error {
	src, err := Script(role, d.cfg.BridgeBase, tab, token)
	if err != nil {
		return err
	}
	if err := d.run(ctx, tab, chromedp.Evaluate(src, nil)); err != nil {
		return fmt.Errorf("inject %s into %s: %w", role, tab, err)
	}
	log.Debugf("Browser: injected %s shim into %s", role, tab)
	return nil
}

// SetCursor changes the page cursor.
func (d *Driver) SetCursor(ctx context.Context, tab session.TabID, cursor string) error {
	return d.run(ctx, tab, chromedp.Evaluate(cursorScript(cursor), nil))
}

// Capture removes any selector overlay and returns a PNG of the visible
// area at device pixel resolution.
func (d *Driver) Capture(ctx context.Context, tab session.TabID) ([]byte, error) {
	var buf []byte
	start := time.Now()
	err := d.run(ctx, tab,
		chromedp.Evaluate(teardownSelector, nil),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", tab, err)
	}
	log.Debugf("Browser: captured %s (%d bytes in %s)", tab, len(buf), time.Since(start).Round(time.Millisecond))
	return buf, nil
}

// run executes actions in tab's target, bounded by ctx.
func (d *Driver) run(ctx context.Context, tab session.TabID, actions ...chromedp.Action) error {
	tabCtx, err := d.tabContext(tab)
	if err != nil {
		return err
	}
	runCtx, stop := within(ctx, tabCtx)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (d *Driver) tabContext(id session.TabID) (context.Context, error) {
	d.mu.Lock()
	if d.browserCtx == nil {
		d.mu.Unlock()
		return nil, ErrNotStarted
	}
	t, ok := d.tabs[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoTab, id)
	}
	if t.ctx == nil {
		if t.target == d.initialPage {
			t.ctx, t.cancel = d.browserCtx, func() {}
		} else {
			t.ctx, t.cancel = chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(t.target))
		}
	}
	d.mu.Unlock()

	t.attach.Do(func() {
		if t.attachErr = chromedp.Run(t.ctx); t.attachErr != nil {
			log.Warnf("Browser: attach to %s failed: %v", id, t.attachErr)
		}
	})
	if t.attachErr != nil {
		return nil, fmt.Errorf("attach %s: %w", id, t.attachErr)
	}
	return t.ctx, nil
}

// within derives a context from the chromedp context tabCtx that is also
// cancelled with ctx and shares its deadline.
func within(ctx, tabCtx context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(tabCtx, dl)
	} else {
		runCtx, cancel = context.WithCancel(tabCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
