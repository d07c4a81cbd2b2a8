// Package selector implements the per-tab drag-to-select state machine.
// The in-page shim forwards raw pointer and key input; the machine decides
// what to draw and emits exactly one outcome per selection.
package selector

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"codeocr/src/geometry"
	"codeocr/src/messages"
)

type State int

const (
	Idle State = iota
	Armed
	Dragging
	Finalizing
	Cancelled
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Dragging:
		return "dragging"
	case Finalizing:
		return "finalizing"
	case Cancelled:
		return "cancelled"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) live() bool { return s == Idle || s == Armed || s == Dragging }

// Renderer draws on the page overlay.
type Renderer interface {
	Render(messages.SelectorRender) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(messages.SelectorRender) error

func (f RendererFunc) Render(m messages.SelectorRender) error { return f(m) }

// Machine is one selection gesture in one tab. It is safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	pointerID   int
	startPage   geometry.Point
	startClient geometry.Point

	render   Renderer
	done     func(messages.SelectorEvent)
	teardown sync.Once
}

// New creates an idle machine. done receives the single outcome.
func New(r Renderer, done func(messages.SelectorEvent)) *Machine {
	return &Machine{render: r, done: done}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Finished reports whether the machine has settled on its outcome. The
// outcome may still be on its way to the done callback.
func (m *Machine) Finished() bool {
	return !m.State().live()
}

// Arm shows the overlay. It fails unless the machine is idle.
func (m *Machine) Arm() error {
	m.mu.Lock()
	if m.state != Idle {
		s := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot arm selector in state %s", s)
	}
	m.state = Armed
	m.mu.Unlock()
	m.draw(messages.OverlayShow{})
	return nil
}

// Cancel terminates a live selection as cancelled.
func (m *Machine) Cancel() {
	m.mu.Lock()
	if !m.state.live() {
		m.mu.Unlock()
		return
	}
	m.state = Cancelled
	m.mu.Unlock()
	m.terminate(messages.SelectionCancelled{})
}

// Handle applies one input from the page.
func (m *Machine) Handle(in messages.SelectorInput) {
	switch ev := in.(type) {
	case messages.PointerDown:
		m.pointerDown(ev.Pointer)
	case messages.PointerMove:
		m.pointerMove(ev.Pointer)
	case messages.PointerUp:
		m.pointerUp(ev.Pointer)
	case messages.PointerCancel:
		m.pointerCancel(ev.Pointer)
	case messages.KeyDown:
		if ev.Key == "Escape" {
			m.Cancel()
		}
	}
}

func (m *Machine) pointerDown(p messages.Pointer) {
	m.mu.Lock()
	if m.state != Armed || !p.IsPrimary || p.Button != 0 {
		m.mu.Unlock()
		return
	}
	m.state = Dragging
	m.pointerID = p.PointerID
	m.startPage = p.Page()
	m.startClient = p.Client()
	start := m.startClient
	m.mu.Unlock()

	m.draw(messages.GuidesHide{})
	m.draw(messages.RectDraw{Rect: geometry.Rect{X: start.X, Y: start.Y}})
}

func (m *Machine) pointerMove(p messages.Pointer) {
	m.mu.Lock()
	switch {
	case m.state == Armed:
		m.mu.Unlock()
		m.draw(messages.GuidesMove{Point: p.Client()})
	case m.state == Dragging && p.PointerID == m.pointerID:
		rect := geometry.Span(m.startClient, p.Client())
		m.mu.Unlock()
		m.draw(messages.RectDraw{Rect: rect})
	default:
		m.mu.Unlock()
	}
}

func (m *Machine) pointerUp(p messages.Pointer) {
	m.mu.Lock()
	if m.state != Dragging || p.PointerID != m.pointerID {
		m.mu.Unlock()
		return
	}
	m.state = Finalizing
	region, ok := geometry.Finalize(m.startPage, p.Page(), p.Viewport)
	if !ok {
		m.state = Cancelled
	}
	m.mu.Unlock()

	if !ok {
		log.Debugf("Selector: selection below %dpx, cancelling", geometry.MinSelectionSpan)
		m.terminate(messages.SelectionCancelled{})
		return
	}
	m.terminate(messages.SelectionCompleted{Region: region})
}

func (m *Machine) pointerCancel(p messages.Pointer) {
	m.mu.Lock()
	if m.state != Dragging || p.PointerID != m.pointerID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Cancel()
}

func (m *Machine) terminate(outcome messages.SelectorEvent) {
	m.teardown.Do(func() {
		m.draw(messages.OverlayTeardown{})
		m.mu.Lock()
		m.state = Terminated
		m.mu.Unlock()
		if m.done != nil {
			m.done(outcome)
		}
	})
}

func (m *Machine) draw(cmd messages.SelectorRender) {
	if m.render == nil {
		return
	}
	if err := m.render.Render(cmd); err != nil {
		log.Warnf("Selector: render %s failed: %v", cmd.Type(), err)
	}
}
