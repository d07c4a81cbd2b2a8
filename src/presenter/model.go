package presenter

import (
	"sync"

	"github.com/charmbracelet/log"

	"codeocr/src/messages"
)

// State is what the presenter is currently showing.
type State int

const (
	Hidden State = iota
	Loading
	ShowingResult
	ShowingError
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case ShowingResult:
		return "result"
	case ShowingError:
		return "error"
	}
	return "hidden"
}

// View is a snapshot of everything a presenter surface needs to draw.
type View struct {
	State    State
	Hints    []messages.LanguageOption
	Result   Extracted
	RawText  string
	Error    string
	Selected string
}

// Model applies presenter commands and produces presenter events. It has
// no UI of its own; surfaces observe it through OnChange.
type Model struct {
	mu   sync.Mutex
	view View

	emit     func(messages.PresenterEvent)
	onChange []func(View)
	onResult []func(Extracted)
}

// NewModel creates a hidden presenter. emit receives redo and close events.
func NewModel(emit func(messages.PresenterEvent)) *Model {
	return &Model{emit: emit}
}

// OnChange registers a callback run after every state change.
func (m *Model) OnChange(fn func(View)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnResult registers a callback run for every successful result.
func (m *Model) OnResult(fn func(Extracted)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = append(m.onResult, fn)
}

func (m *Model) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Apply handles one command from the coordinator.
func (m *Model) Apply(cmd messages.PresenterCommand) {
	m.mu.Lock()
	var result *Extracted
	switch c := cmd.(type) {
	case messages.ShowLoading:
		m.view = View{State: Loading, Hints: c.AvailableLanguageHints, Selected: m.view.Selected}
	case messages.UpdateResult:
		ex := Extract(c.Text, m.view.Hints)
		m.view.State = ShowingResult
		m.view.Result = ex
		m.view.RawText = c.Text
		m.view.Error = ""
		m.view.Selected = ex.Language
		result = &ex
	case messages.UpdateError:
		m.view.State = ShowingError
		m.view.Error = c.Message
	default:
		m.mu.Unlock()
		log.Warnf("Presenter: ignoring %s", cmd.Type())
		return
	}
	view, changed, results := m.view, m.onChange, m.onResult
	m.mu.Unlock()

	for _, fn := range changed {
		fn(view)
	}
	if result != nil {
		for _, fn := range results {
			fn(*result)
		}
	}
}

// SelectLanguage asks for the capture to be recognized again as hint.
func (m *Model) SelectLanguage(hint string) {
	m.mu.Lock()
	if m.view.State == Hidden || (hint == m.view.Selected && m.view.State == Loading) {
		m.mu.Unlock()
		return
	}
	m.view.State = Loading
	m.view.Selected = hint
	view, changed := m.view, m.onChange
	m.mu.Unlock()

	for _, fn := range changed {
		fn(view)
	}
	if m.emit != nil {
		m.emit(messages.RerunWithLanguage{Hint: hint})
	}
}

// Close hides the presenter and reports it.
func (m *Model) Close() {
	m.mu.Lock()
	if m.view.State == Hidden {
		m.mu.Unlock()
		return
	}
	m.view = View{State: Hidden}
	view, changed := m.view, m.onChange
	m.mu.Unlock()

	for _, fn := range changed {
		fn(view)
	}
	if m.emit != nil {
		m.emit(messages.PresenterClosed{})
	}
}

// ClipboardSink returns an OnResult callback that copies extracted code
// using write, typically clipboard.Write.
func ClipboardSink(write func(string) error) func(Extracted) {
	return func(ex Extracted) {
		if ex.Code == "" {
			return
		}
		if err := write(ex.Code); err != nil {
			log.Warnf("Presenter: copy to clipboard failed: %v", err)
			return
		}
		log.Infof("Presenter: copied %d chars of %s to clipboard", len(ex.Code), ex.Language)
	}
}

// Render converts a view into the frame drawn by the in-page presenter.
func (v View) Render(fontSize, uiScale float64) messages.PresenterView {
	return messages.PresenterView{
		State:    v.State.String(),
		Hints:    v.Hints,
		Code:     v.Result.Code,
		Language: v.Result.Language,
		Error:    v.Error,
		Selected: v.Selected,
		FontSize: fontSize,
		UIScale:  uiScale,
	}
}
