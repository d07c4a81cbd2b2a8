package messages

import (
	"fmt"

	"codeocr/src/geometry"
	"codeocr/src/screenshot"
)

// Message is the base interface for everything routed between contexts.
type Message interface {
	Type() string
}

// SelectorEvent is sent by a tab's selector to the coordinator.
type SelectorEvent interface {
	Message
	selectorEvent()
}

// SelectorCommand is sent by the coordinator to a tab's selector.
type SelectorCommand interface {
	Message
	selectorCommand()
}

// PresenterCommand is sent by the coordinator to a tab's presenter.
type PresenterCommand interface {
	Message
	presenterCommand()
}

// PresenterEvent is sent by a tab's presenter to the coordinator.
type PresenterEvent interface {
	Message
	presenterEvent()
}

// SelectorInput is raw DOM input forwarded by the in-page selector shim.
type SelectorInput interface {
	Message
	selectorInput()
}

// SelectorRender is a drawing instruction for the in-page selector shim.
type SelectorRender interface {
	Message
	selectorRender()
}

const (
	TypeSelectionCompleted = "selectionCompleted"
	TypeSelectionCancelled = "selectionCancelled"
	TypeCancelSelection    = "cancelSelection"
	TypeShowLoading        = "showLoading"
	TypeUpdateResult       = "updateResult"
	TypeUpdateError        = "updateError"
	TypeRerunWithLanguage  = "rerunWithLanguage"
	TypePresenterClosed    = "presenterClosed"

	TypePointerDown   = "pointerDown"
	TypePointerMove   = "pointerMove"
	TypePointerUp     = "pointerUp"
	TypePointerCancel = "pointerCancel"
	TypeKeyDown       = "keyDown"

	TypeOverlayShow     = "overlayShow"
	TypeGuidesMove      = "guidesMove"
	TypeGuidesHide      = "guidesHide"
	TypeRectDraw        = "rectDraw"
	TypeOverlayTeardown = "overlayTeardown"
)

// SelectionCompleted carries a finalized region in image pixels.
type SelectionCompleted struct {
	Region screenshot.Region `json:"region"`
}

func (SelectionCompleted) Type() string { return TypeSelectionCompleted }
func (SelectionCompleted) selectorEvent() {}

func (m SelectionCompleted) Validate() error {
	if m.Region.Width <= 0 || m.Region.Height <= 0 {
		return fmt.Errorf("region %s has no area", m.Region)
	}
	if m.Region.X < 0 || m.Region.Y < 0 {
		return fmt.Errorf("region %s has a negative origin", m.Region)
	}
	return nil
}

// SelectionCancelled reports that the user aborted or made too small a selection.
type SelectionCancelled struct{}

func (SelectionCancelled) Type() string { return TypeSelectionCancelled }
func (SelectionCancelled) selectorEvent() {}

// CancelSelection asks an active selector to terminate.
type CancelSelection struct{}

func (CancelSelection) Type() string    { return TypeCancelSelection }
func (CancelSelection) selectorCommand() {}

// LanguageOption is a selectable language hint shown by the presenter.
type LanguageOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ShowLoading opens the presenter in its loading state.
type ShowLoading struct {
	AvailableLanguageHints []LanguageOption `json:"availableLanguageHints"`
}

func (ShowLoading) Type() string     { return TypeShowLoading }
func (ShowLoading) presenterCommand() {}

// UpdateResult delivers recognized text.
type UpdateResult struct {
	Text string `json:"text"`
}

func (UpdateResult) Type() string     { return TypeUpdateResult }
func (UpdateResult) presenterCommand() {}

// UpdateError delivers a user-facing failure message.
type UpdateError struct {
	Message string `json:"message"`
}

func (UpdateError) Type() string     { return TypeUpdateError }
func (UpdateError) presenterCommand() {}

// RerunWithLanguage asks the coordinator to re-recognize the cached crop.
type RerunWithLanguage struct {
	Hint string `json:"hint"`
}

func (RerunWithLanguage) Type() string   { return TypeRerunWithLanguage }
func (RerunWithLanguage) presenterEvent() {}

// PresenterClosed reports that the user dismissed the presenter.
type PresenterClosed struct{}

func (PresenterClosed) Type() string   { return TypePresenterClosed }
func (PresenterClosed) presenterEvent() {}

// Pointer is the payload shared by all pointer inputs.
type Pointer struct {
	PointerID int               `json:"pointerId"`
	Button    int               `json:"button"`
	IsPrimary bool              `json:"isPrimary"`
	ClientX   float64           `json:"clientX"`
	ClientY   float64           `json:"clientY"`
	PageX     float64           `json:"pageX"`
	PageY     float64           `json:"pageY"`
	Viewport  geometry.Viewport `json:"viewport"`
}

// Client returns the pointer position relative to the viewport.
func (p Pointer) Client() geometry.Point { return geometry.Point{X: p.ClientX, Y: p.ClientY} }

// Page returns the pointer position relative to the document.
func (p Pointer) Page() geometry.Point { return geometry.Point{X: p.PageX, Y: p.PageY} }

type PointerDown struct{ Pointer }

func (PointerDown) Type() string  { return TypePointerDown }
func (PointerDown) selectorInput() {}

type PointerMove struct{ Pointer }

func (PointerMove) Type() string  { return TypePointerMove }
func (PointerMove) selectorInput() {}

type PointerUp struct{ Pointer }

func (PointerUp) Type() string  { return TypePointerUp }
func (PointerUp) selectorInput() {}

type PointerCancel struct{ Pointer }

func (PointerCancel) Type() string  { return TypePointerCancel }
func (PointerCancel) selectorInput() {}

// KeyDown carries the DOM KeyboardEvent.key value.
type KeyDown struct {
	Key string `json:"key"`
}

func (KeyDown) Type() string  { return TypeKeyDown }
func (KeyDown) selectorInput() {}

// OverlayShow mounts the full-viewport overlay and crosshair guides.
type OverlayShow struct{}

func (OverlayShow) Type() string   { return TypeOverlayShow }
func (OverlayShow) selectorRender() {}

// GuidesMove positions the crosshair guides at a client point.
type GuidesMove struct {
	geometry.Point
}

func (GuidesMove) Type() string   { return TypeGuidesMove }
func (GuidesMove) selectorRender() {}

type GuidesHide struct{}

func (GuidesHide) Type() string   { return TypeGuidesHide }
func (GuidesHide) selectorRender() {}

// RectDraw draws the selection rectangle in client coordinates.
type RectDraw struct {
	geometry.Rect
}

func (RectDraw) Type() string   { return TypeRectDraw }
func (RectDraw) selectorRender() {}

// OverlayTeardown removes the overlay and every listener the shim installed.
type OverlayTeardown struct{}

func (OverlayTeardown) Type() string   { return TypeOverlayTeardown }
func (OverlayTeardown) selectorRender() {}

// Envelope wraps messages with routing metadata.
type Envelope struct {
	From    string
	To      string
	Message Message
}

// Endpoint names used by the router.
const (
	Coordinator = "coordinator"
)

// SelectorAddress is the router address of a tab's selector.
func SelectorAddress(tab int) string { return fmt.Sprintf("selector/%d", tab) }

// PresenterAddress is the router address of a tab's presenter.
func PresenterAddress(tab int) string { return fmt.Sprintf("presenter/%d", tab) }

// PresenterRender is a drawing instruction for the in-page presenter shim.
type PresenterRender interface {
	Message
	presenterRender()
}

const TypePresenterView = "presenterView"

// PresenterView is the complete state the presenter shim draws. The host
// sends a fresh one after every change.
type PresenterView struct {
	State    string           `json:"state"`
	Hints    []LanguageOption `json:"hints,omitempty"`
	Code     string           `json:"code,omitempty"`
	Language string           `json:"language,omitempty"`
	Error    string           `json:"error,omitempty"`
	Selected string           `json:"selected,omitempty"`
	FontSize float64          `json:"fontSize,omitempty"`
	UIScale  float64          `json:"uiScale,omitempty"`
}

func (PresenterView) Type() string    { return TypePresenterView }
func (PresenterView) presenterRender() {}
