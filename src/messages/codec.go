package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrUnknownType is returned when a frame names a type with no registered decoder.
var ErrUnknownType = errors.New("unknown message type")

// Frame is the wire shape of every message: {"type": ..., "data": ...}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type validator interface {
	Validate() error
}

var registry = map[string]func() Message{}

func register(factories ...func() Message) {
	for _, f := range factories {
		registry[f().Type()] = f
	}
}

func init() {
	register(
		func() Message { return &SelectionCompleted{} },
		func() Message { return &SelectionCancelled{} },
		func() Message { return &CancelSelection{} },
		func() Message { return &ShowLoading{} },
		func() Message { return &UpdateResult{} },
		func() Message { return &UpdateError{} },
		func() Message { return &RerunWithLanguage{} },
		func() Message { return &PresenterClosed{} },
		func() Message { return &PointerDown{} },
		func() Message { return &PointerMove{} },
		func() Message { return &PointerUp{} },
		func() Message { return &PointerCancel{} },
		func() Message { return &KeyDown{} },
		func() Message { return &OverlayShow{} },
		func() Message { return &GuidesMove{} },
		func() Message { return &GuidesHide{} },
		func() Message { return &RectDraw{} },
		func() Message { return &OverlayTeardown{} },
		func() Message { return &PresenterView{} },
	)
}

// Encode serializes a message into a frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(Frame{Type: m.Type(), Data: data})
}

// Decode parses a frame and returns the message by value.
func Decode(raw []byte) (Message, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	factory, ok := registry[f.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	ptr := factory()
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, ptr); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", f.Type, err)
		}
	}
	m := deref(ptr)
	if v, ok := m.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.Type, err)
		}
	}
	return m, nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *SelectionCompleted:
		return *v
	case *SelectionCancelled:
		return *v
	case *CancelSelection:
		return *v
	case *ShowLoading:
		return *v
	case *UpdateResult:
		return *v
	case *UpdateError:
		return *v
	case *RerunWithLanguage:
		return *v
	case *PresenterClosed:
		return *v
	case *PointerDown:
		return *v
	case *PointerMove:
		return *v
	case *PointerUp:
		return *v
	case *PointerCancel:
		return *v
	case *KeyDown:
		return *v
	case *OverlayShow:
		return *v
	case *GuidesMove:
		return *v
	case *GuidesHide:
		return *v
	case *RectDraw:
		return *v
	case *OverlayTeardown:
		return *v
	case *PresenterView:
		return *v
	}
	return m
}

// Validate rejects pointer coordinates that cannot be real DOM values.
func (p Pointer) Validate() error {
	for _, f := range []float64{p.ClientX, p.ClientY, p.PageX, p.PageY, p.Viewport.Width, p.Viewport.Height, p.Viewport.ScrollX, p.Viewport.ScrollY} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("non-finite coordinate")
		}
	}
	return nil
}

// DecodeSelectorInput decodes a frame that must be selector input.
func DecodeSelectorInput(raw []byte) (SelectorInput, error) {
	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	in, ok := m.(SelectorInput)
	if !ok {
		return nil, fmt.Errorf("%s is not selector input", m.Type())
	}
	return in, nil
}

// DecodePresenterEvent decodes a frame that must be a presenter event.
func DecodePresenterEvent(raw []byte) (PresenterEvent, error) {
	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	ev, ok := m.(PresenterEvent)
	if !ok {
		return nil, fmt.Errorf("%s is not a presenter event", m.Type())
	}
	return ev, nil
}
