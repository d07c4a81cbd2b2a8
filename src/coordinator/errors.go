package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codeocr/src/llm"
)

var (
	// ErrStaleRedo is returned for a re-run request in a tab with no cached crop.
	ErrStaleRedo = errors.New("no cached capture for tab")
	// ErrCapture wraps any failure between the screenshot and the cropped PNG.
	ErrCapture = errors.New("capture failed")
	// ErrBusy is returned when the worker queue is full.
	ErrBusy = errors.New("busy")
	// ErrStopped is returned once the loop has exited.
	ErrStopped = errors.New("coordinator stopped")
)

// StalePolicy decides what happens to a result that is no longer the
// latest request of its tab.
type StalePolicy int

const (
	DropStale StalePolicy = iota
	DeliverStale
)

func (p StalePolicy) String() string {
	if p == DeliverStale {
		return "deliver"
	}
	return "drop"
}

// ParseStalePolicy accepts "drop" or "deliver"; empty means drop.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return DropStale, nil
	case "deliver":
		return DeliverStale, nil
	}
	return DropStale, fmt.Errorf("unknown stale response policy %q (want drop or deliver)", s)
}

// UserMessage maps a pipeline error to the text shown in the presenter.
// Status codes and server bodies stay in the logs.
func UserMessage(err error) string {
	var se *llm.ServerError
	switch {
	case errors.Is(err, ErrStaleRedo):
		return "Nothing to re-run: select a region in this tab first."
	case errors.Is(err, ErrBusy):
		return "Busy, please retry."
	case errors.Is(err, ErrCapture):
		return "Failed to process screenshot."
	case errors.Is(err, llm.ErrUnreachable):
		return "Failed to connect to the recognition server. Check that the backend is running and reachable."
	case errors.As(err, &se):
		switch se.Kind {
		case llm.KindAuth:
			return "Server error: authentication failed."
		case llm.KindServer:
			return "Server error: internal server problem."
		}
		return "Server error: request failed."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for the recognition server."
	}
	return "An unexpected error occurred."
}
