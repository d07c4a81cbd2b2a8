// Package session holds per-tab state for the capture pipeline. A Table is
// owned by a single goroutine and is not safe for concurrent use.
package session

import (
	"fmt"
	"sort"
)

// TabID identifies a browser tab.
type TabID int

func (t TabID) String() string { return fmt.Sprintf("tab %d", int(t)) }

// Phase is the externally visible state of a session.
type Phase int

const (
	Idle Phase = iota
	Selecting
	Capturing
	AwaitingResult
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case Capturing:
		return "capturing"
	case AwaitingResult:
		return "awaiting_result"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText lets phases appear by name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Session is the state of one tab.
type Session struct {
	Tab TabID

	selecting bool
	stage     Phase
	seq       uint64
	image     []byte
}

// Phase returns Selecting while a selector is active, else the pipeline stage.
func (s *Session) Phase() Phase {
	if s.selecting {
		return Selecting
	}
	return s.stage
}

// Selecting reports whether a selector is active in the tab.
func (s *Session) Selecting() bool { return s.selecting }

// StartSelection marks a selector as active.
func (s *Session) StartSelection() { s.selecting = true }

// EndSelection clears the active selector flag.
func (s *Session) EndSelection() { s.selecting = false }

// Seq is the sequence number of the most recent request.
func (s *Session) Seq() uint64 { return s.seq }

// Begin starts a new request in stage and returns its sequence number.
func (s *Session) Begin(stage Phase) uint64 {
	s.seq++
	s.stage = stage
	return s.seq
}

// Current reports whether seq identifies the most recent request.
func (s *Session) Current(seq uint64) bool { return s.seq == seq }

// Advance moves the pipeline to stage if seq is still current.
func (s *Session) Advance(seq uint64, stage Phase) bool {
	if !s.Current(seq) {
		return false
	}
	s.stage = stage
	return true
}

// Finish returns the pipeline to Idle if seq is still current.
func (s *Session) Finish(seq uint64) bool { return s.Advance(seq, Idle) }

// InFlight reports whether a capture or recognition request is running.
func (s *Session) InFlight() bool {
	return s.stage == Capturing || s.stage == AwaitingResult
}

// Capturing reports whether a capture is running, even under a new selector.
func (s *Session) Capturing() bool { return s.stage == Capturing }

// Image returns the most recent cropped image, or nil.
func (s *Session) Image() []byte { return s.image }

// StoreImage replaces the cached cropped image.
func (s *Session) StoreImage(png []byte) { s.image = png }

// Snapshot is a copy of a session's state safe to hand to other goroutines.
type Snapshot struct {
	Tab      TabID  `json:"tab"`
	Phase    Phase  `json:"phase"`
	Seq      uint64 `json:"seq"`
	HasImage bool   `json:"hasImage"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{Tab: s.Tab, Phase: s.Phase(), Seq: s.seq, HasImage: len(s.image) > 0}
}

// Table maps tabs to sessions.
type Table struct {
	sessions map[TabID]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[TabID]*Session)}
}

// Get returns the session for tab, if any.
func (t *Table) Get(tab TabID) (*Session, bool) {
	s, ok := t.sessions[tab]
	return s, ok
}

// Ensure returns the session for tab, creating an idle one if needed.
func (t *Table) Ensure(tab TabID) *Session {
	if s, ok := t.sessions[tab]; ok {
		return s
	}
	s := &Session{Tab: tab}
	t.sessions[tab] = s
	return s
}

// Delete destroys the session and its cached image.
func (t *Table) Delete(tab TabID) bool {
	if _, ok := t.sessions[tab]; !ok {
		return false
	}
	delete(t.sessions, tab)
	return true
}

func (t *Table) Len() int { return len(t.sessions) }

// Count returns how many sessions match fn.
func (t *Table) Count(fn func(*Session) bool) int {
	n := 0
	for _, s := range t.sessions {
		if fn(s) {
			n++
		}
	}
	return n
}

// Snapshots returns all sessions ordered by tab.
func (t *Table) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tab < out[j].Tab })
	return out
}
