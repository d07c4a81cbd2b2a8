// Package settings persists user preferences that enrich recognition prompts.
package settings

import (
	"context"
	"fmt"
	"sync"

	"codeocr/src/prompt"
)

// Settings are the user's saved preferences.
type Settings struct {
	FontSize          int                       `json:"fontSize" toml:"font_size"`
	UIScale           float64                   `json:"uiScale" toml:"ui_scale"`
	LanguagePreset    string                    `json:"languagePreset" toml:"language_preset"`
	PossibleLanguages []prompt.PossibleLanguage `json:"possibleLanguages" toml:"possible_languages"`
}

// Defaults returns the settings used before anything is saved.
func Defaults() Settings {
	return Settings{FontSize: 14, UIScale: 1, LanguagePreset: prompt.DefaultHint}
}

// Normalize fills zero values with defaults.
func (s Settings) Normalize() Settings {
	d := Defaults()
	if s.FontSize <= 0 {
		s.FontSize = d.FontSize
	}
	if s.UIScale <= 0 {
		s.UIScale = d.UIScale
	}
	if s.LanguagePreset == "" {
		s.LanguagePreset = d.LanguagePreset
	}
	return s
}

// Validate rejects values the presenter cannot render.
func (s Settings) Validate() error {
	if s.FontSize < 6 || s.FontSize > 72 {
		return fmt.Errorf("font size %d out of range 6-72", s.FontSize)
	}
	if s.UIScale < 0.5 || s.UIScale > 3 {
		return fmt.Errorf("ui scale %.2f out of range 0.5-3", s.UIScale)
	}
	seen := make(map[string]bool, len(s.PossibleLanguages))
	for _, l := range s.PossibleLanguages {
		if l.ID == "" {
			return fmt.Errorf("possible language %q has no id", l.Name)
		}
		if seen[l.ID] {
			return fmt.Errorf("possible language %q listed twice", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

// Store loads and saves settings.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu sync.Mutex
	s  *Settings
}

func NewMemoryStore(initial Settings) *MemoryStore {
	s := initial.Normalize()
	return &MemoryStore{s: &s}
}

func (m *MemoryStore) Load(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return Defaults(), nil
	}
	return *m.s, nil
}

func (m *MemoryStore) Save(_ context.Context, s Settings) error {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = &s
	return nil
}
