// Package clipboard copies recognized code to the system clipboard.
package clipboard

import (
	"fmt"
	"sync"

	"golang.design/x/clipboard"
)

var (
	initOnce sync.Once
	initErr  error
	writeMu  sync.Mutex
)

// Init prepares the system clipboard. Safe to call more than once.
func Init() error {
	initOnce.Do(func() { initErr = clipboard.Init() })
	return initErr
}

// Write copies text, serializing concurrent writers.
func Write(text string) error {
	if err := Init(); err != nil {
		return fmt.Errorf("clipboard unavailable: %w", err)
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

// Read returns the current text content.
func Read() (string, error) {
	if err := Init(); err != nil {
		return "", fmt.Errorf("clipboard unavailable: %w", err)
	}
	return string(clipboard.Read(clipboard.FmtText)), nil
}
