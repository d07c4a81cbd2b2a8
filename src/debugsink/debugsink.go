// Package debugsink archives cropped captures for troubleshooting.
package debugsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Sink stores one cropped capture.
type Sink interface {
	Save(ctx context.Context, name string, png []byte) error
}

// Name builds an object name for a capture of tab at request seq.
func Name(tab int, seq uint64, width, height int, at time.Time) string {
	return fmt.Sprintf("tab%d/%s_%03d_%dx%d.png", tab, at.UTC().Format("20060102T150405"), seq, width, height)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Save(context.Context, string, []byte) error { return nil }

// FileSink writes captures under a directory.
type FileSink struct {
	Dir string
}

func (f FileSink) Save(_ context.Context, name string, png []byte) error {
	path := filepath.Join(f.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create debug dir: %w", err)
	}
	if err := os.WriteFile(path, png, 0o600); err != nil {
		return fmt.Errorf("write debug image: %w", err)
	}
	log.Debugf("Saved debug capture to %s (size: %d bytes)", path, len(png))
	return nil
}

// Multi fans out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Save(ctx context.Context, name string, png []byte) error {
	var first error
	for _, s := range m {
		if err := s.Save(ctx, name, png); err != nil && first == nil {
			first = err
		}
	}
	return first
}
