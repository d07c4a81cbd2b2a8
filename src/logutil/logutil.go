package logutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/log"
)

const (
	LogFileName  = "codeocr_debug.log"
	maxSizeBytes = 10 * 1024 * 1024 // 10 MB
	maxArchives  = 3
)

// NewLogger returns a logger writing to w at level.
func NewLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// ParseLevel accepts debug, info, warn or error; anything else is info.
func ParseLevel(s string) log.Level {
	if s == "" {
		return log.InfoLevel
	}
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Setup installs the default logger. With file logging enabled it writes to
// LogFileName in dir with size-based rotation (10MB, max 3 archives);
// otherwise to stderr. The returned closer releases the file.
func Setup(enableFileLogging bool, dir string, level log.Level) (io.Closer, error) {
	if !enableFileLogging {
		log.SetDefault(NewLogger(os.Stderr, level))
		return nopCloser{}, nil
	}
	w, err := OpenRotating(filepath.Join(dir, LogFileName), maxSizeBytes, maxArchives)
	if err != nil {
		log.SetDefault(NewLogger(os.Stderr, level))
		return nopCloser{}, fmt.Errorf("open log file: %w", err)
	}
	log.SetDefault(NewLogger(w, level))
	return w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RotatingWriter appends to a file and rotates it to .1, .2, ... once it
// would grow past its size limit.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	archives int
	f        *os.File
}

func OpenRotating(path string, maxSize int64, archives int) (*RotatingWriter, error) {
	w := &RotatingWriter{path: path, maxSize: maxSize, archives: archives}
	w.rotateIfNeeded(0)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	w.f = f
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	if st, err := w.f.Stat(); err == nil && st.Size()+int64(len(p)) > w.maxSize {
		_ = w.f.Close()
		w.rotateIfNeeded(int64(len(p)))
		nf, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			w.f = nil
			return 0, err
		}
		w.f = nf
	}
	return w.f.Write(p)
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) {
	st, err := os.Stat(w.path)
	if err != nil || st.Size()+incoming <= w.maxSize {
		return
	}
	_ = os.Remove(w.archiveName(w.archives))
	for i := w.archives - 1; i >= 1; i-- {
		_ = os.Rename(w.archiveName(i), w.archiveName(i+1))
	}
	_ = os.Rename(w.path, w.archiveName(1))
}

func (w *RotatingWriter) archiveName(n int) string { return fmt.Sprintf("%s.%d", w.path, n) }

// RedactKey masks an API key, leaving first/last 4 chars: xxxx...yyyy
func RedactKey(k string) string {
	if len(k) <= 8 {
		return "********"
	}
	return fmt.Sprintf("%s...%s", k[:4], k[len(k)-4:])
}

// SanitizeForLogging escapes control characters and truncates text to max
// bytes so recognized output stays on one log line.
func SanitizeForLogging(s string, max int) string {
	truncated := false
	if max > 0 && len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
		truncated = true
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	if truncated {
		b.WriteString("…")
	}
	return b.String()
}
