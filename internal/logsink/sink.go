// Package logsink implements the proxy's human-readable event log.
//
// A Sink appends one "[<timestamp>] <message>" line per call and is safe for
// concurrent use by every connection handler and the accept loop.
package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimeLayout matches the classic ctime(3) rendering without the trailing newline.
const TimeLayout = time.ANSIC

// Path returns the event log location for a listening port.
func Path(dir string, port int) string {
	return filepath.Join(dir, "proxy-"+strconv.Itoa(port)+".log")
}

// Sink serializes appends to an underlying writer.
type Sink struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// New returns a Sink writing to w. The caller keeps ownership of w; Close
// only stops further writes.
func New(w io.Writer) *Sink {
	return &Sink{w: w, now: time.Now}
}

// Open opens path in append mode, creating it if needed.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // Path is from operator config.
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	s := New(f)
	s.c = f
	return s, nil
}

// Printf formats and appends a single line. Embedded trailing newlines are
// trimmed so every call produces exactly one line.
func (s *Sink) Printf(format string, args ...any) {
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return
	}
	_, _ = fmt.Fprintf(s.w, "[%s] %s\n", s.now().Format(TimeLayout), msg)
	if f, ok := s.w.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
}

// Close flushes and closes the underlying writer. Later Printf calls are dropped.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w = nil
	if s.c == nil {
		return nil
	}
	c := s.c
	s.c = nil
	return c.Close()
}
