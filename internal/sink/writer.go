package sink

import (
	"io"
	"sync"
)

// Writer is a Sink over an io.Writer. Clear rotates the destination when
// it supports rotation and is a no-op otherwise.
type Writer struct {
	mu       sync.Mutex
	name     string
	w        io.Writer
	closer   io.Closer
	rotate   func() error
	disposed bool
}

// NewWriter returns a Sink writing to w. Dispose does not close w.
func NewWriter(name string, w io.Writer) *Writer {
	return &Writer{name: name, w: w}
}

func (s *Writer) Name() string { return s.name }

func (s *Writer) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	_, _ = io.WriteString(s.w, text)
}

func (s *Writer) AppendLine(text string) { s.Append(text + "\n") }

func (s *Writer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.rotate == nil {
		return
	}
	_ = s.rotate()
}

func (s *Writer) Show(bool) {}

func (s *Writer) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if s.closer != nil {
		_ = s.closer.Close()
	}
}
