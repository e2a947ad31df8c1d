package sink

import (
	"strings"
	"sync"
)

// Memory keeps output in memory, the way an editor output pane does.
// When maxLines > 0 only the newest maxLines complete lines are kept.
type Memory struct {
	mu       sync.Mutex
	name     string
	lines    []string
	partial  strings.Builder
	maxLines int
	shown    int
	disposed bool
}

func NewMemory(name string, maxLines int) *Memory {
	return &Memory{name: name, maxLines: maxLines}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Append(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			m.partial.WriteString(text)
			break
		}
		m.partial.WriteString(text[:i])
		m.lines = append(m.lines, m.partial.String())
		m.partial.Reset()
		text = text[i+1:]
	}
	if m.maxLines > 0 && len(m.lines) > m.maxLines {
		m.lines = append([]string(nil), m.lines[len(m.lines)-m.maxLines:]...)
	}
}

func (m *Memory) AppendLine(text string) { m.Append(text + "\n") }

func (m *Memory) Clear() {
	m.mu.Lock()
	m.lines = nil
	m.partial.Reset()
	m.mu.Unlock()
}

func (m *Memory) Show(bool) {
	m.mu.Lock()
	m.shown++
	m.mu.Unlock()
}

func (m *Memory) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()
}

// Lines returns the complete lines currently held.
func (m *Memory) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// Text returns everything held, including an unterminated trailing line.
func (m *Memory) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(m.partial.String())
	return b.String()
}

// Shown reports how many times Show was called.
func (m *Memory) Shown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shown
}

func (m *Memory) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}
