package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/scriptvisor/internal/logger"
)

// Sink is a text output destination such as a console or an output pane.
// Implementations must be safe for concurrent use.
type Sink interface {
	Append(text string)
	AppendLine(text string)
	Clear()
	Show(preserveFocus bool)
	Dispose()
}

// Kind selects the Sink implementation a Factory produces.
type Kind string

const (
	KindConsole Kind = "console"
	KindFile    Kind = "file"
	KindMemory  Kind = "memory"
	KindNone    Kind = "none"
)

// ParseKind maps a configuration string to a Kind. Empty means memory.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindMemory, nil
	case KindConsole, KindFile, KindMemory, KindNone:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sink kind %q", s)
	}
}

type nop struct{}

func (nop) Append(string)     {}
func (nop) AppendLine(string) {}
func (nop) Clear()            {}
func (nop) Show(bool)         {}
func (nop) Dispose()          {}

// Nop discards everything written to it.
var Nop Sink = nop{}

// IsNop reports whether s is nil or the no-op sink.
func IsNop(s Sink) bool {
	if s == nil {
		return true
	}
	_, ok := s.(nop)
	return ok
}

// Factory creates named sinks. The zero value writes console sinks to
// stdout and keeps unlimited memory history.
type Factory struct {
	Stdout          io.Writer
	File            logger.FileConfig // Dir is required for KindFile
	MaxHistoryLines int
}

// Global creates the combined sink every run writes to.
func (f Factory) Global(name string, kind Kind) (Sink, error) {
	return f.create(name, kind)
}

// PerRun creates the sink dedicated to run id launched from file.
func (f Factory) PerRun(id int, file string, kind Kind) (Sink, error) {
	return f.create(PerRunName(id, file), kind)
}

// PerRunName is the display name of a per-run sink.
func PerRunName(id int, file string) string {
	if file == "" {
		return fmt.Sprintf("#%d", id)
	}
	return fmt.Sprintf("%s (#%d)", filepath.Base(file), id)
}

func (f Factory) create(name string, kind Kind) (Sink, error) {
	switch kind {
	case KindNone:
		return Nop, nil
	case KindConsole:
		w := f.Stdout
		if w == nil {
			w = os.Stdout
		}
		return NewWriter(name, w), nil
	case KindFile:
		if f.File.Dir == "" && f.File.Path == "" {
			return nil, fmt.Errorf("file sink %q requires a directory", name)
		}
		fc := f.File
		fc.Path = ""
		if fc.Dir == "" {
			fc.Dir = filepath.Dir(f.File.Path)
		}
		lw := fc.Writer(name)
		return &Writer{name: name, w: lw, closer: lw, rotate: lw.Rotate}, nil
	case KindMemory, "":
		return NewMemory(name, f.MaxHistoryLines), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
}
