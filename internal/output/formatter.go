package output

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/sink"
)

// GlobalLine is the state of the shared global sink: which run wrote the
// last line and whether that line is still unterminated. It is owned by
// the registry and reset with it.
type GlobalLine struct {
	mu     sync.Mutex
	lastID int
	open   bool
}

func NewGlobalLine() *GlobalLine { return &GlobalLine{} }

func (g *GlobalLine) Reset() {
	g.mu.Lock()
	g.lastID = 0
	g.open = false
	g.mu.Unlock()
}

// LastID returns the run id of the most recent global line, 0 if none.
func (g *GlobalLine) LastID() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastID
}

// Open reports whether the most recent global line is unterminated.
func (g *GlobalLine) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Formatter decorates sinks with time and run-id prefixes, noise
// replacement and partial-line buffering.
type Formatter struct {
	global sink.Sink
	line   *GlobalLine
	opts   Options
	clk    clock.Clock
	log    *slog.Logger
}

func NewFormatter(global sink.Sink, line *GlobalLine, opts Options, clk clock.Clock, log *slog.Logger) *Formatter {
	if global == nil {
		global = sink.Nop
	}
	if line == nil {
		line = NewGlobalLine()
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = DefaultTimeFormat
	}
	if opts.Noise == nil {
		opts.Noise = DefaultNoise
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Formatter{global: global, line: line, opts: opts, clk: clk, log: logger.OrDefault(log)}
}

// Global returns the combined sink.
func (f *Formatter) Global() sink.Sink { return f.global }

// Wrap returns an interceptor writing run runID's output to raw and to
// the global sink. raw may be the no-op sink.
func (f *Formatter) Wrap(raw sink.Sink, runID int) *Interceptor {
	if raw == nil {
		raw = sink.Nop
	}
	return &Interceptor{
		f:        f,
		raw:      raw,
		id:       runID,
		replaced: make(map[int]bool, len(f.opts.Noise)),
	}
}

func (f *Formatter) showID() bool {
	switch f.opts.ShowProcessID {
	case IDNone:
		return false
	case IDMulti:
		return f.opts.RunningCount != nil && f.opts.RunningCount() > 1
	default:
		return true
	}
}

func (f *Formatter) keys() map[string]string {
	if f.opts.Keybindings == nil {
		return nil
	}
	return f.opts.Keybindings()
}

func idPrefix(id int) string { return fmt.Sprintf("#%d: ", id) }

func pad(s string) string { return strings.Repeat(" ", len(s)) }
