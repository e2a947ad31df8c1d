package output

import (
	"strings"
	"sync"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/sink"
)

// Interceptor is a Sink decorator owned by exactly one run. Complete
// lines are emitted immediately; a trailing partial line is held until a
// later write terminates it or the flush delay elapses.
type Interceptor struct {
	f   *Formatter
	raw sink.Sink
	id  int

	mu         sync.Mutex
	pending    string
	runOpen    bool // last per-run line was flushed unterminated
	globalOpen bool // last global line is ours and unterminated
	replaced   map[int]bool
	timer      clock.Timer
	detached   bool
}

var _ sink.Sink = (*Interceptor)(nil)

func (i *Interceptor) ID() int        { return i.id }
func (i *Interceptor) Raw() sink.Sink { return i.raw }

func (i *Interceptor) Append(text string) {
	defer i.fallback(text)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.detached {
		return
	}
	text = i.pending + text
	i.pending = ""
	newLine := false
	for {
		n := strings.IndexByte(text, '\n')
		if n < 0 {
			break
		}
		i.emit(strings.TrimSuffix(text[:n], "\r"), true)
		text = text[n+1:]
		newLine = true
	}
	if text == "" || newLine {
		i.stopTimer()
	}
	if text == "" {
		return
	}
	// the deadline belongs to the line being buffered, not to an earlier fragment
	i.pending = text
	if i.timer == nil {
		i.timer = i.f.clk.AfterFunc(i.f.opts.FlushDelay, i.Flush)
	}
}

func (i *Interceptor) AppendLine(text string) { i.Append(text + "\n") }

// Error routes an error message as a regular line.
func (i *Interceptor) Error(text string) { i.AppendLine(text) }

// Flush emits a buffered partial line immediately, leaving the line open.
func (i *Interceptor) Flush() {
	defer i.fallback("")
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopTimer()
	if i.pending == "" {
		return
	}
	p := i.pending
	i.pending = ""
	i.emit(p, false)
}

func (i *Interceptor) Clear() {
	i.mu.Lock()
	i.pending = ""
	i.runOpen = false
	i.stopTimer()
	i.mu.Unlock()
	i.raw.Clear()
}

func (i *Interceptor) Show(preserveFocus bool) {
	if sink.IsNop(i.raw) {
		i.f.global.Show(preserveFocus)
		return
	}
	i.raw.Show(preserveFocus)
}

// Detach flushes and stops the interceptor without disposing the raw
// sink, which may be handed to a newer interceptor.
func (i *Interceptor) Detach() {
	i.Flush()
	i.mu.Lock()
	i.detached = true
	i.stopTimer()
	i.mu.Unlock()
}

// Dispose detaches and disposes the raw sink.
func (i *Interceptor) Dispose() {
	i.Detach()
	i.raw.Dispose()
}

func (i *Interceptor) stopTimer() {
	if i.timer != nil {
		clock.Stop(i.timer)
		i.timer = nil
	}
}

// emit writes one line (terminated) or line fragment to both sinks.
// Caller holds i.mu.
func (i *Interceptor) emit(text string, terminated bool) {
	f := i.f
	if terminated {
		var drop bool
		text, drop = i.filterNoise(text)
		if drop {
			if !i.runOpen && !i.globalOpen {
				return
			}
			text = ""
		}
	}
	now := f.clk.Now()
	stamp := now.Format(f.opts.TimeFormat) + " "

	if !sink.IsNop(i.raw) {
		s := text
		if !i.runOpen && f.opts.ShowTime.perRun() {
			s = stamp + s
		}
		if terminated {
			i.raw.AppendLine(s)
		} else {
			i.raw.Append(s)
		}
		i.runOpen = !terminated
	}

	showID := f.showID()
	g := f.line
	g.mu.Lock()
	defer g.mu.Unlock()
	continuing := i.globalOpen && g.open && g.lastID == i.id
	prefix := ""
	if !continuing {
		if g.open {
			f.global.AppendLine("")
		}
		if f.opts.ShowTime.global() {
			prefix += stamp
		}
		if showID {
			p := idPrefix(i.id)
			if g.lastID == i.id {
				p = pad(p)
			}
			prefix += p
		}
	}
	if terminated {
		f.global.AppendLine(prefix + text)
	} else {
		f.global.Append(prefix + text)
	}
	g.lastID = i.id
	g.open = !terminated
	i.globalOpen = !terminated
}

// filterNoise returns the replacement for a known noise line and whether
// the line must be dropped because it was already replaced once.
func (i *Interceptor) filterNoise(text string) (string, bool) {
	for idx, p := range i.f.opts.Noise {
		if p.Match == nil || !p.Match.MatchString(text) {
			continue
		}
		if i.replaced[idx] {
			return "", true
		}
		i.replaced[idx] = true
		if p.Hint == nil {
			return "", true
		}
		return p.Hint(i.f.keys()), false
	}
	return text, false
}

// fallback recovers a formatting panic and writes the unformatted text
// straight to the raw sink, or the global sink when there is none.
func (i *Interceptor) fallback(text string) {
	r := recover()
	if r == nil {
		return
	}
	i.f.log.Warn("output formatting failed", "run_id", i.id, "panic", r)
	if text == "" {
		return
	}
	if !sink.IsNop(i.raw) {
		i.raw.Append(text)
		return
	}
	i.f.global.Append(text)
}
