package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/metrics"
	"github.com/loykin/scriptvisor/internal/output"
	"github.com/loykin/scriptvisor/internal/sink"
)

var (
	ErrDuplicateHandle = errors.New("handle already registered")
	ErrUnknownHandle   = errors.New("unknown handle")
)

// Handle is the opaque key of a run in the registry. It is issued before
// the process is spawned, so a run that failed to launch still has one.
type Handle uint64

func (h Handle) String() string { return fmt.Sprintf("%d", uint64(h)) }

// Record is one logical run. Values handed out by the registry are copies.
type Record struct {
	ID               int
	SourceFile       string
	CommandSignature string
	StartTime        time.Time
	EndTime          time.Time
	Running          bool
	PID              int
	ExitCode         int
	ExitReason       string

	Sink        sink.Sink
	Exclusive   bool // Sink is disposed when the record is evicted
	Interceptor *output.Interceptor

	seq   uint64
	evict clock.Timer
}

// Duration is the run time, or the time so far for a live run.
func (r Record) Duration(now time.Time) time.Duration {
	if r.Running || r.EndTime.IsZero() {
		return now.Sub(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// Filter selects records; nil fields match anything.
type Filter struct {
	Running          *bool
	SourceFile       *string
	CommandSignature *string
}

func Bool(b bool) *bool       { return &b }
func String(s string) *string { return &s }

func (f Filter) match(r *Record) bool {
	if f.Running != nil && r.Running != *f.Running {
		return false
	}
	if f.SourceFile != nil && r.SourceFile != *f.SourceFile {
		return false
	}
	if f.CommandSignature != nil && r.CommandSignature != *f.CommandSignature {
		return false
	}
	return true
}

type EventType string

const (
	EventAdded    EventType = "added"
	EventFinished EventType = "finished"
	EventEvicted  EventType = "evicted"
)

type Event struct {
	Type   EventType
	Handle Handle
	Record Record
}

type Options struct {
	MaxFinished     int           // finished records kept; negative keeps all
	FinishedTimeout time.Duration // age after which a finished record goes; 0 disables
}

// Registry is the table of active and finished runs. It also owns the
// shared global-line state consulted by interceptors.
type Registry struct {
	opts Options
	clk  clock.Clock
	log  *slog.Logger
	line *output.GlobalLine

	ids     atomic.Int64
	handles atomic.Uint64

	mu        sync.Mutex
	records   map[Handle]*Record
	seq       uint64
	observers []func(Event)
}

func New(opts Options, clk clock.Clock, log *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		opts:    opts,
		clk:     clk,
		log:     logger.OrDefault(log).With("component", "registry"),
		line:    output.NewGlobalLine(),
		records: make(map[Handle]*Record),
	}
}

// GlobalLine returns the shared last-id/open-line state.
func (r *Registry) GlobalLine() *output.GlobalLine { return r.line }

// NextID returns a fresh run id.
func (r *Registry) NextID() int { return int(r.ids.Add(1)) }

// NewHandle issues a fresh handle.
func (r *Registry) NewHandle() Handle { return Handle(r.handles.Add(1)) }

// Reset clears the ambient line state. Records are kept.
func (r *Registry) Reset() { r.line.Reset() }

// OnEvent registers an observer. Observers run outside the registry lock.
func (r *Registry) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Register inserts rec under h.
func (r *Registry) Register(h Handle, rec Record) error {
	r.mu.Lock()
	if _, ok := r.records[h]; ok {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", h, ErrDuplicateHandle)
	}
	r.seq++
	rec.seq = r.seq
	rec.evict = nil
	p := &rec
	r.records[h] = p
	snap := *p
	running := r.runningLocked()
	r.mu.Unlock()

	metrics.SetRunsActive(running)
	r.notify(Event{Type: EventAdded, Handle: h, Record: snap})
	return nil
}

// Replace moves the record under old to h, cancels its pending eviction,
// applies update and makes it the most recent record.
func (r *Registry) Replace(old, h Handle, update func(*Record)) error {
	r.mu.Lock()
	p, ok := r.records[old]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("replace %s: %w", old, ErrUnknownHandle)
	}
	if _, dup := r.records[h]; dup && h != old {
		r.mu.Unlock()
		return fmt.Errorf("replace %s: %w", h, ErrDuplicateHandle)
	}
	clock.Stop(p.evict)
	p.evict = nil
	delete(r.records, old)
	if update != nil {
		update(p)
	}
	r.seq++
	p.seq = r.seq
	r.records[h] = p
	snap := *p
	running := r.runningLocked()
	r.mu.Unlock()

	metrics.SetRunsActive(running)
	r.notify(Event{Type: EventAdded, Handle: h, Record: snap})
	return nil
}

// Update applies fn to the record under h.
func (r *Registry) Update(h Handle, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[h]
	if !ok {
		return fmt.Errorf("update %s: %w", h, ErrUnknownHandle)
	}
	fn(p)
	return nil
}

func (r *Registry) Get(h Handle) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[h]
	if !ok {
		return Record{}, false
	}
	return *p, true
}

// Entry pairs a handle with a record copy.
type Entry struct {
	Handle Handle
	Record Record
}

// List returns every record in registration order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.records))
	for h, p := range r.records {
		out = append(out, Entry{Handle: h, Record: *p})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Record.seq < out[j].Record.seq })
	return out
}

// Find returns the most recently registered record matching f.
func (r *Registry) Find(f Filter) (Handle, Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  *Record
		bestH Handle
	)
	for h, p := range r.records {
		if !f.match(p) {
			continue
		}
		if best == nil || p.seq > best.seq {
			best, bestH = p, h
		}
	}
	if best == nil {
		return 0, Record{}, false
	}
	return bestH, *best, true
}

// RunningCount returns the number of live runs.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Registry) runningLocked() int {
	n := 0
	for _, p := range r.records {
		if p.Running {
			n++
		}
	}
	return n
}

// MarkFinished records the exit of h. Only the first call for a run takes
// effect; it reports whether this call did.
func (r *Registry) MarkFinished(h Handle, code int, reason string) (Record, bool) {
	r.mu.Lock()
	p, ok := r.records[h]
	if !ok || !p.Running {
		r.mu.Unlock()
		return Record{}, false
	}
	p.Running = false
	p.EndTime = r.clk.Now()
	p.ExitCode = code
	p.ExitReason = reason
	snap := *p
	running := r.runningLocked()
	r.mu.Unlock()

	metrics.SetRunsActive(running)
	r.notify(Event{Type: EventFinished, Handle: h, Record: snap})
	return snap, true
}

// EvictStale drops finished records beyond MaxFinished (newest kept) or
// older than FinishedTimeout, and schedules eviction of the rest for the
// moment they age out.
func (r *Registry) EvictStale() {
	r.mu.Lock()
	type item struct {
		h Handle
		p *Record
	}
	var finished []item
	for h, p := range r.records {
		if !p.Running {
			finished = append(finished, item{h, p})
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i].p, finished[j].p
		if !a.EndTime.Equal(b.EndTime) {
			return a.EndTime.After(b.EndTime)
		}
		return a.seq > b.seq
	})
	now := r.clk.Now()
	var victims []item
	for i, it := range finished {
		age := now.Sub(it.p.EndTime)
		overCount := r.opts.MaxFinished >= 0 && i >= r.opts.MaxFinished
		overAge := r.opts.FinishedTimeout > 0 && age >= r.opts.FinishedTimeout
		if overCount || overAge {
			clock.Stop(it.p.evict)
			it.p.evict = nil
			delete(r.records, it.h)
			victims = append(victims, it)
			continue
		}
		if r.opts.FinishedTimeout > 0 && it.p.evict == nil {
			h, p := it.h, it.p
			p.evict = r.clk.AfterFunc(r.opts.FinishedTimeout-age, func() { r.evictExpired(h, p) })
		}
	}
	r.mu.Unlock()

	for _, it := range victims {
		r.dispose(it.h, it.p)
	}
}

// EvictAllFinished drops every finished record immediately.
func (r *Registry) EvictAllFinished() {
	r.mu.Lock()
	var victims []Handle
	var recs []*Record
	for h, p := range r.records {
		if p.Running {
			continue
		}
		clock.Stop(p.evict)
		p.evict = nil
		delete(r.records, h)
		victims = append(victims, h)
		recs = append(recs, p)
	}
	r.mu.Unlock()
	for i, h := range victims {
		r.dispose(h, recs[i])
	}
}

func (r *Registry) evictExpired(h Handle, p *Record) {
	r.mu.Lock()
	if cur, ok := r.records[h]; !ok || cur != p || p.Running {
		r.mu.Unlock()
		return
	}
	p.evict = nil
	delete(r.records, h)
	r.mu.Unlock()
	r.dispose(h, p)
}

// dispose flushes the record's interceptor and releases its sink. Called
// without the registry lock: interceptors take the global-line lock,
// which may call back into RunningCount.
func (r *Registry) dispose(h Handle, p *Record) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("evict run failed", "run_id", p.ID, "handle", h, "err", rec)
		}
	}()
	switch {
	case p.Interceptor != nil && p.Exclusive:
		p.Interceptor.Dispose()
	case p.Interceptor != nil:
		p.Interceptor.Detach()
	case p.Exclusive && p.Sink != nil:
		p.Sink.Dispose()
	}
	metrics.IncRunEvicted()
	r.log.Debug("run evicted", "run_id", p.ID, "handle", h)
	r.notify(Event{Type: EventEvicted, Handle: h, Record: *p})
}

func (r *Registry) notify(ev Event) {
	r.mu.Lock()
	obs := append([]func(Event){}, r.observers...)
	r.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}
