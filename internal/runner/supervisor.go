package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/metrics"
	"github.com/loykin/scriptvisor/internal/output"
	"github.com/loykin/scriptvisor/internal/registry"
	"github.com/loykin/scriptvisor/internal/sink"
)

// ExitWrongPath is the exit code synthesized when no process could be started.
const ExitWrongPath = -2

var (
	ErrShutdown   = errors.New("supervisor is shut down")
	ErrNotRunning = errors.New("run is not running")
)

// Guard is the shared hotkey resource as seen by the supervisor.
type Guard interface {
	Acquire(id int) error
	Release(id int)
	ForceReleaseAll()
}

type nopGuard struct{}

func (nopGuard) Acquire(int) error { return nil }
func (nopGuard) Release(int)       {}
func (nopGuard) ForceReleaseAll()  {}

// Options are the behavioural switches of the supervisor.
type Options struct {
	MultiOutput bool      // one sink per run in addition to the global sink
	ClearOutput bool      // clear the target sink when a run starts
	CodePage    string    // decode child output; empty means already UTF-8
	SinkKind    sink.Kind // kind of per-run sinks
}

// Config wires a Supervisor.
type Config struct {
	Options  Options
	Output   output.Options
	Factory  sink.Factory
	Global   sink.Sink
	Registry *registry.Registry
	Guard    Guard
	// Source returns the document that launched a run when the request
	// names none. It may return "".
	Source func() string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Request describes one run.
type Request struct {
	Executable string
	Args       []string
	SourceFile string
	Reuse      bool
	Env        []string // appended to the inherited environment
}

// Signature is the reuse key of a command line.
func (r Request) Signature() string {
	return strings.Join(append([]string{r.Executable}, r.Args...), " ")
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Supervisor launches interpreter runs and routes their output through
// per-run interceptors into the registry's sinks.
type Supervisor struct {
	opts    Options
	reg     *registry.Registry
	fmtr    *output.Formatter
	factory sink.Factory
	guard   Guard
	source  func() string
	clk     clock.Clock
	log     *slog.Logger
	enc     encoding.Encoding
	session string

	mu     sync.Mutex
	procs  map[registry.Handle]*proc
	closed bool
}

func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.Options{MaxFinished: -1}, cfg.Clock, cfg.Logger)
	}
	if cfg.Guard == nil {
		cfg.Guard = nopGuard{}
	}
	if cfg.Source == nil {
		cfg.Source = func() string { return "" }
	}
	session := uuid.NewString()
	log := logger.OrDefault(cfg.Logger).With("component", "runner", "session", session)
	enc, err := lookupEncoding(cfg.Options.CodePage)
	if err != nil {
		log.Warn("output decoding disabled", "err", err)
	}
	cfg.Output.RunningCount = cfg.Registry.RunningCount
	cfg.Registry.Reset()
	return &Supervisor{
		opts:    cfg.Options,
		reg:     cfg.Registry,
		fmtr:    output.NewFormatter(cfg.Global, cfg.Registry.GlobalLine(), cfg.Output, cfg.Clock, log),
		factory: cfg.Factory,
		guard:   cfg.Guard,
		source:  cfg.Source,
		clk:     cfg.Clock,
		log:     log,
		enc:     enc,
		session: session,
		procs:   make(map[registry.Handle]*proc),
	}
}

func (s *Supervisor) Registry() *registry.Registry { return s.reg }
func (s *Supervisor) Session() string              { return s.session }

// Run starts a run and returns its handle. A process that cannot be
// started still yields a handle whose run finished with ExitWrongPath.
// Only a guard failure or a shut down supervisor return an error.
func (s *Supervisor) Run(ctx context.Context, req Request) (registry.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrShutdown
	}
	if req.SourceFile == "" {
		req.SourceFile = s.source()
	}
	if req.SourceFile != "" {
		// the working directory is derived from it
		if abs, err := filepath.Abs(req.SourceFile); err == nil {
			req.SourceFile = abs
		}
	}
	sig := req.Signature()

	var (
		oldH   registry.Handle
		old    registry.Record
		reused bool
	)
	if req.Reuse {
		oldH, old, reused = s.reg.Find(registry.Filter{
			Running:          registry.Bool(false),
			SourceFile:       registry.String(req.SourceFile),
			CommandSignature: registry.String(sig),
		})
	}
	id := old.ID
	if !reused {
		id = s.reg.NextID()
	}
	log := s.log.With("run_id", id)

	if err := s.guard.Acquire(id); err != nil {
		return 0, fmt.Errorf("run #%d: %w", id, err)
	}

	if s.opts.ClearOutput && !s.opts.MultiOutput && s.reg.RunningCount() == 0 {
		s.fmtr.Global().Clear()
		s.reg.Reset()
	}
	raw, exclusive := s.sinkFor(id, req.SourceFile, old, reused, log)
	ic := s.fmtr.Wrap(raw, id)
	if reused && old.Interceptor != nil {
		if old.Sink == raw || !old.Exclusive {
			old.Interceptor.Detach()
		} else {
			old.Interceptor.Dispose()
		}
	}

	now := s.clk.Now()
	h := s.reg.NewHandle()
	fresh := registry.Record{
		ID:               id,
		SourceFile:       req.SourceFile,
		CommandSignature: sig,
		StartTime:        now,
		Running:          true,
		Sink:             raw,
		Exclusive:        exclusive,
		Interceptor:      ic,
	}
	if reused {
		err := s.reg.Replace(oldH, h, func(p *registry.Record) {
			p.StartTime, p.EndTime = now, time.Time{}
			p.Running = true
			p.PID, p.ExitCode, p.ExitReason = 0, 0, ""
			p.Sink, p.Exclusive, p.Interceptor = raw, exclusive, ic
		})
		if err != nil {
			// evicted between Find and Replace
			log.Warn("reuse failed; registering fresh run", "err", err)
			reused = false
		}
		if reused && s.opts.ClearOutput {
			ic.Clear()
		}
	}
	if !reused {
		if err := s.reg.Register(h, fresh); err != nil {
			log.Warn("register run failed", "handle", h, "err", err)
		}
	}
	metrics.IncRunStarted(reused)

	p := &proc{done: make(chan struct{})}
	s.mu.Lock()
	s.procs[h] = p
	s.mu.Unlock()

	cmd, stdout, stderr, err := s.start(req)
	if err != nil {
		log.Warn("launch failed", "executable", req.Executable, "err", err)
		ic.AppendLine(header(id, req, 0))
		s.finish(h, id, ic, p, ExitWrongPath, "wrong path?")
		return h, nil
	}
	s.mu.Lock()
	p.cmd = cmd
	s.mu.Unlock()
	pid := cmd.Process.Pid
	if err := s.reg.Update(h, func(r *registry.Record) { r.PID = pid }); err != nil {
		log.Warn("record pid failed", "err", err)
	}
	ic.AppendLine(header(id, req, pid))
	log.Info("run started", "handle", h, "pid", pid, "reused", reused)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(stdout, ic, &pumps)
	go s.pump(stderr, ic, &pumps)
	go func() {
		pumps.Wait()
		code, reason := exitStatus(cmd.Wait())
		s.finish(h, id, ic, p, code, reason)
	}()
	return h, nil
}

// sinkFor picks the raw sink of a run and whether the run owns it.
func (s *Supervisor) sinkFor(id int, file string, old registry.Record, reused bool, log *slog.Logger) (sink.Sink, bool) {
	if !s.opts.MultiOutput {
		return sink.Nop, false
	}
	if reused && old.Sink != nil && !sink.IsNop(old.Sink) {
		return old.Sink, old.Exclusive
	}
	raw, err := s.factory.PerRun(id, file, s.opts.SinkKind)
	if err != nil {
		log.Warn("create run sink failed; using global only", "err", err)
		return sink.Nop, false
	}
	return raw, true
}

func (s *Supervisor) start(req Request) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(req.Executable, req.Args...) // #nosec G204 the executable is the configured interpreter
	if req.SourceFile != "" {
		cmd.Dir = filepath.Dir(req.SourceFile)
	}
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	configureSysProcAttr(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

func (s *Supervisor) pump(r io.Reader, ic *output.Interceptor, wg *sync.WaitGroup) {
	defer wg.Done()
	if s.enc != nil {
		r = transform.NewReader(r, s.enc.NewDecoder())
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ic.Append(string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("output stream closed", "run_id", ic.ID(), "err", err)
			}
			return
		}
	}
}

// finish is the exit consumer of a run.
func (s *Supervisor) finish(h registry.Handle, id int, ic *output.Interceptor, p *proc, code int, reason string) {
	defer close(p.done)
	defer func() {
		s.mu.Lock()
		delete(s.procs, h)
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("exit handling failed", "run_id", id, "err", r)
		}
	}()

	s.guard.Release(id)
	rec, ok := s.reg.MarkFinished(h, code, reason)
	d := s.clk.Now().Sub(rec.StartTime)
	if ok {
		d = rec.EndTime.Sub(rec.StartTime)
	}
	ic.Flush()
	ic.AppendLine(exitLine(code, reason, d))
	metrics.IncRunExited(severity(code))
	metrics.ObserveRunDuration(d.Seconds())
	s.log.Info("run exited", "run_id", id, "handle", h, "code", code, "reason", reason, "duration", d)
	s.reg.EvictStale()
}

// Kill terminates a live run. Its exit goes through the normal exit path.
func (s *Supervisor) Kill(h registry.Handle) error {
	s.mu.Lock()
	var cmd *exec.Cmd
	if p, ok := s.procs[h]; ok {
		cmd = p.cmd
	}
	s.mu.Unlock()
	if rec, ok := s.reg.Get(h); cmd == nil || !ok || !rec.Running {
		return fmt.Errorf("kill %s: %w", h, ErrNotRunning)
	}
	return terminate(cmd)
}

// KillAll terminates every live run.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	var cmds []*exec.Cmd
	for _, p := range s.procs {
		if p.cmd != nil {
			cmds = append(cmds, p.cmd)
		}
	}
	s.mu.Unlock()
	for _, c := range cmds {
		if err := terminate(c); err != nil {
			s.log.Warn("kill failed", "pid", c.Process.Pid, "err", err)
		}
	}
}

// Wait blocks until the exit consumer of h completed or ctx is done. A
// handle that is not live returns immediately.
func (s *Supervisor) Wait(ctx context.Context, h registry.Handle) error {
	s.mu.Lock()
	p, ok := s.procs[h]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown kills live runs, waits for their exits, evicts every finished
// run, restores the hotkey resource and disposes the global sink.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var pending []*proc
	for _, p := range s.procs {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	s.KillAll()
	var err error
	for _, p := range pending {
		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	s.reg.EvictAllFinished()
	s.guard.ForceReleaseAll()
	s.fmtr.Global().Dispose()
	return err
}

func header(id int, req Request, pid int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Starting process #%d\r\n\"%s\"", id, req.Executable)
	for _, a := range req.Args {
		b.WriteString(" \"" + a + "\"")
	}
	if pid > 0 {
		fmt.Fprintf(&b, " [PID %d]", pid)
	} else {
		b.WriteString(" [PID n/a]")
	}
	return b.String()
}

// exitSymbol maps an exit code to the leading severity marker.
func exitSymbol(code int) string {
	switch code {
	case 0:
		return "-"
	case 1, -1:
		return ">"
	default:
		return "!"
	}
}

func severity(code int) string {
	switch exitSymbol(code) {
	case "-":
		return "ok"
	case ">":
		return "warning"
	default:
		return "error"
	}
}

func exitLine(code int, reason string, d time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s>Exit code %d", exitSymbol(code), code)
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	fmt.Fprintf(&b, " Time: %.3f", d.Seconds())
	return b.String()
}
