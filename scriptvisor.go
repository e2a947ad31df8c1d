package scriptvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/scriptvisor/internal/clock"
	cfg "github.com/loykin/scriptvisor/internal/config"
	"github.com/loykin/scriptvisor/internal/hotkey"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/metrics"
	"github.com/loykin/scriptvisor/internal/registry"
	"github.com/loykin/scriptvisor/internal/runner"
	iapi "github.com/loykin/scriptvisor/internal/server"
	"github.com/loykin/scriptvisor/internal/sink"
	"github.com/loykin/scriptvisor/internal/store"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Request = runner.Request

type Handle = registry.Handle

type Record = registry.Record

type Event = registry.Event

var (
	ErrNotSaved      = errors.New("file must be saved first")
	ErrNoInterpreter = errors.New("aiPath is not configured")
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Options carries the collaborators the editor provides.
type Options struct {
	// ActiveDocument returns the path of the document in focus, or "".
	ActiveDocument func() string
	// Stdout receives console sinks; nil means os.Stdout.
	Stdout io.Writer
	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor wires the registry, the output formatter, the hotkey guard
// and the runner from a Config.
type Supervisor struct {
	conf   *Config
	inner  *runner.Supervisor
	guard  *hotkey.Guard
	st     *store.SQLite
	global sink.Sink
	source func() string
	params []string
	env    []string
	log    *slog.Logger
}

func New(ctx context.Context, c *Config, opts Options) (*Supervisor, error) {
	log := logger.OrDefault(opts.Logger)
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ActiveDocument == nil {
		opts.ActiveDocument = func() string { return "" }
	}
	params, err := shlex.Split(c.ConsoleParams)
	if err != nil {
		return nil, fmt.Errorf("parse consoleParams: %w", err)
	}
	env, err := c.RunEnv()
	if err != nil {
		return nil, err
	}

	var (
		sqlite *store.SQLite
		snaps  store.SnapshotStore
	)
	if c.Hotkey.StateDB != "" {
		sqlite, err = store.OpenSQLite(c.Hotkey.StateDB)
		if err != nil {
			return nil, fmt.Errorf("open hotkey state: %w", err)
		}
		snaps = sqlite
	}
	guard := hotkey.New(c.HotkeyOptions(), snaps, opts.Clock, log)
	if n, err := guard.Recover(ctx); err != nil {
		log.Warn("hotkey recovery failed", "err", err)
	} else if n > 0 {
		log.Info("restored hotkey resources left by a previous session", "count", n)
	}

	factory := c.SinkFactory()
	factory.Stdout = opts.Stdout
	ro := c.RunnerOptions()
	global, err := factory.Global("AutoIt", ro.SinkKind)
	if err != nil {
		if sqlite != nil {
			_ = sqlite.Close()
		}
		return nil, fmt.Errorf("create output sink: %w", err)
	}

	reg := registry.New(c.RegistryOptions(), opts.Clock, log)
	inner := runner.New(runner.Config{
		Options:  ro,
		Output:   c.FormatterOptions(),
		Factory:  factory,
		Global:   global,
		Registry: reg,
		Guard:    guard,
		Source:   opts.ActiveDocument,
		Clock:    opts.Clock,
		Logger:   log,
	})
	return &Supervisor{
		conf:   c,
		inner:  inner,
		guard:  guard,
		st:     sqlite,
		global: global,
		source: opts.ActiveDocument,
		params: params,
		env:    env,
		log:    log,
	}, nil
}

// Run starts an arbitrary command line.
func (s *Supervisor) Run(ctx context.Context, req Request) (Handle, error) {
	req.Env = append(append([]string(nil), s.env...), req.Env...)
	return s.inner.Run(ctx, req)
}

// RunFile runs script file (or the active document when file is empty)
// with the configured interpreter, through the wrapper when one is set.
func (s *Supervisor) RunFile(ctx context.Context, file string) (Handle, error) {
	if file == "" {
		file = s.source()
	}
	if file == "" {
		return 0, ErrNotSaved
	}
	if s.conf.AIPath == "" {
		return 0, ErrNoInterpreter
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", file, err)
	}
	file = abs
	return s.Run(ctx, Request{
		Executable: s.conf.AIPath,
		Args:       s.ScriptArgs(file),
		SourceFile: file,
		Reuse:      s.conf.MultiOutputReuseOutput,
	})
}

// ScriptArgs is the interpreter argv for file.
func (s *Supervisor) ScriptArgs(file string) []string {
	args := []string{"/ErrorStdOut"}
	if s.conf.WrapperPath == "" {
		args = append(args, file)
		return append(args, s.params...)
	}
	args = append(args, s.conf.WrapperPath, "/run", "/prod", "/ErrorStdOut", "/in", file)
	if len(s.params) > 0 {
		args = append(args, "/UserParams")
		args = append(args, s.params...)
	}
	return args
}

func (s *Supervisor) Kill(h Handle) error { return s.inner.Kill(h) }
func (s *Supervisor) KillAll()            { s.inner.KillAll() }

func (s *Supervisor) Wait(ctx context.Context, h Handle) error { return s.inner.Wait(ctx, h) }

func (s *Supervisor) Get(h Handle) (Record, bool)              { return s.inner.Registry().Get(h) }
func (s *Supervisor) List() []registry.Entry                   { return s.inner.Registry().List() }
func (s *Supervisor) OnEvent(fn func(Event))                   { s.inner.Registry().OnEvent(fn) }
func (s *Supervisor) Global() sink.Sink                        { return s.global }
func (s *Supervisor) Registry() *registry.Registry             { return s.inner.Registry() }
func (s *Supervisor) HotkeyPath() (string, error)              { return s.guard.Path() }
func (s *Supervisor) Restore(ctx context.Context) (int, error) { return s.guard.Recover(ctx) }

// Shutdown stops every run and restores shared state.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.inner.Shutdown(ctx)
	if s.st != nil {
		if cerr := s.st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewHTTPServer returns an HTTP server exposing the run API of s.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner, s.log)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Restore puts back hotkey files left disabled by a session that died
// before releasing them. It needs hotkey.stateDB.
func Restore(ctx context.Context, c *Config, log *slog.Logger) (int, error) {
	if c.Hotkey.StateDB == "" {
		return 0, errors.New("hotkey.stateDB is not configured")
	}
	st, err := store.OpenSQLite(c.Hotkey.StateDB)
	if err != nil {
		return 0, fmt.Errorf("open hotkey state: %w", err)
	}
	defer func() { _ = st.Close() }()
	return hotkey.New(c.HotkeyOptions(), st, nil, log).Recover(ctx)
}
