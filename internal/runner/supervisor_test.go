package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/output"
	"github.com/loykin/scriptvisor/internal/registry"
	"github.com/loykin/scriptvisor/internal/sink"
)

type fakeGuard struct {
	mu       sync.Mutex
	acquired []int
	released []int
	forced   int
	err      error
}

func (g *fakeGuard) Acquire(id int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.acquired = append(g.acquired, id)
	return nil
}

func (g *fakeGuard) Release(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, id)
}

func (g *fakeGuard) ForceReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forced++
}

type fixture struct {
	sup    *Supervisor
	reg    *registry.Registry
	global *sink.Memory
	guard  *fakeGuard
	dir    string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	clk := clock.Fake(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC))
	fx := &fixture{
		reg:    registry.New(registry.Options{MaxFinished: -1}, clk, nil),
		global: sink.NewMemory("global", 0),
		guard:  &fakeGuard{},
		dir:    t.TempDir(),
	}
	fx.sup = New(Config{
		Options:  opts,
		Output:   output.Options{ShowProcessID: output.IDMulti},
		Global:   fx.global,
		Registry: fx.reg,
		Guard:    fx.guard,
		Clock:    clk,
	})
	return fx
}

func (fx *fixture) run(t *testing.T, script string, reuse bool) registry.Handle {
	t.Helper()
	h, err := fx.sup.Run(context.Background(), Request{
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		SourceFile: filepath.Join(fx.dir, "script.au3"),
		Reuse:      reuse,
	})
	require.NoError(t, err)
	return h
}

func (fx *fixture) wait(t *testing.T, h registry.Handle) registry.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, fx.sup.Wait(ctx, h))
	rec, ok := fx.reg.Get(h)
	require.True(t, ok)
	return rec
}

func TestRunEmitsHeaderOutputAndExit(t *testing.T) {
	fx := newFixture(t, Options{})
	h := fx.run(t, "echo hello", false)
	rec := fx.wait(t, h)

	assert.False(t, rec.Running)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Greater(t, rec.PID, 0)
	assert.Equal(t, fx.dir, filepath.Dir(rec.SourceFile))

	lines := fx.global.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "Starting process #1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `"/bin/sh" "-c" "echo hello" [PID `), lines[1])
	assert.Equal(t, "hello", lines[2])
	assert.Equal(t, "->Exit code 0 Time: 0.000", lines[3])

	assert.Equal(t, []int{1}, fx.guard.acquired)
	assert.Equal(t, []int{1}, fx.guard.released)
}

func TestRunResolvesRelativeSourceFile(t *testing.T) {
	fx := newFixture(t, Options{})
	sub := filepath.Join(fx.dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(fx.dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	h, err := fx.sup.Run(context.Background(), Request{
		Executable: "/bin/sh",
		Args:       []string{"-c", "pwd"},
		SourceFile: filepath.Join("sub", "x.au3"),
	})
	require.NoError(t, err)
	rec := fx.wait(t, h)

	assert.Equal(t, filepath.Join(sub, "x.au3"), rec.SourceFile)
	assert.Contains(t, fx.global.Lines(), sub)
}

func TestRunExitSymbols(t *testing.T) {
	fx := newFixture(t, Options{})
	rec := fx.wait(t, fx.run(t, "exit 1", false))
	assert.Equal(t, 1, rec.ExitCode)
	rec = fx.wait(t, fx.run(t, "exit 3", false))
	assert.Equal(t, 3, rec.ExitCode)

	text := strings.Join(fx.global.Lines(), "\n")
	assert.Contains(t, text, ">>Exit code 1 Time: 0.000")
	assert.Contains(t, text, "!>Exit code 3 Time: 0.000")
}

func TestRunWrongPath(t *testing.T) {
	fx := newFixture(t, Options{})
	h, err := fx.sup.Run(context.Background(), Request{Executable: filepath.Join(fx.dir, "missing.exe")})
	require.NoError(t, err)

	rec, ok := fx.reg.Get(h)
	require.True(t, ok)
	assert.False(t, rec.Running)
	assert.Equal(t, ExitWrongPath, rec.ExitCode)
	assert.Equal(t, "wrong path?", rec.ExitReason)

	lines := fx.global.Lines()
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[1], "[PID n/a]"))
	assert.Equal(t, "!>Exit code -2 (wrong path?) Time: 0.000", lines[2])
	assert.Equal(t, []int{1}, fx.guard.released)
}

func TestRunReusesFinishedRecord(t *testing.T) {
	fx := newFixture(t, Options{MultiOutput: true, ClearOutput: true, SinkKind: sink.KindMemory})
	first := fx.wait(t, fx.run(t, "echo one", true))
	second := fx.wait(t, fx.run(t, "echo one", true))

	assert.Equal(t, first.ID, second.ID)
	assert.Same(t, first.Sink, second.Sink)
	assert.Len(t, fx.reg.List(), 1)

	mem, ok := second.Sink.(*sink.Memory)
	require.True(t, ok)
	lines := mem.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "one", lines[2])

	// a different command line gets a new id
	third := fx.wait(t, fx.run(t, "echo two", true))
	assert.NotEqual(t, first.ID, third.ID)
	assert.Len(t, fx.reg.List(), 2)
}

func TestRunWithoutReuseAllocatesNewID(t *testing.T) {
	fx := newFixture(t, Options{})
	a := fx.wait(t, fx.run(t, "true", false))
	b := fx.wait(t, fx.run(t, "true", false))
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, sink.IsNop(a.Sink))
}

func TestRunGuardFailureAborts(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.guard.err = errors.New("disk full")
	_, err := fx.sup.Run(context.Background(), Request{Executable: "/bin/sh", Args: []string{"-c", "true"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, fx.reg.List())
	assert.Empty(t, fx.global.Lines())
}

func TestKillGoesThroughExitPath(t *testing.T) {
	fx := newFixture(t, Options{})
	h := fx.run(t, "sleep 30", false)
	require.Eventually(t, func() bool {
		rec, _ := fx.reg.Get(h)
		return rec.PID > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.sup.Kill(h))
	rec := fx.wait(t, h)
	assert.False(t, rec.Running)
	assert.Equal(t, "terminated", rec.ExitReason)
	assert.ErrorIs(t, fx.sup.Kill(h), ErrNotRunning)
}

func TestShutdown(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.wait(t, fx.run(t, "true", false))
	fx.run(t, "sleep 30", false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, fx.sup.Shutdown(ctx))

	assert.Empty(t, fx.reg.List())
	assert.Equal(t, 1, fx.guard.forced)
	assert.True(t, fx.global.Disposed())

	_, err := fx.sup.Run(context.Background(), Request{Executable: "/bin/sh"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRunDecodesCodePage(t *testing.T) {
	fx := newFixture(t, Options{CodePage: "cp1252"})
	fx.wait(t, fx.run(t, `printf '\351t\351\n'`, false))
	assert.Contains(t, fx.global.Lines(), "été")
}

func TestExitLine(t *testing.T) {
	cases := []struct {
		code   int
		reason string
		want   string
	}{
		{0, "", "->Exit code 0 Time: 1.500"},
		{1, "", ">>Exit code 1 Time: 1.500"},
		{2, "", "!>Exit code 2 Time: 1.500"},
		{-2, "wrong path?", "!>Exit code -2 (wrong path?) Time: 1.500"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitLine(tc.code, tc.reason, 1500*time.Millisecond))
	}
}

func TestLookupEncoding(t *testing.T) {
	e, err := lookupEncoding("")
	require.NoError(t, err)
	assert.Nil(t, e)

	for _, name := range []string{"1252", "CP1252", "windows-1252", "cp437", "utf-8", "65001"} {
		e, err := lookupEncoding(name)
		require.NoError(t, err, name)
		assert.NotNil(t, e, name)
	}
	_, err = lookupEncoding("no-such-charset")
	assert.Error(t, err)
}

func TestSignature(t *testing.T) {
	r := Request{Executable: "/usr/bin/autoit", Args: []string{"/run", "a b.au3"}}
	assert.Equal(t, "/usr/bin/autoit /run a b.au3", r.Signature())
}
