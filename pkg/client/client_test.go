package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/scriptvisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	conf, err := scriptvisor.LoadConfig("")
	require.NoError(t, err)
	conf.Sink.Kind = "memory"
	conf.MultiOutput = true
	conf.Hotkey.Path = filepath.Join(dir, "hotkeys.ini")
	conf.Hotkey.LockDir = dir

	sup, err := scriptvisor.New(context.Background(), conf, scriptvisor.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	srv := httptest.NewServer(scriptvisor.NewHTTPServer("", "", sup).Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	c := New(Config{BaseURL: newDaemon(t).URL})
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	started, err := c.Start(ctx, StartRequest{Executable: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	assert.Equal(t, 1, started.ID)

	run, err := c.Get(ctx, started.Handle)
	require.NoError(t, err)
	assert.True(t, run.Running)
	assert.Equal(t, "/bin/sh -c sleep 30", run.Command)

	require.NoError(t, c.Kill(ctx, started.Handle))
	require.Eventually(t, func() bool {
		r, err := c.Get(ctx, started.Handle)
		return err == nil && !r.Running
	}, 5*time.Second, 20*time.Millisecond)

	runs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, "terminated", runs[0].ExitReason)

	err = c.Kill(ctx, started.Handle)
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestClientErrors(t *testing.T) {
	c := New(Config{BaseURL: newDaemon(t).URL})
	ctx := context.Background()

	_, err := c.Start(ctx, StartRequest{Executable: "relative/sh"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute path")

	_, err = c.Get(ctx, 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error")
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.List(context.Background())
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "http://127.0.0.1:8089", c.BaseURL())
	assert.Equal(t, 10*time.Second, c.client.Timeout)
}
