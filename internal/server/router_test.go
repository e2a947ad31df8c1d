package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/registry"
	"github.com/loykin/scriptvisor/internal/runner"
)

type fakeSupervisor struct {
	reg     *registry.Registry
	last    runner.Request
	killed  []registry.Handle
	failRun error
}

func (f *fakeSupervisor) Run(_ context.Context, req runner.Request) (registry.Handle, error) {
	if f.failRun != nil {
		return 0, f.failRun
	}
	f.last = req
	h := f.reg.NewHandle()
	err := f.reg.Register(h, registry.Record{
		ID:               f.reg.NextID(),
		SourceFile:       req.SourceFile,
		CommandSignature: req.Signature(),
		Running:          true,
		PID:              4242,
	})
	return h, err
}

func (f *fakeSupervisor) Kill(h registry.Handle) error {
	rec, ok := f.reg.Get(h)
	if !ok || !rec.Running {
		return fmt.Errorf("kill %s: %w", h, runner.ErrNotRunning)
	}
	f.killed = append(f.killed, h)
	return nil
}

func (f *fakeSupervisor) Registry() *registry.Registry { return f.reg }

func setupRouter(t *testing.T, base string) (http.Handler, *fakeSupervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{reg: registry.New(registry.Options{MaxFinished: -1}, clock.Fake(time.Unix(1000, 0)), nil)}
	return NewRouter(sup, base, nil).Handler(), sup
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartListGetKill(t *testing.T) {
	h, sup := setupRouter(t, "/api")
	exe := filepath.Join(t.TempDir(), "AutoIt3.exe")

	rec := doReq(t, h, http.MethodPost, "/api/runs", startReq{Executable: exe, Args: []string{"/run", "x.au3"}, Reuse: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started startResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, 1, started.ID)
	assert.True(t, sup.last.Reuse)
	assert.Equal(t, []string{"/run", "x.au3"}, sup.last.Args)

	rec = doReq(t, h, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Running)
	assert.Equal(t, 4242, list[0].PID)
	assert.Nil(t, list[0].ExitCode)

	path := fmt.Sprintf("/api/runs/%d", started.Handle)
	rec = doReq(t, h, http.MethodPost, path+"/kill", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []registry.Handle{started.Handle}, sup.killed)

	sup.reg.MarkFinished(started.Handle, 1, "terminated")
	rec = doReq(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.False(t, one.Running)
	require.NotNil(t, one.ExitCode)
	assert.Equal(t, 1, *one.ExitCode)
	assert.Equal(t, "terminated", one.ExitReason)

	rec = doReq(t, h, http.MethodPost, path+"/kill", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartValidation(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/runs", startReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/runs", startReq{Executable: "relative/bin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartAfterShutdown(t *testing.T) {
	h, sup := setupRouter(t, "")
	sup.failRun = fmt.Errorf("wrapped: %w", runner.ErrShutdown)
	rec := doReq(t, h, http.MethodPost, "/runs", startReq{Executable: filepath.Join(t.TempDir(), "sh")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sup.failRun = errors.New("hotkey file locked")
	rec = doReq(t, h, http.MethodPost, "/runs", startReq{Executable: filepath.Join(t.TempDir(), "sh")})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetUnknownAndBadHandle(t *testing.T) {
	h, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/runs/77", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/runs/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/runs/-1/kill", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/metrics", nil).Code)
}
