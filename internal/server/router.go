package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/metrics"
	"github.com/loykin/scriptvisor/internal/registry"
	"github.com/loykin/scriptvisor/internal/runner"
)

// Supervisor is the part of runner.Supervisor the HTTP surface drives.
type Supervisor interface {
	Run(ctx context.Context, req runner.Request) (registry.Handle, error)
	Kill(h registry.Handle) error
	Registry() *registry.Registry
}

// Router provides embeddable HTTP handlers for controlling runs.
// Endpoints:
//
//	GET  {basePath}/runs              list every run in registration order
//	GET  {basePath}/runs/:handle      one run
//	POST {basePath}/runs              body: {"executable","args","sourceFile","reuse"}
//	POST {basePath}/runs/:handle/kill terminate a live run
//	GET  {basePath}/metrics           Prometheus metrics
//	GET  {basePath}/healthz           liveness
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(sup Supervisor, basePath string, log *slog.Logger) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath), log: logger.OrDefault(log).With("component", "server")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/runs", r.handleList)
	group.GET("/runs/:handle", r.handleGet)
	group.POST("/runs", r.handleStart)
	group.POST("/runs/:handle/kill", r.handleKill)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	return g
}

// NewServer builds an http.Server for addr using this router. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, sup Supervisor, log *slog.Logger) *http.Server {
	r := NewRouter(sup, basePath, log)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	SourceFile string   `json:"sourceFile"`
	Reuse      bool     `json:"reuse"`
}

type startResp struct {
	Handle registry.Handle `json:"handle"`
	ID     int             `json:"id"`
}

type runView struct {
	Handle     registry.Handle `json:"handle"`
	ID         int             `json:"id"`
	Running    bool            `json:"running"`
	SourceFile string          `json:"sourceFile,omitempty"`
	Command    string          `json:"command"`
	PID        int             `json:"pid,omitempty"`
	ExitCode   *int            `json:"exitCode,omitempty"`
	ExitReason string          `json:"exitReason,omitempty"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	Seconds    float64         `json:"seconds"`
}

func viewOf(h registry.Handle, rec registry.Record) runView {
	v := runView{
		Handle:     h,
		ID:         rec.ID,
		Running:    rec.Running,
		SourceFile: rec.SourceFile,
		Command:    rec.CommandSignature,
		PID:        rec.PID,
		StartTime:  rec.StartTime,
		Seconds:    rec.Duration(time.Now()).Seconds(),
	}
	if !rec.Running {
		code, end := rec.ExitCode, rec.EndTime
		v.ExitCode = &code
		v.EndTime = &end
		v.ExitReason = rec.ExitReason
	}
	return v
}

func (r *Router) handleList(c *gin.Context) {
	entries := r.sup.Registry().List()
	out := make([]runView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e.Handle, e.Record))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	h, ok := parseHandle(c)
	if !ok {
		return
	}
	rec, found := r.sup.Registry().Get(h)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: registry.ErrUnknownHandle.Error()})
		return
	}
	writeJSON(c, http.StatusOK, viewOf(h, rec))
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Executable == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "executable required"})
		return
	}
	if !isSafeAbsPath(req.Executable) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid executable: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(req.SourceFile) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid sourceFile: must be absolute path without traversal"})
		return
	}
	// runs outlive the request
	h, err := r.sup.Run(context.WithoutCancel(c.Request.Context()), runner.Request{
		Executable: req.Executable,
		Args:       req.Args,
		SourceFile: req.SourceFile,
		Reuse:      req.Reuse,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, runner.ErrShutdown) {
			code = http.StatusServiceUnavailable
		}
		r.log.Warn("start run failed", "executable", req.Executable, "err", err)
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	rec, _ := r.sup.Registry().Get(h)
	writeJSON(c, http.StatusOK, startResp{Handle: h, ID: rec.ID})
}

func (r *Router) handleKill(c *gin.Context) {
	h, ok := parseHandle(c)
	if !ok {
		return
	}
	if err := r.sup.Kill(h); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, runner.ErrNotRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func parseHandle(c *gin.Context) (registry.Handle, bool) {
	n, err := strconv.ParseUint(c.Param("handle"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid handle"})
		return 0, false
	}
	return registry.Handle(n), true
}
