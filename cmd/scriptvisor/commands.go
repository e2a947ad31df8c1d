package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/scriptvisor"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/pkg/client"
)

// command holds the state shared by subcommands
type command struct {
	flags *GlobalFlags
}

func (c *command) load() (*scriptvisor.Config, *slog.Logger, io.Closer, error) {
	conf, err := scriptvisor.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer := logger.New(conf.Log)
	return conf, log, closer, nil
}

// Run runs one script to completion, printing its output to w
func (c *command) Run(ctx context.Context, w io.Writer, file string, f RunFlags) error {
	conf, log, closer, err := c.load()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if ctx == nil {
		ctx = context.Background()
	}
	if f.NoReuse {
		conf.MultiOutputReuseOutput = false
	}

	sup, err := scriptvisor.New(ctx, conf, scriptvisor.Options{Stdout: w, Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = sup.Shutdown(context.Background()) }()

	h, err := sup.RunFile(ctx, file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	if err := sup.Wait(ctx, h); err != nil {
		log.Warn("stopping run", "handle", h, "reason", err)
		_ = sup.Kill(h)
		_ = sup.Wait(context.Background(), h)
	}
	rec, ok := sup.Get(h)
	if ok && rec.ExitCode != 0 {
		return fmt.Errorf("run #%d exited with code %d", rec.ID, rec.ExitCode)
	}
	return nil
}

// Serve starts the HTTP API and blocks until interrupted
func (c *command) Serve(ctx context.Context) error {
	conf, log, closer, err := c.load()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := scriptvisor.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sup, err := scriptvisor.New(ctx, conf, scriptvisor.Options{Logger: log})
	if err != nil {
		return err
	}
	srv := scriptvisor.NewHTTPServer(conf.Server.Addr, "", sup)

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving run API", "addr", conf.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	if err := sup.Shutdown(shCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Restore puts back hotkey files a crashed session left disabled
func (c *command) Restore(ctx context.Context, w io.Writer) error {
	conf, log, closer, err := c.load()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := scriptvisor.Restore(ctx, conf, log)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "restored %d hotkey file(s)\n", n)
	return nil
}

// Status prints the daemon's runs, or the one named by handle, as indented JSON
func (c *command) Status(ctx context.Context, w io.Writer, cl *client.Client, handle string) error {
	if !cl.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s", cl.BaseURL())
	}
	if handle == "" {
		runs, err := cl.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(w, runs)
	}
	h, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid handle %q", handle)
	}
	run, err := cl.Get(ctx, h)
	if err != nil {
		return err
	}
	return printJSON(w, run)
}

// Kill terminates a live run of the daemon
func (c *command) Kill(ctx context.Context, cl *client.Client, handle string) error {
	h, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid handle %q", handle)
	}
	return cl.Kill(ctx, h)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
