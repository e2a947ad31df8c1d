package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ErrNotRunning is returned by Kill when the run already exited.
var ErrNotRunning = errors.New("run is not running")

// Client talks to the run API of a scriptvisor daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig is used when the daemon sits behind a TLS proxy
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8089",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the daemon address the client talks to
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks the daemon's health endpoint
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start launches a run and returns its handle and display id
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	c.logger.Debug("Starting run", "executable", req.Executable, "source", req.SourceFile)
	data, err := json.Marshal(req)
	if err != nil {
		return StartResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	var out StartResponse
	err = c.do(ctx, http.MethodPost, c.baseURL+"/runs", data, &out)
	return out, err
}

// List returns every run the daemon tracks, in registration order
func (c *Client) List(ctx context.Context) ([]Run, error) {
	var out []Run
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/runs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a single run
func (c *Client) Get(ctx context.Context, handle uint64) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodGet, c.runURL(handle), nil, &out)
	return out, err
}

// Kill terminates a live run
func (c *Client) Kill(ctx context.Context, handle uint64) error {
	return c.do(ctx, http.MethodPost, c.runURL(handle)+"/kill", nil, nil)
}

func (c *Client) runURL(handle uint64) string {
	return c.baseURL + "/runs/" + strconv.FormatUint(handle, 10)
}

func setupClientTLS(cfg *TLSClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in
	}
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// do performs the request and decodes a JSON reply into out when non-nil
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrNotRunning, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
