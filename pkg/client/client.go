// Package client talks to the nploy admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// APIError is returned for non-200 answers.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Client provides HTTP client functionality to communicate with the nploy daemon
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// Token is sent as a bearer token; otherwise Username and Password are
	// sent as basic credentials when set.
	Token    string
	Username string
	Password string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7999/api",
		Timeout: 2 * time.Minute,
	}
}

// New creates a new nploy API client
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
	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
		token:    config.Token,
		username: config.Username,
		password: config.Password,
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/list", nil, nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Start starts (or attaches to) the named application and returns its port.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	c.logger.Debug("Starting process", "name", req.Name, "command", req.Command)
	var out StartResponse
	err := c.do(ctx, http.MethodPost, "/start", nil, req, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/stop", url.Values{"name": {name}}, nil, nil)
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stopall", nil, nil, nil)
}

func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", url.Values{"name": {name}}, nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) (map[string]Status, error) {
	var out map[string]Status
	err := c.do(ctx, http.MethodGet, "/list", nil, nil, &out)
	return out, err
}

func (c *Client) Routes(ctx context.Context) ([]Route, error) {
	var out []Route
	err := c.do(ctx, http.MethodGet, "/routes", nil, nil, &out)
	return out, err
}

// SetRoutes adds routes; with replace the existing routes are cleared first.
func (c *Client) SetRoutes(ctx context.Context, routes map[string]Target, replace bool) ([]Route, error) {
	var q url.Values
	if replace {
		q = url.Values{"replace": {"true"}}
	}
	var out []Route
	err := c.do(ctx, http.MethodPut, "/routes", q, routes, &out)
	return out, err
}

func (c *Client) ClearRoutes(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/routes", nil, nil, nil)
}

// Kill stops the child behind a route key.
func (c *Client) Kill(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/routes/kill", url.Values{"key": {key}}, nil, nil)
}

// Login exchanges the configured basic credentials for a bearer token.
func (c *Client) Login(ctx context.Context) (Token, error) {
	var out Token
	err := c.do(ctx, http.MethodPost, "/login", nil, nil, &out)
	return out, err
}

// Ports returns the claimed ports table (port to claimant).
func (c *Client) Ports(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/ports", nil, nil, &out)
	return out, err
}

// do performs a request; body is JSON-encoded when non-nil and the answer is
// decoded into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}
