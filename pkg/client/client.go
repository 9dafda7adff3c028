package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL matches the default control listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:9701/api"

// Client talks to the control API of a running supervisor.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	TLSConfig *tls.Config  // used for https base URLs
	Token     string       // bearer token, sent when set
	Logger    *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a control API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := &http.Client{Timeout: config.Timeout}
	if config.TLSConfig != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = config.TLSConfig
		hc.Transport = tr
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  hc,
	}
}

// APIError is a non-2xx answer of the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API answer for an unknown process.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsReachable checks if a supervisor is serving the control API. Any HTTP
// answer counts, including an authentication failure.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []ProcessStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	var apiErr *APIError
	if err != nil && !errors.As(err, &apiErr) {
		c.logger.Debug("supervisor unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

// Status returns every process in declaration order.
func (c *Client) Status(ctx context.Context) ([]ProcessStatus, error) {
	var out []ProcessStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StatusOne returns the status of name.
func (c *Client) StatusOne(ctx context.Context, name string) (ProcessStatus, error) {
	var out ProcessStatus
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Events returns up to n recent state changes; n <= 0 returns all retained.
func (c *Client) Events(ctx context.Context, n int) ([]Event, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	var out []Event
	if err := c.do(ctx, http.MethodGet, "/events", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start starts every process that is not alive.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start", nil, nil)
}

// Stop stops every process. A positive timeout caps the wait before
// the supervisor kills what is left.
func (c *Client) Stop(ctx context.Context, timeout time.Duration) error {
	return c.do(ctx, http.MethodPost, "/stop", timeoutQuery(timeout), nil)
}

// Restart stops then starts every process with fresh restart counters.
func (c *Client) Restart(ctx context.Context, timeout time.Duration) error {
	return c.do(ctx, http.MethodPost, "/restart", timeoutQuery(timeout), nil)
}

func (c *Client) StartOne(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, processPath(name, "start"), nil, nil)
}

func (c *Client) StopOne(ctx context.Context, name string, timeout time.Duration) error {
	return c.do(ctx, http.MethodPost, processPath(name, "stop"), timeoutQuery(timeout), nil)
}

func (c *Client) RestartOne(ctx context.Context, name string, timeout time.Duration) error {
	return c.do(ctx, http.MethodPost, processPath(name, "restart"), timeoutQuery(timeout), nil)
}

// Signal sends sig ("HUP", "SIGUSR1", "15") to the process group of name.
func (c *Client) Signal(ctx context.Context, name, sig string) error {
	return c.do(ctx, http.MethodPost, processPath(name, "signal"), url.Values{"sig": {sig}}, nil)
}

func processPath(name, action string) string {
	return "/processes/" + url.PathEscape(name) + "/" + action
}

func timeoutQuery(d time.Duration) url.Values {
	if d <= 0 {
		return nil
	}
	return url.Values{"timeout": {d.String()}}
}

// do performs a request and decodes a JSON answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}
