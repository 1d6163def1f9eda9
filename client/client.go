package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/handd/api"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultHTTPTimeout bounds each API round trip.
	DefaultHTTPTimeout = 15 * time.Second
	headerPassword     = "X-Handd-Password"
	maxErrorBody       = 64 << 10
)

// Error codes returned by the server.
const (
	CodeMissingParameters = "missing_parameters"
	CodeInvalidAction     = "invalid_action"
	CodeBadPassword       = "bad_password"
	CodeResourceExhausted = "resource_exhausted"
	CodeNotFound          = "not_found"
	CodeNotReserved       = "not_reserved"
	CodeUnauthorized      = "unauthorized"
	CodeStoreFailure      = "store_failure"
)

// Client is a convenience wrapper around the handd HTTP API.
type Client struct {
	baseURL     string
	password    string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
	traced      bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout overrides the per-request timeout. Zero disables it.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// WithHTTPTrace wraps the transport with otelhttp so client spans propagate
// to the server.
func WithHTTPTrace() Option {
	return func(c *Client) {
		c.traced = true
	}
}

// New constructs a client for the server at baseURL using the shared
// password for every request.
func New(baseURL, password string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("baseURL scheme %q not supported", u.Scheme)
	}
	c := &Client{
		baseURL:     trimmed,
		password:    password,
		httpClient:  &http.Client{},
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.traced {
		traced := *c.httpClient
		traced.Transport = otelhttp.NewTransport(traced.Transport)
		c.httpClient = &traced
	}
	return c, nil
}

// Lease is a reservation held by this client.
type Lease struct {
	Key   string
	URLID string
	Token string
}

// Reserve claims any free slot.
func (c *Client) Reserve(ctx context.Context) (*Lease, error) {
	var resp api.ReserveResponse
	if err := c.postJSON(ctx, "/v1/reserve", api.ReserveRequest{Password: c.password}, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("client.reserve.success", "key", resp.Key)
	return &Lease{Key: resp.Key, URLID: resp.URLID, Token: resp.Token}, nil
}

// Renew refreshes the heartbeat of a held slot.
func (c *Client) Renew(ctx context.Context, key, token string) (*api.KeepResponse, error) {
	return c.Keep(ctx, key, token, "KEEP")
}

// Release returns a held slot to the pool.
func (c *Client) Release(ctx context.Context, key, token string) (*api.KeepResponse, error) {
	return c.Keep(ctx, key, token, "FREE")
}

// Keep sends a raw KEEP or FREE action.
func (c *Client) Keep(ctx context.Context, key, token, action string) (*api.KeepResponse, error) {
	var resp api.KeepResponse
	req := api.KeepRequest{Key: key, Token: token, Action: action, Password: c.password}
	if err := c.postJSON(ctx, "/v1/keep", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Slots lists every slot. Tokens are never included.
func (c *Client) Slots(ctx context.Context) (*api.SlotsResponse, error) {
	var resp api.SlotsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/slots", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the health endpoint.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, buf, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if c.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet {
		req.Header.Set(headerPassword, c.password)
	}
	applyCorrelationHeader(ctx, req)
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Debug("client.http.error", "path", path, "status", resp.StatusCode)
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError describes an error response from handd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("handd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "handd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("handd: status %d", e.Status)
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}

// ErrorCode returns the server error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// IsLeaseLost reports whether err means the slot is no longer held by the
// caller, either because it was freed or because another holder owns it.
func IsLeaseLost(err error) bool {
	switch ErrorCode(err) {
	case CodeNotReserved, CodeUnauthorized, CodeNotFound:
		return true
	}
	return false
}
