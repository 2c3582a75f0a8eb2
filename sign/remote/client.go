// Package remote implements a client for a MySign-style remote signing
// service: a cloud CA that holds the signer's keys and signs digests
// asynchronously, confirming the result on the signer's device.
//
// Usage:
//  1. Login as the signer to obtain an access token
//  2. ListCertificates and pick a credential with SelectCredential
//  3. SignHash to start an asynchronous signing transaction
//  4. GetStatus (usually from a webhook) until the transaction completes
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Remote signing errors
var (
	ErrAuthFailed        = errors.New("remote signing authentication failed")
	ErrNoCertificate     = errors.New("no certificate enrolled")
	ErrSignHashFailed    = errors.New("sign hash request failed")
	ErrStatusFailed      = errors.New("status request failed")
	ErrMalformedResponse = errors.New("malformed remote signing response")
)

// Endpoint paths relative to Config.BaseURL.
const (
	loginPath        = "/vtss/service/ras/v1/login"
	authenticatePath = "/vtss/service/ras/v1/authenticate"
	certificatesPath = "/vtss/service/certificates/info"
	signHashPath     = "/vtss/service/signHash"
	statusPath       = "/vtss/service/requests/status"
)

// maxResponseSize bounds provider response bodies.
const maxResponseSize = 4 << 20

// Config holds the connection settings for the signing service.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ProfileID    string

	// Timeout bounds each HTTP attempt. Default: 30 seconds
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// network errors and 5xx responses. Zero takes the default and a
	// negative value disables retries. Hash-signing requests are never
	// retried. Default: 2
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number between retries.
	// Default: 500 milliseconds
	RetryBackoff time.Duration
}

// DefaultConfig returns a configuration with the default timeouts.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// APIError is a non-2xx response or a provider-reported error.
type APIError struct {
	Endpoint    string
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// Client talks to the remote signing service. It is safe for concurrent
// use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client. Zero timeouts and retry settings take the
// defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = def.MaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/georgepadayatti/signflow/sign/remote"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

type request struct {
	path        string
	token       string
	contentType string
	body        []byte
	// once marks a request that must not be repeated, since a second
	// attempt could create a second provider transaction.
	once bool
}

func jsonRequest(path, token string, payload any) (*request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &request{path: path, token: token, contentType: "application/json", body: body}, nil
}

func formRequest(path string, values url.Values) *request {
	return &request{
		path:        path,
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(values.Encode()),
	}
}

// call performs req with retries and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, req *request, out any) error {
	ctx, span := c.tracer.Start(ctx, "remote"+req.path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.route", req.path)))
	defer span.End()

	maxRetries := c.cfg.MaxRetries
	if req.once {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.cfg.RetryBackoff
			c.logger.Debug("retrying remote signing request",
				"path", req.path, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		body, err := c.do(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("remote.attempts", attempt+1))
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				err = fmt.Errorf("%w: %s: %v", ErrMalformedResponse, req.path, err)
				span.RecordError(err)
				span.SetStatus(codes.Error, "malformed response")
				return err
			}
			return nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

func (c *Client) do(ctx context.Context, req *request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+req.path, bytes.NewReader(req.body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.contentType)
	httpReq.Header.Set("Accept", "application/json")
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", req.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Endpoint: req.path, StatusCode: resp.StatusCode}
		var pe providerError
		if json.Unmarshal(body, &pe) == nil {
			apiErr.Code = pe.Error
			apiErr.Description = pe.Description
		}
		if apiErr.Description == "" && apiErr.Code == "" {
			apiErr.Description = truncate(string(body), 200)
		}
		return nil, apiErr
	}
	return body, nil
}

// providerError is the error envelope the service returns.
type providerError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
