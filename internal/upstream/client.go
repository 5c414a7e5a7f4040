package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/qwenbridge/internal/credential"
)

const (
	DefaultBaseURL = "https://chat.qwen.ai"

	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxErrorBody     = 4 << 10
)

// Options tunes a Client. Zero values fall back to package defaults.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	StreamTimeout time.Duration
	HTTPClient    *http.Client
}

// Client talks to the upstream chat vendor. It is safe for concurrent use; the
// only per-call state is the token obtained from the credential provider.
type Client struct {
	creds         credential.Provider
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
}

// NewClient creates a Client with default options.
func NewClient(creds credential.Provider) *Client {
	return NewClientWithOptions(creds, Options{})
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(creds credential.Provider, baseURL string) *Client {
	return NewClientWithOptions(creds, Options{BaseURL: baseURL})
}

func NewClientWithOptions(creds credential.Provider, opts Options) *Client {
	c := &Client{
		creds:         creds,
		baseURL:       DefaultBaseURL,
		httpClient:    opts.HTTPClient,
		timeout:       defaultTimeout,
		streamTimeout: streamingTimeout,
	}
	if opts.BaseURL != "" {
		c.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout > 0 {
		c.timeout = opts.Timeout
	}
	if opts.StreamTimeout > 0 {
		c.streamTimeout = opts.StreamTimeout
	}
	if c.httpClient == nil {
		// Timeouts are applied per call through the request context so that
		// long streams are not cut by a client-wide deadline.
		c.httpClient = &http.Client{}
	}
	return c
}

// BaseURL returns the vendor base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the provider used for the Authorization header.
func (c *Client) Credentials() credential.Provider { return c.creds }

// PostJSON marshals body and posts it to path. Extra headers override the
// defaults. The caller must close the response body. Non-2xx responses are
// returned as *UpstreamError with the body already consumed.
func (c *Client) PostJSON(ctx context.Context, path string, body any, headers map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, headers, c.timeout)
}

// GetJSON issues a GET to path. The caller must close the response body.
func (c *Client) GetJSON(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil, c.timeout)
}

// Delete issues a DELETE to path. The caller must close the response body.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil, c.timeout)
}

// OpenStream posts body to path and returns the response body for
// incremental reading. The streaming timeout applies to the whole read; it is
// released when the caller closes the returned ReadCloser.
func (c *Client) OpenStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	headers := map[string]string{
		"Accept":            "text/event-stream",
		"X-Accel-Buffering": "no",
	}
	resp, err := c.do(ctx, http.MethodPost, path, payload, headers, c.streamTimeout)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DecodeJSON reads a JSON response into v and closes the body.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, rd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody), Path: path}
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel, op: method + " " + path}
	return resp, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close. Read
// failures are reported as *TransportError.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	op     string
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &TransportError{Op: c.op, Err: err}
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Source", "web")
	if token := c.creds.CurrentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
