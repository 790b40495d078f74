// Package api is the client of the learning platform's REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client defaults.
const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 1
	maxResponseBytes  = 1 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client calls the REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

// New creates a Client. BaseURL is required.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base URL required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: hc,
	}, nil
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doJSON sends body as JSON and decodes a 2xx response into out. Network
// errors and temporary statuses are retried with a doubling backoff; other
// API errors are returned at once.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		buf = data
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		c.setHeaders(req, body != nil)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			resp.Body.Close()
			if readErr != nil {
				return readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				apiErr := parseError(resp.StatusCode, raw)
				if !apiErr.Temporary() {
					slog.Debug("Client.doJSON: request rejected", "method", method, "path", path, "status", resp.StatusCode)
					return apiErr
				}
				lastErr = apiErr
			} else {
				if out == nil || len(bytes.TrimSpace(raw)) == 0 {
					return nil
				}
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
				}
				return nil
			}
		}

		if attempt < c.maxRetries {
			slog.Debug("Client.doJSON: retrying", "method", method, "path", path, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return lastErr
}
