// Package remote is the HTTP client side of the template server: it fetches
// blueprints, subscribes to template change notifications, and submits
// execution requests whose progress streams back as SSE.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("unexpected response status")

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, such as "http://localhost:8080".
	BaseURL string

	// Headers are added to every request.
	Headers map[string]string

	// HTTPClient defaults to a client without a timeout, since event
	// streams are long-lived.
	HTTPClient *http.Client
}

// Client talks to a template server.
type Client struct {
	base    string
	headers map[string]string
	http    *http.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote: base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{base: base, headers: cfg.Headers, http: cfg.HTTPClient}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// statusError reads an error body in the server's {"error": {...}} shape
// when present.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
		return fmt.Errorf("%w %d: %s: %s", ErrStatus, resp.StatusCode, env.Error.Code, env.Error.Message)
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, msg)
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}
