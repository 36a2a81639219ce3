// Package nodeclient is the HTTP client a forwarding node uses to register,
// heartbeat and deregister against the central registry.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Descriptor identifies the node towards the registry.
type Descriptor struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region"`
	Capacity int64  `json:"capacity"`
}

// ServerError reports a non-2xx registry response.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.Status, e.Body)
}

// Client talks to the registry's node endpoints.
type Client struct {
	http    *http.Client
	baseURL string
	desc    Descriptor
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken attaches a Bearer token to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a client for the registry at baseURL.
func New(baseURL string, desc Descriptor, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		desc:    desc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeID returns the node id the client registers under.
func (c *Client) NodeID() string {
	return c.desc.ID
}

// Register upserts the node's descriptor into the registry.
func (c *Client) Register(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/voice/nodes", c.desc)
}

// Heartbeat reports the node's current load.
func (c *Client) Heartbeat(ctx context.Context, currentLoad int64) error {
	path := fmt.Sprintf("/api/v1/voice/nodes/%s/heartbeat", c.desc.ID)
	return c.do(ctx, http.MethodPost, path, map[string]int64{"current_load": currentLoad})
}

// Deregister removes the node's row immediately.
func (c *Client) Deregister(ctx context.Context) error {
	path := fmt.Sprintf("/api/v1/voice/nodes/%s", c.desc.ID)
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServerError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
