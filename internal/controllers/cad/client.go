// Package cad talks to the desktop CAD controller over HTTP and exposes it
// to the tool loop as tools and a live context fetcher.
package cad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = int64(8 << 20) // screenshots included
)

// Config configures the CAD controller client.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Part is one body in the open CAD document.
type Part struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Status is the controller's view of the CAD application.
type Status struct {
	Connected bool   `json:"connected"`
	Document  string `json:"document"`
	Parts     []Part `json:"parts"`
}

// PartSpec describes a part to create.
type PartSpec struct {
	Name   string             `json:"name"`
	Kind   string             `json:"kind"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Client wraps the CAD controller's REST API. Each call is independent, so
// a failed call never poisons the next one.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	maxBytes int64
}

// NewClient creates a CAD controller client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("cad: base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("cad: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("cad: base_url scheme must be http or https")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return &Client{
		baseURL:  baseURL,
		token:    strings.TrimSpace(cfg.Token),
		client:   client,
		maxBytes: maxBytes,
	}, nil
}

// Status returns the connection state, open document and parts (GET /status).
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect attaches the controller to the running CAD application (POST /connect).
func (c *Client) Connect(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, http.MethodPost, "/connect", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePart adds a part to the open document (POST /parts).
func (c *Client) CreatePart(ctx context.Context, spec PartSpec) (*Part, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Kind = strings.TrimSpace(spec.Kind)
	if spec.Name == "" || spec.Kind == "" {
		return nil, fmt.Errorf("cad: part name and kind are required")
	}
	var out Part
	if err := c.doJSON(ctx, http.MethodPost, "/parts", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Screenshot returns a PNG of the CAD viewport (GET /screenshot).
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	data, _, err := c.do(ctx, http.MethodGet, "/screenshot", nil, "image/png")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("cad: empty screenshot")
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("cad: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	data, _, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cad: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, accept string) ([]byte, int, error) {
	if c == nil || c.client == nil {
		return nil, 0, fmt.Errorf("cad: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("cad: create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("cad: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("cad: read response: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, resp.StatusCode, fmt.Errorf("cad: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, resp.StatusCode, fmt.Errorf("cad: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return data, resp.StatusCode, nil
}
