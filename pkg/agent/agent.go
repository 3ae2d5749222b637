package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowdeck/fleet/pkg/types"
)

// Prober is the surface the controller needs from a pod's own runtime.
// Tests substitute a fake; Client is the HTTP implementation.
type Prober interface {
	Health(ctx context.Context, address string) error
	Activity(ctx context.Context, address string) (*types.ActivityReport, error)
	LoadState(ctx context.Context, address, tenantID string) error
	UnloadState(ctx context.Context, address string) error
}

// LoadStateRequest is the body of POST /load-state
type LoadStateRequest struct {
	TenantID       string          `json:"tenantId"`
	State          json.RawMessage `json:"state,omitempty"`
	CallbackConfig map[string]any  `json:"callbackConfig,omitempty"`
}

// Client talks to the editor runtime's HTTP endpoints on each pod
type Client struct {
	httpClient *http.Client
	port       int
}

// NewClient creates a runtime client for pods listening on the given port
func NewClient(port int, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		port:       port,
	}
}

func (c *Client) url(address, path string) string {
	return fmt.Sprintf("http://%s:%d%s", address, c.port, path)
}

// Health probes GET /health; any 2xx means the runtime is alive
func (c *Client) Health(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(address, "/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Activity fetches GET /activity
func (c *Client) Activity(ctx context.Context, address string) (*types.ActivityReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(address, "/activity"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("activity fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activity fetch returned HTTP %d", resp.StatusCode)
	}

	var report types.ActivityReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode activity report: %w", err)
	}
	return &report, nil
}

// LoadState hands tenant session state to a freshly assigned pod
func (c *Client) LoadState(ctx context.Context, address, tenantID string) error {
	body, err := json.Marshal(LoadStateRequest{TenantID: tenantID})
	if err != nil {
		return err
	}
	return c.post(ctx, address, "/load-state", body)
}

// UnloadState asks a draining pod to flush its session state
func (c *Client) UnloadState(ctx context.Context, address string) error {
	return c.post(ctx, address, "/unload-state", []byte("{}"))
}

func (c *Client) post(ctx context.Context, address, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(address, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	return nil
}
