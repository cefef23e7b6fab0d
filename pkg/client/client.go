package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/vfhost/pkg/api"
	"github.com/cuemby/vfhost/pkg/metrics"
)

// Client reads the status endpoints of a running host
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the status server at addr, given as
// host:port or as a URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Stats fetches the pool view.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if _, err := c.get(ctx, "/stats", &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready fetches the readiness report. A host that is not ready is not an
// error; check the Status field.
func (c *Client) Ready(ctx context.Context) (*metrics.HealthStatus, error) {
	var resp metrics.HealthStatus
	if _, err := c.get(ctx, "/ready", &resp, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the component health report.
func (c *Client) Health(ctx context.Context) (*metrics.HealthStatus, error) {
	var resp metrics.HealthStatus
	if _, err := c.get(ctx, "/health", &resp, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, v any, accepted ...int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach host: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accepted {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: failed to decode response: %w", path, err)
	}
	return resp.StatusCode, nil
}
