package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/webhook"
)

// SnapshotSource lists the tickets in every stage.
type SnapshotSource interface {
	Snapshot() (pipeline.Snapshot, error)
}

// HealthSource reports the running daemon's queue state.
type HealthSource interface {
	Health(ctx context.Context) (*webhook.Health, error)
}

// HealthClient polls a daemon's /health endpoint.
type HealthClient struct {
	url    string
	client *retryablehttp.Client
}

// NewHealthClient returns a client for the /health endpoint under baseURL
// (e.g. "http://localhost:3001").
func NewHealthClient(baseURL string) *HealthClient {
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 500 * time.Millisecond
	c.HTTPClient.Timeout = 2 * time.Second
	c.Logger = nil
	return &HealthClient{url: baseURL + "/health", client: c}
}

// Health fetches and decodes the liveness document.
func (h *HealthClient) Health(ctx context.Context) (*webhook.Health, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling %s: status %d", h.url, resp.StatusCode)
	}
	var health webhook.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding health: %w", err)
	}
	return &health, nil
}
