// Package backendclient is the outbound HTTP client the capability
// publisher uses to push registration/health/deregistration reports to
// the backend controller (spec.md §6). Grounded on the teacher's
// catalog.fetchLiteLLMData http.Client-with-timeout fetch pattern,
// turned outbound (push instead of pull).
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// VersionEntry is one advertised version within a capability report.
type VersionEntry struct {
	Version       string            `json:"version"`
	Health        string            `json:"health"`
	InputKind     string            `json:"input_kind"`
	Hardware      map[string]bool   `json:"hardware"`
	Performance   map[string]any    `json:"performance,omitempty"`
	Capabilities  map[string]bool   `json:"capabilities,omitempty"`
}

// CapabilityReport is the full registration payload.
type CapabilityReport struct {
	RuntimeID string                    `json:"runtime_id"`
	Models    map[string]ModelHealthSet `json:"models"`
}

// ModelHealthSet is one model's aggregated health plus its advertised
// versions.
type ModelHealthSet struct {
	Health   string         `json:"health"`
	Versions []VersionEntry `json:"versions"`
}

// HealthDelta is an incremental push for a single version's changed
// health.
type HealthDelta struct {
	RuntimeID string `json:"runtime_id"`
	ModelID   string `json:"model_id"`
	Version   string `json:"version"`
	Health    string `json:"health"` // "" means elided/removed
}

// Client pushes capability/health reports to the backend.
type Client struct {
	baseURL      string
	apiKey       string
	serviceToken string
	httpClient   *http.Client
}

// New builds a Client targeting baseURL.
func New(baseURL, apiKey, serviceToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Register pushes a full capability report.
func (c *Client) Register(ctx context.Context, report CapabilityReport) error {
	return c.post(ctx, "/v1/runtimes/register", report)
}

// PushHealth pushes a single incremental health delta.
func (c *Client) PushHealth(ctx context.Context, delta HealthDelta) error {
	return c.post(ctx, "/v1/runtimes/health", delta)
}

// Deregister tells the backend this runtime is shutting down.
func (c *Client) Deregister(ctx context.Context, runtimeID string) error {
	return c.post(ctx, "/v1/runtimes/deregister", map[string]string{"runtime_id": runtimeID})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.serviceToken != "" {
		req.Header.Set("X-Service-Token", c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend push to %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
