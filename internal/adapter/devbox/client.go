// Package devbox provides an HTTP client implementing the sandbox provider
// interface against a devbox REST API.
package devbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/karl-digi/manaflow-sub006/internal/domain"
	"github.com/karl-digi/manaflow-sub006/internal/sandbox"
)

// Client is an HTTP client for the devbox API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new devbox client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Name identifies the provider in sandbox handles.
func (c *Client) Name() string { return "devbox" }

// instancePayload is the wire shape of a devbox instance.
type instancePayload struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (p *instancePayload) toInstance() sandbox.Instance {
	return sandbox.Instance{
		ID:        p.ID,
		Status:    domain.SandboxStatus(p.Status),
		CreatedAt: p.CreatedAt,
		Metadata:  p.Metadata,
	}
}

// Start provisions a new instance from a template.
func (c *Client) Start(ctx context.Context, spec sandbox.Spec) (*sandbox.Instance, error) {
	var payload instancePayload
	if err := c.do(ctx, http.MethodPost, "/instances", spec, &payload); err != nil {
		return nil, err
	}
	inst := payload.toInstance()
	return &inst, nil
}

// Get fetches one instance. A 404 from the API maps to domain.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*sandbox.Instance, error) {
	var payload instancePayload
	if err := c.do(ctx, http.MethodGet, "/instances/"+id, nil, &payload); err != nil {
		return nil, err
	}
	inst := payload.toInstance()
	return &inst, nil
}

// Pause pauses an instance. Pausing a paused instance is a no-op server-side.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/instances/"+id+"/pause", nil, nil)
}

// Resume resumes a paused instance.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/instances/"+id+"/resume", nil, nil)
}

// Exec runs a command inside an instance.
func (c *Client) Exec(ctx context.Context, id string, command []string) (*sandbox.ExecResult, error) {
	req := map[string]interface{}{"command": command}
	var result sandbox.ExecResult
	if err := c.do(ctx, http.MethodPost, "/instances/"+id+"/exec", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns all instances visible to this deployment.
func (c *Client) List(ctx context.Context) ([]sandbox.Instance, error) {
	var payloads []instancePayload
	if err := c.do(ctx, http.MethodGet, "/instances", nil, &payloads); err != nil {
		return nil, err
	}
	instances := make([]sandbox.Instance, 0, len(payloads))
	for i := range payloads {
		instances = append(instances, payloads[i].toInstance())
	}
	return instances, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("devbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("devbox %s %s: %w", method, path, domain.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("devbox returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode devbox response: %w", err)
		}
	}
	return nil
}
