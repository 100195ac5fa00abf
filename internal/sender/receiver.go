package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"replicator/internal/envelope"
)

// Metadata is the receiver's listing view of a stored envelope.
type Metadata struct {
	ID         int       `json:"id"`
	Table      string    `json:"table"`
	Operation  string    `json:"operation"`
	ReceivedAt time.Time `json:"received_at"`
	KeyID      string    `json:"key_id"`
}

type listResponse struct {
	Count     int        `json:"count"`
	Envelopes []Metadata `json:"envelopes"`
}

// Health probes GET /health. It is the only unauthenticated endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("receiver unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// List fetches the metadata of every stored envelope. Disaster-recovery
// tooling uses it to enumerate what must be downloaded.
func (c *Client) List(ctx context.Context) ([]Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/envelopes", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list envelopes: status %d", resp.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode envelope list: %w", err)
	}
	return out.Envelopes, nil
}

// Fetch downloads one stored envelope by receiver id.
func (c *Client) Fetch(ctx context.Context, id int) (*envelope.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/envelopes/%d", c.baseURL, id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch envelope %d: %w", id, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch envelope %d: status %d", id, resp.StatusCode)
	}

	var env envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope %d: %w", id, err)
	}
	return &env, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
