package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Member is one participant of a coordination session.
type Member struct {
	ID   string `json:"id" yaml:"id"`
	Addr string `json:"addr" yaml:"addr"`
}

// DocumentIDResponse is returned by GET /doc-id.
type DocumentIDResponse struct {
	DocumentID string `json:"document_id"`
}

// IncrementResponse is returned by POST /increment.
type IncrementResponse struct {
	Output uint64 `json:"output"`
}

// Client calls the peer HTTP surface.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a client whose requests time out after timeout.
// A zero timeout means requests are bounded only by their context, which
// suits /increment since it blocks on the protocol.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// DocumentID asks the participant at baseURL for its document id.
func (c *Client) DocumentID(ctx context.Context, baseURL string) (string, error) {
	var out DocumentIDResponse
	if err := c.GetJSON(ctx, endpoint(baseURL, "/doc-id"), &out); err != nil {
		return "", err
	}
	if out.DocumentID == "" {
		return "", fmt.Errorf("empty document id from %s", baseURL)
	}
	return out.DocumentID, nil
}

// Increment asks the participant at baseURL to run one protocol cycle and
// returns the counter value it wrote.
func (c *Client) Increment(ctx context.Context, baseURL string) (uint64, error) {
	var out IncrementResponse
	if err := c.PostJSON(ctx, endpoint(baseURL, "/increment"), struct{}{}, &out); err != nil {
		return 0, err
	}
	return out.Output, nil
}

func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, url, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, url, out)
}

func (c *Client) do(req *http.Request, url string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// endpoint joins a base address and a path, defaulting to http://.
func endpoint(base, path string) string {
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + path
}
