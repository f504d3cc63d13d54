// Package indexer is a narrow REST client for the external document
// indexer. Responses are opaque JSON passed through to rendering; the relay
// never interprets them.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

// Client talks to one indexer deployment.
type Client struct {
	baseURL string
	client  *http.Client
}

// New constructs a Client for the given base URL.
func New(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Docs lists the indexed documents.
func (c *Client) Docs(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/docs", nil)
}

// Query runs a search query. The body is forwarded verbatim.
func (c *Client) Query(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/query", body)
}

// Index submits a document for indexing. The body is forwarded verbatim.
func (c *Client) Index(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/index", body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("construct indexer request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read indexer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("indexer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
