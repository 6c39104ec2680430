// Package datamart is the HTTP client for the USDA Datamart report API
// plus the row/payload helpers shared by the workers.
package datamart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client wraps a shared HTTP client with bounded timeouts and keepalive.
// Any transport failure, non-2xx status or malformed JSON body is a fetch
// error; the worker maps all of them to error_type "fetch".
type Client struct {
	http *http.Client
}

// NewClient builds a client with the standard timeout profile:
// 5s connect, 20s request, small keepalive pool.
func NewClient() *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     5 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   20 * time.Second,
		},
	}
}

// NewClientWithHTTP wraps an existing http.Client (tests).
func NewClientWithHTTP(h *http.Client) *Client {
	return &Client{http: h}
}

// FetchRows GETs a JSON endpoint and returns its rows. Accepted response
// shapes are a bare JSON array or an object with a "results" array; any
// other valid-JSON shape yields zero rows.
func (c *Client) FetchRows(ctx context.Context, url string) ([]Row, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var anyShape any
	if err := json.Unmarshal(body, &anyShape); err != nil {
		return nil, fmt.Errorf("fetching %s: invalid JSON body: %w", url, err)
	}

	switch v := anyShape.(type) {
	case []any:
		return toRows(v), nil
	case map[string]any:
		if results, ok := v["results"].([]any); ok {
			return toRows(results), nil
		}
	}
	return nil, nil
}

// FetchBytes GETs a binary endpoint (the PDF report) and returns the raw
// document.
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", url, err)
	}
	return body, nil
}

func toRows(items []any) []Row {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, Row(m))
		}
	}
	return rows
}
