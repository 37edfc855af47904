package flight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Searcher is the capability interface the tool dispatcher works against.
// [HTTPClient] and [MockSearcher] both satisfy it.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
}

// HTTPClient calls the flight search HTTP service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// ClientOption customises an [HTTPClient].
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying [http.Client].
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		if c != nil {
			hc.httpc = c
		}
	}
}

// WithAPIKey sets the X-API-Key header sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) { hc.apiKey = key }
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("flight: base URL must not be empty")
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Searcher = (*HTTPClient)(nil)

// Search POSTs the query to /api/flights/search. Canonicalises airline names
// and stamps origin/destination onto results that omit them. Non-2xx
// responses and status:"error" payloads are returned as errors so the
// dispatcher ladder can fall through.
func (c *HTTPClient) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return SearchResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("flight: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/flights/search", bytes.NewReader(body))
	if err != nil {
		return SearchResponse{}, fmt.Errorf("flight: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("flight: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SearchResponse{}, fmt.Errorf("flight: search returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SearchResponse{}, fmt.Errorf("flight: decode response: %w", err)
	}
	if out.Status == StatusError {
		return SearchResponse{}, fmt.Errorf("flight: backend error: %s", out.Message)
	}

	for i := range out.Flights {
		out.Flights[i].Airline = CanonicalAirline(out.Flights[i].Airline)
		if out.Flights[i].Origin == "" {
			out.Flights[i].Origin = req.Origin
		}
		if out.Flights[i].Destination == "" {
			out.Flights[i].Destination = req.Destination
		}
	}
	return out, nil
}

// Health probes GET /health and reports whether the service answers healthy.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("flight: build health request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("flight: health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flight: health returned %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("flight: decode health response: %w", err)
	}
	if out.Status != "healthy" {
		return fmt.Errorf("flight: service reports status %q", out.Status)
	}
	return nil
}
