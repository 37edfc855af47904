package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenRequest identifies the participant a join token is minted for.
type TokenRequest struct {
	// Identity is the unique participant identity the token grants.
	Identity string `json:"identity"`

	// Room is the room name the token grants access to.
	Room string `json:"room"`

	// Metadata is optional key/value state attached to the participant
	// (display name, preferred language, etc.).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TokenGrant is the result of minting a join token.
type TokenGrant struct {
	// Token is the opaque credential to present when joining the room.
	Token string `json:"token"`

	// URL is the server endpoint the client should connect to.
	URL string `json:"url"`
}

// TokenClientOption configures a [TokenClient].
type TokenClientOption func(*TokenClient)

// WithHTTPClient sets the HTTP client used for token requests. Defaults to a
// client with a 10 second timeout.
func WithHTTPClient(hc *http.Client) TokenClientOption {
	return func(c *TokenClient) {
		c.httpc = hc
	}
}

// TokenClient mints room join tokens from a token service over HTTP.
//
// TokenClient is safe for concurrent use.
type TokenClient struct {
	endpoint  string
	apiKey    string
	apiSecret string
	httpc     *http.Client
}

// NewTokenClient creates a TokenClient for the token service at endpoint,
// authenticating with the given API key and secret.
func NewTokenClient(endpoint, apiKey, apiSecret string, opts ...TokenClientOption) (*TokenClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rtc: token endpoint must not be empty")
	}
	c := &TokenClient{
		endpoint:  endpoint,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpc:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Mint requests a join token for the given identity and room.
func (c *TokenClient) Mint(ctx context.Context, req TokenRequest) (TokenGrant, error) {
	if req.Identity == "" {
		return TokenGrant{}, fmt.Errorf("rtc: token request identity must not be empty")
	}
	if req.Room == "" {
		return TokenGrant{}, fmt.Errorf("rtc: token request room must not be empty")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("rtc: marshal token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("rtc: build token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	if c.apiSecret != "" {
		httpReq.Header.Set("X-API-Secret", c.apiSecret)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("rtc: token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TokenGrant{}, fmt.Errorf("rtc: token service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var grant TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return TokenGrant{}, fmt.Errorf("rtc: decode token response: %w", err)
	}
	if grant.Token == "" {
		return TokenGrant{}, fmt.Errorf("rtc: token service returned an empty token")
	}
	return grant, nil
}
