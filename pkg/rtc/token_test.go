package rtc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestTokenClient_Mint verifies the happy path: the request body and auth
// headers reach the token service and the grant is decoded.
func TestTokenClient_Mint(t *testing.T) {
	t.Parallel()

	var gotReq TokenRequest
	var gotKey, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		gotKey = r.Header.Get("X-API-Key")
		gotSecret = r.Header.Get("X-API-Secret")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenGrant{Token: "tok-123", URL: "wss://voice.example.com"})
	}))
	defer srv.Close()

	c, err := NewTokenClient(srv.URL, "key-1", "secret-1")
	if err != nil {
		t.Fatalf("NewTokenClient: %v", err)
	}

	grant, err := c.Mint(context.Background(), TokenRequest{
		Identity: "user-1",
		Room:     "flights",
		Metadata: map[string]string{"language": "es"},
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if grant.Token != "tok-123" {
		t.Errorf("Token = %q, want %q", grant.Token, "tok-123")
	}
	if grant.URL != "wss://voice.example.com" {
		t.Errorf("URL = %q, want %q", grant.URL, "wss://voice.example.com")
	}
	if gotReq.Identity != "user-1" || gotReq.Room != "flights" {
		t.Errorf("request = %+v, want identity user-1 room flights", gotReq)
	}
	if gotReq.Metadata["language"] != "es" {
		t.Errorf("request metadata = %v, want language=es", gotReq.Metadata)
	}
	if gotKey != "key-1" || gotSecret != "secret-1" {
		t.Errorf("auth headers = %q/%q, want key-1/secret-1", gotKey, gotSecret)
	}
}

// TestTokenClient_Validation verifies client-side request validation.
func TestTokenClient_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenClient("", "k", "s"); err == nil {
		t.Error("NewTokenClient with empty endpoint: expected error, got nil")
	}

	c, err := NewTokenClient("http://127.0.0.1:0", "k", "s")
	if err != nil {
		t.Fatalf("NewTokenClient: %v", err)
	}

	if _, err := c.Mint(context.Background(), TokenRequest{Room: "r"}); err == nil {
		t.Error("Mint without identity: expected error, got nil")
	}
	if _, err := c.Mint(context.Background(), TokenRequest{Identity: "u"}); err == nil {
		t.Error("Mint without room: expected error, got nil")
	}
}

// TestTokenClient_ServerError verifies that non-200 responses surface the
// status code in the error.
func TestTokenClient_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "room not allowed", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewTokenClient(srv.URL, "k", "s")
	if err != nil {
		t.Fatalf("NewTokenClient: %v", err)
	}

	if _, err := c.Mint(context.Background(), TokenRequest{Identity: "u", Room: "r"}); err == nil {
		t.Error("Mint against failing service: expected error, got nil")
	}
}

// TestTokenClient_EmptyToken verifies that a 200 response carrying an empty
// token is rejected.
func TestTokenClient_EmptyToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenGrant{URL: "wss://voice.example.com"})
	}))
	defer srv.Close()

	c, err := NewTokenClient(srv.URL, "k", "s")
	if err != nil {
		t.Fatalf("NewTokenClient: %v", err)
	}

	if _, err := c.Mint(context.Background(), TokenRequest{Identity: "u", Room: "r"}); err == nil {
		t.Error("Mint with empty token response: expected error, got nil")
	}
}
