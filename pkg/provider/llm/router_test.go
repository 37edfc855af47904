package llm_test

import (
	"context"
	"testing"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm/mock"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

func TestRouter_PicksLanguageProvider(t *testing.T) {
	t.Parallel()

	fallback := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "default"}}
	spanish := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "es"}}

	r, err := llm.NewRouter(fallback, map[string]llm.Provider{"es": spanish}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	resp, err := r.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hola"}},
		Language: "ES",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "es" {
		t.Errorf("routed content: want %q, got %q", "es", resp.Content)
	}
	if len(spanish.CompleteCalls) != 1 {
		t.Errorf("spanish provider calls: want 1, got %d", len(spanish.CompleteCalls))
	}
	if len(fallback.CompleteCalls) != 0 {
		t.Errorf("fallback provider calls: want 0, got %d", len(fallback.CompleteCalls))
	}
}

func TestRouter_UnknownLanguageFallsBack(t *testing.T) {
	t.Parallel()

	fallback := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "default"}}
	r, err := llm.NewRouter(fallback, map[string]llm.Provider{"es": &mock.Provider{}}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	resp, err := r.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hello"}},
		Language: "hi",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "default" {
		t.Errorf("fallback content: want %q, got %q", "default", resp.Content)
	}
}

func TestRouter_NilFallbackRejected(t *testing.T) {
	t.Parallel()

	if _, err := llm.NewRouter(nil, nil, nil); err == nil {
		t.Error("nil fallback: want error, got nil")
	}
}

func TestRouter_CapabilitiesIntersection(t *testing.T) {
	t.Parallel()

	fallback := &mock.Provider{ModelCapabilities: types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     16_384,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}}
	small := &mock.Provider{ModelCapabilities: types.ModelCapabilities{
		ContextWindow:       32_000,
		MaxOutputTokens:     8_192,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}}

	r, err := llm.NewRouter(fallback, map[string]llm.Provider{"de": small}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	caps := r.Capabilities()
	if caps.ContextWindow != 32_000 {
		t.Errorf("context window: want 32000, got %d", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 8_192 {
		t.Errorf("max output tokens: want 8192, got %d", caps.MaxOutputTokens)
	}
	if !caps.SupportsToolCalling || !caps.SupportsStreaming {
		t.Error("boolean capabilities should survive when all providers support them")
	}
}
