package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// Router is a Provider that selects an underlying provider per request based
// on the request's Language. Sessions in a language with a dedicated model
// (e.g. a multilingual-tuned model for Spanish) route there; everything else
// falls through to the default provider.
type Router struct {
	fallback  Provider
	byLang    map[string]Provider
	log       *slog.Logger
	warnedFor map[string]struct{}
}

// NewRouter creates a Router. fallback handles every language without an
// explicit entry and must be non-nil. Keys of byLanguage are lowercase
// ISO-639-1 codes.
func NewRouter(fallback Provider, byLanguage map[string]Provider, log *slog.Logger) (*Router, error) {
	if fallback == nil {
		return nil, fmt.Errorf("llm: router fallback provider must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	normalized := make(map[string]Provider, len(byLanguage))
	for lang, p := range byLanguage {
		if p == nil {
			return nil, fmt.Errorf("llm: router provider for %q must not be nil", lang)
		}
		normalized[strings.ToLower(lang)] = p
	}
	return &Router{
		fallback:  fallback,
		byLang:    normalized,
		log:       log,
		warnedFor: make(map[string]struct{}),
	}, nil
}

// Pick returns the provider that handles the given language.
func (r *Router) Pick(language string) Provider {
	lang := strings.ToLower(language)
	if p, ok := r.byLang[lang]; ok {
		return p
	}
	if lang != "" {
		if _, warned := r.warnedFor[lang]; !warned {
			r.warnedFor[lang] = struct{}{}
			r.log.Debug("llm router: no dedicated model for language, using default", "language", lang)
		}
	}
	return r.fallback
}

// StreamCompletion implements Provider by delegating to the per-language pick.
func (r *Router) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	return r.Pick(req.Language).StreamCompletion(ctx, req)
}

// Complete implements Provider by delegating to the per-language pick.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return r.Pick(req.Language).Complete(ctx, req)
}

// CountTokens implements Provider using the fallback provider's tokeniser.
// Token estimates only gate the history budget, so cross-model drift between
// routed providers is acceptable.
func (r *Router) CountTokens(messages []types.Message) (int, error) {
	return r.fallback.CountTokens(messages)
}

// Capabilities implements Provider. The router reports the intersection that
// holds across all routed providers for the boolean capabilities and the
// smallest context window, so callers never over-commit.
func (r *Router) Capabilities() types.ModelCapabilities {
	caps := r.fallback.Capabilities()
	for _, p := range r.byLang {
		c := p.Capabilities()
		caps.SupportsToolCalling = caps.SupportsToolCalling && c.SupportsToolCalling
		caps.SupportsStreaming = caps.SupportsStreaming && c.SupportsStreaming
		caps.SupportsVision = caps.SupportsVision && c.SupportsVision
		if c.ContextWindow < caps.ContextWindow {
			caps.ContextWindow = c.ContextWindow
		}
		if c.MaxOutputTokens < caps.MaxOutputTokens {
			caps.MaxOutputTokens = c.MaxOutputTokens
		}
	}
	return caps
}

var _ Provider = (*Router)(nil)
