package flight

import (
	"context"
	"errors"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/resilience"
)

// ResilientSearcher wraps a Searcher with jittered retries for transient
// failures and a circuit breaker so a dead backend is bypassed quickly
// instead of eating the dispatcher's whole rung timeout on every call.
type ResilientSearcher struct {
	inner   Searcher
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// ResilientOption customises a [ResilientSearcher].
type ResilientOption func(*ResilientSearcher)

// WithRetry replaces the retry tuning. Zero fields keep their defaults.
func WithRetry(cfg resilience.RetryConfig) ResilientOption {
	return func(s *ResilientSearcher) { s.retry = cfg }
}

// WithBreaker replaces the circuit breaker tuning.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ResilientOption {
	return func(s *ResilientSearcher) { s.breaker = resilience.NewCircuitBreaker(cfg) }
}

// NewResilientSearcher wraps inner with default retry and breaker tuning.
func NewResilientSearcher(inner Searcher, opts ...ResilientOption) *ResilientSearcher {
	s := &ResilientSearcher{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "flight_search"}),
		retry:   resilience.RetryConfig{Name: "flight_search", Attempts: 2},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Searcher = (*ResilientSearcher)(nil)

// Search implements [Searcher]. Validation failures are returned immediately;
// only backend errors count toward retries and the breaker.
func (s *ResilientSearcher) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return SearchResponse{}, err
	}
	var resp SearchResponse
	err := s.breaker.Execute(func() error {
		return resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
			r, err := s.inner.Search(ctx, req)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return resilience.Permanent(err)
				}
				return err
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		return SearchResponse{}, err
	}
	return resp, nil
}
