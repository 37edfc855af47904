package flight

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/resilience"
)

// flakySearcher fails a fixed number of calls before succeeding.
type flakySearcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakySearcher) Search(_ context.Context, _ SearchRequest) (SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return SearchResponse{}, f.err
	}
	return SearchResponse{Status: StatusSuccess}, nil
}

func validRequest() SearchRequest {
	return SearchRequest{Origin: "JFK", Destination: "LIM", Date: "2026-09-01", Adults: 1}
}

func TestResilientSearcherRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	inner := &flakySearcher{failures: 1, err: errors.New("connection reset")}
	s := NewResilientSearcher(inner,
		WithRetry(resilience.RetryConfig{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)

	resp, err := s.Search(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Errorf("status = %q, want success", resp.Status)
	}
	if inner.calls != 2 {
		t.Errorf("backend calls = %d, want 2", inner.calls)
	}
}

func TestResilientSearcherDoesNotRetryCancellation(t *testing.T) {
	t.Parallel()

	inner := &flakySearcher{failures: 10, err: context.DeadlineExceeded}
	s := NewResilientSearcher(inner,
		WithRetry(resilience.RetryConfig{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)

	if _, err := s.Search(context.Background(), validRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Search error = %v, want DeadlineExceeded", err)
	}
	if inner.calls != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry)", inner.calls)
	}
}

func TestResilientSearcherRejectsInvalidRequestWithoutCall(t *testing.T) {
	t.Parallel()

	inner := &flakySearcher{}
	s := NewResilientSearcher(inner)

	if _, err := s.Search(context.Background(), SearchRequest{Origin: "not-iata"}); err == nil {
		t.Fatal("expected validation error")
	}
	if inner.calls != 0 {
		t.Errorf("backend calls = %d, want 0", inner.calls)
	}
}

func TestResilientSearcherOpensBreaker(t *testing.T) {
	t.Parallel()

	inner := &flakySearcher{failures: 100, err: errors.New("503")}
	s := NewResilientSearcher(inner,
		WithRetry(resilience.RetryConfig{Attempts: 1}),
		WithBreaker(resilience.CircuitBreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: time.Hour}),
	)

	for i := 0; i < 2; i++ {
		if _, err := s.Search(context.Background(), validRequest()); err == nil {
			t.Fatalf("Search %d: expected error", i)
		}
	}
	callsBefore := inner.calls

	if _, err := s.Search(context.Background(), validRequest()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Search error = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != callsBefore {
		t.Error("breaker open but backend was still called")
	}
}
