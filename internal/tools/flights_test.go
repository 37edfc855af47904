package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/flight"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// fakeSearcher is a scriptable [flight.Searcher].
type fakeSearcher struct {
	resp  flight.SearchResponse
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeSearcher) Search(ctx context.Context, _ flight.SearchRequest) (flight.SearchResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return flight.SearchResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return flight.SearchResponse{}, f.err
	}
	return f.resp, nil
}

func okResponse(id string) flight.SearchResponse {
	return flight.SearchResponse{
		Status:  flight.StatusSuccess,
		Flights: []flight.Flight{{ID: id, Airline: "Iberia", Price: 199, Currency: "USD"}},
	}
}

var testReq = flight.SearchRequest{Origin: "MIA", Destination: "JFK", Date: "2025-10-10", Adults: 1}

func TestDispatcher_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &fakeSearcher{resp: okResponse("p1")}
	progress := 0
	d, err := NewDispatcher(DispatcherConfig{
		Primary:  primary,
		Progress: func(context.Context) { progress++ },
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	resp, attempts, err := d.Dispatch(context.Background(), testReq)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if resp.Flights[0].ID != "p1" {
		t.Errorf("flight = %q, want p1", resp.Flights[0].ID)
	}
	if progress != 1 {
		t.Errorf("progress calls = %d, want exactly 1", progress)
	}
}

func TestDispatcher_FallsBackToSecondary(t *testing.T) {
	t.Parallel()

	primary := &fakeSearcher{err: errors.New("HTTP 500")}
	secondary := &fakeSearcher{resp: okResponse("s1")}
	progress := 0
	d, _ := NewDispatcher(DispatcherConfig{
		Primary:   primary,
		Secondary: secondary,
		Progress:  func(context.Context) { progress++ },
	})

	resp, attempts, err := d.Dispatch(context.Background(), testReq)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if resp.Flights[0].ID != "s1" {
		t.Errorf("flight = %q, want secondary result", resp.Flights[0].ID)
	}
	// Exactly one progress message per logical invocation, regardless of hops.
	if progress != 1 {
		t.Errorf("progress calls = %d, want exactly 1", progress)
	}
}

func TestDispatcher_PrimaryTimeoutFallsThrough(t *testing.T) {
	t.Parallel()

	primary := &fakeSearcher{resp: okResponse("p1"), delay: 500 * time.Millisecond}
	secondary := &fakeSearcher{resp: okResponse("s1")}
	d, _ := NewDispatcher(DispatcherConfig{
		Primary:        primary,
		Secondary:      secondary,
		PrimaryTimeout: 20 * time.Millisecond,
	})

	resp, attempts, err := d.Dispatch(context.Background(), testReq)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if attempts != 2 || resp.Flights[0].ID != "s1" {
		t.Errorf("attempts = %d, flight = %q; want secondary after primary timeout",
			attempts, resp.Flights[0].ID)
	}
}

func TestDispatcher_MockRung(t *testing.T) {
	t.Parallel()

	primary := &fakeSearcher{err: errors.New("down")}
	secondary := &fakeSearcher{err: errors.New("also down")}
	d, _ := NewDispatcher(DispatcherConfig{
		Primary:    primary,
		Secondary:  secondary,
		EnableMock: true,
	})

	resp, attempts, err := d.Dispatch(context.Background(), testReq)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if resp.Status != flight.StatusSuccess || len(resp.Flights) == 0 {
		t.Errorf("mock rung returned %+v", resp)
	}
}

func TestDispatcher_AllFailWithoutMock(t *testing.T) {
	t.Parallel()

	d, _ := NewDispatcher(DispatcherConfig{
		Primary:   &fakeSearcher{err: errors.New("down")},
		Secondary: &fakeSearcher{err: errors.New("also down")},
	})

	_, attempts, err := d.Dispatch(context.Background(), testReq)
	if err == nil {
		t.Fatal("expected error when all rungs fail and mock is disabled")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDispatcher_RequiresPrimary(t *testing.T) {
	t.Parallel()
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatal("expected error for missing primary")
	}
}

func TestRegisterFlightSearch_EndToEnd(t *testing.T) {
	t.Parallel()

	primary := &fakeSearcher{resp: okResponse("p1")}
	d, _ := NewDispatcher(DispatcherConfig{Primary: primary})
	reg := NewRegistry()
	if err := RegisterFlightSearch(reg, d); err != nil {
		t.Fatalf("RegisterFlightSearch: %v", err)
	}

	res, err := reg.Invoke(context.Background(), types.ToolCall{
		ID:        "call-1",
		Name:      SearchFlightsName,
		Arguments: `{"origin":"MIA","destination":"JFK","date":"2025-10-10"}`,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != types.ToolCallOK {
		t.Fatalf("result = %+v, want ok", res)
	}
	content, ok := res.Content.(map[string]any)
	if !ok {
		t.Fatalf("content type = %T", res.Content)
	}
	if content["status"] != flight.StatusSuccess {
		t.Errorf("status = %v, want success", content["status"])
	}
	if content["attempt_count"] != 1 {
		t.Errorf("attempt_count = %v, want 1", content["attempt_count"])
	}
}

func TestRegisterFlightSearch_SchemaRejectsBadArgs(t *testing.T) {
	t.Parallel()

	primary := &fakeSearcher{resp: okResponse("p1")}
	d, _ := NewDispatcher(DispatcherConfig{Primary: primary})
	reg := NewRegistry()
	_ = RegisterFlightSearch(reg, d)

	tests := []struct {
		name string
		args string
	}{
		{"lowercase_iata", `{"origin":"mia","destination":"JFK","date":"2025-10-10"}`},
		{"missing_date", `{"origin":"MIA","destination":"JFK"}`},
		{"bad_cabin", `{"origin":"MIA","destination":"JFK","date":"2025-10-10","cabin":"deck"}`},
		{"zero_adults", `{"origin":"MIA","destination":"JFK","date":"2025-10-10","adults":0}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := reg.Invoke(context.Background(), types.ToolCall{
				ID: "c", Name: SearchFlightsName, Arguments: tc.args,
			})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if res.Error == nil || res.Error.Type != ErrTypeInvalidArgs {
				t.Fatalf("result = %+v, want invalid_arguments", res)
			}
		})
	}
	// Schema violations must never reach the backend.
	if primary.calls.Load() != 0 {
		t.Errorf("backend calls = %d, want 0", primary.calls.Load())
	}
}
