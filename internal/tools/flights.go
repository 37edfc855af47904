package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/metric"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/flight"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/observe"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/resilience"
)

// SearchFlightsName is the tool name advertised to the LLM.
const SearchFlightsName = "search_flights"

// Default per-hop wall-clock timeouts for the dispatcher ladder.
const (
	DefaultPrimaryTimeout  = 5 * time.Second
	DefaultFallbackTimeout = 10 * time.Second
)

// searchArgs is the wire shape of search_flights arguments.
type searchArgs struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Date        string `json:"date"`
	ReturnDate  string `json:"return_date,omitempty"`
	Adults      int    `json:"adults,omitempty"`
	Cabin       string `json:"cabin,omitempty"`
}

// searchFlightsSchema is the JSON schema validated before dispatch.
func searchFlightsSchema() *jsonschema.Schema {
	minAdults := 1.0
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"origin", "destination", "date"},
		Properties: map[string]*jsonschema.Schema{
			"origin": {
				Type:        "string",
				Pattern:     "^[A-Z]{3}$",
				Description: "Origin airport IATA code, e.g. MIA.",
			},
			"destination": {
				Type:        "string",
				Pattern:     "^[A-Z]{3}$",
				Description: "Destination airport IATA code, e.g. JFK.",
			},
			"date": {
				Type:        "string",
				Pattern:     `^\d{4}-\d{2}-\d{2}$`,
				Description: "Departure date, YYYY-MM-DD.",
			},
			"return_date": {
				Type:        "string",
				Pattern:     `^\d{4}-\d{2}-\d{2}$`,
				Description: "Optional return date, YYYY-MM-DD.",
			},
			"adults": {
				Type:        "integer",
				Minimum:     &minAdults,
				Description: "Number of adult passengers. Defaults to 1.",
			},
			"cabin": {
				Type:        "string",
				Enum:        []any{"economy", "premium", "business", "first"},
				Description: "Cabin class.",
			},
		},
	}
}

// DispatcherConfig configures a [Dispatcher].
type DispatcherConfig struct {
	// Primary is the first backend tried. Required.
	Primary flight.Searcher

	// Secondary is the second rung. Optional.
	Secondary flight.Searcher

	// Mock is the last rung, used only when EnableMock is set.
	Mock flight.Searcher

	// EnableMock gates the mock rung.
	EnableMock bool

	// PrimaryTimeout bounds the primary call. Default: 5s.
	PrimaryTimeout time.Duration

	// FallbackTimeout bounds secondary and mock calls. Default: 10s.
	FallbackTimeout time.Duration

	// Progress is invoked exactly once per logical invocation, before the
	// first backend call, regardless of how many rungs end up being tried.
	// The orchestrator surfaces it as the "Searching for flights..." system
	// transcription. May be nil.
	Progress func(ctx context.Context)

	// Metrics records tool-call latency. May be nil.
	Metrics *observe.Metrics
}

// rung is one backend in the dispatcher ladder.
type rung struct {
	name     string
	searcher flight.Searcher
	timeout  time.Duration
}

// Dispatcher runs the search_flights fallback ladder. Each backend sits
// behind its own circuit breaker, so a persistently failing rung is skipped
// outright instead of burning its timeout on every call.
type Dispatcher struct {
	cfg    DispatcherConfig
	ladder *resilience.FallbackGroup[rung]
}

// NewDispatcher validates cfg and builds a [Dispatcher].
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("tools: dispatcher requires a primary searcher")
	}
	if cfg.EnableMock && cfg.Mock == nil {
		cfg.Mock = flight.NewMockSearcher()
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}

	ladder := resilience.NewFallbackGroup(
		rung{"primary", cfg.Primary, cfg.PrimaryTimeout},
		"primary",
		resilience.FallbackConfig{},
	)
	if cfg.Secondary != nil {
		ladder.AddFallback("secondary", rung{"secondary", cfg.Secondary, cfg.FallbackTimeout})
	}
	if cfg.EnableMock {
		ladder.AddFallback("mock", rung{"mock", cfg.Mock, cfg.FallbackTimeout})
	}
	return &Dispatcher{cfg: cfg, ladder: ladder}, nil
}

// Dispatch runs the ladder for one logical invocation and returns the first
// successful response plus the number of attempts made.
func (d *Dispatcher) Dispatch(ctx context.Context, req flight.SearchRequest) (flight.SearchResponse, int, error) {
	start := time.Now()
	if d.cfg.Progress != nil {
		d.cfg.Progress(ctx)
	}

	attempts := 0
	var backend string
	resp, err := resilience.ExecuteWithResult(d.ladder, func(r rung) (flight.SearchResponse, error) {
		if err := ctx.Err(); err != nil {
			return flight.SearchResponse{}, err
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		got, err := r.searcher.Search(callCtx, req)
		if err != nil {
			slog.Warn("flight search rung failed",
				"backend", r.name, "attempt", attempts, "error", err)
			return flight.SearchResponse{}, err
		}
		backend = r.name
		return got, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return flight.SearchResponse{}, attempts, ctxErr
		}
		d.record(ctx, "none", "error", time.Since(start))
		return flight.SearchResponse{}, attempts,
			fmt.Errorf("tools: all flight search backends failed: %w", err)
	}

	d.record(ctx, backend, "ok", time.Since(start))
	if attempts > 1 {
		slog.Info("flight search recovered via fallback",
			"backend", backend, "attempts", attempts)
	}
	return resp, attempts, nil
}

// record emits the tool-call latency histogram point.
func (d *Dispatcher) record(ctx context.Context, backend, status string, elapsed time.Duration) {
	if d.cfg.Metrics == nil {
		return
	}
	d.cfg.Metrics.ToolCallDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			observe.Attr("tool", SearchFlightsName),
			observe.Attr("backend", backend),
			observe.Attr("status", status),
		))
}

// RegisterFlightSearch wires the search_flights tool into reg using d as the
// execution backend.
func RegisterFlightSearch(reg *Registry, d *Dispatcher) error {
	return reg.Register(
		SearchFlightsName,
		"Search for flights between two airports on a given date. Returns normalized itineraries with prices.",
		searchFlightsSchema(),
		func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args searchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("tools: decode search_flights args: %w", err)
			}
			if args.Adults == 0 {
				args.Adults = 1
			}

			resp, attempts, err := d.Dispatch(ctx, flight.SearchRequest{
				Origin:      args.Origin,
				Destination: args.Destination,
				Date:        args.Date,
				ReturnDate:  args.ReturnDate,
				Adults:      args.Adults,
				Cabin:       args.Cabin,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"status":        resp.Status,
				"flights":       resp.Flights,
				"message":       resp.Message,
				"attempt_count": attempts,
			}, nil
		},
	)
}
