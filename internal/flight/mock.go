package flight

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// mockAirlines is the carrier pool for generated itineraries.
var mockAirlines = []string{
	"American Airlines",
	"Delta Air Lines",
	"United Airlines",
	"JetBlue Airways",
	"Iberia",
	"LATAM Airlines",
}

// MockSearcher serves synthetic flight results with no network dependency.
// Results are deterministic: the same (origin, destination, date) always
// yields the same flights, which keeps conversation tests reproducible and
// makes the mock a sane last rung for the dispatcher ladder.
type MockSearcher struct{}

// NewMockSearcher returns a [MockSearcher].
func NewMockSearcher() *MockSearcher { return &MockSearcher{} }

var _ Searcher = (*MockSearcher)(nil)

// Search implements [Searcher].
func (m *MockSearcher) Search(_ context.Context, req SearchRequest) (SearchResponse, error) {
	if err := req.Validate(); err != nil {
		return SearchResponse{}, err
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("flight: parse date: %w", err)
	}

	seed := routeSeed(req.Origin, req.Destination, req.Date)
	rng := rand.New(rand.NewPCG(seed, seed))

	n := 3 + rng.IntN(3) // 3-5 itineraries
	flights := make([]Flight, 0, n)
	for i := 0; i < n; i++ {
		airline := mockAirlines[rng.IntN(len(mockAirlines))]
		stops := rng.IntN(3) // 0-2
		durationMin := 90 + rng.IntN(420) + stops*75
		dep := date.Add(time.Duration(6+rng.IntN(15)) * time.Hour).
			Add(time.Duration(rng.IntN(12)*5) * time.Minute)
		arr := dep.Add(time.Duration(durationMin) * time.Minute)
		price := float64(80+rng.IntN(720)) * float64(req.Adults)

		flights = append(flights, Flight{
			ID:            fmt.Sprintf("mock-%s-%s-%s-%d", req.Origin, req.Destination, req.Date, i),
			Airline:       airline,
			FlightNumber:  fmt.Sprintf("%s%d", airlineCode(airline), 100+rng.IntN(4900)),
			Price:         price,
			Currency:      "USD",
			Duration:      isoDuration(durationMin),
			Stops:         stops,
			DepartureTime: dep.UTC().Format(time.RFC3339),
			ArrivalTime:   arr.UTC().Format(time.RFC3339),
			Origin:        req.Origin,
			Destination:   req.Destination,
		})
	}

	return SearchResponse{Status: StatusSuccess, Flights: flights}, nil
}

// routeSeed derives a stable PRNG seed from the search key.
func routeSeed(origin, destination, date string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(origin))
	h.Write([]byte{'|'})
	h.Write([]byte(destination))
	h.Write([]byte{'|'})
	h.Write([]byte(date))
	return h.Sum64()
}

// isoDuration formats minutes as an ISO 8601 duration (PT5H30M).
func isoDuration(minutes int) string {
	h, m := minutes/60, minutes%60
	switch {
	case h == 0:
		return fmt.Sprintf("PT%dM", m)
	case m == 0:
		return fmt.Sprintf("PT%dH", h)
	default:
		return fmt.Sprintf("PT%dH%dM", h, m)
	}
}

// airlineCode returns the two-letter code for the mock flight numbers.
func airlineCode(airline string) string {
	switch airline {
	case "American Airlines":
		return "AA"
	case "Delta Air Lines":
		return "DL"
	case "United Airlines":
		return "UA"
	case "JetBlue Airways":
		return "B6"
	case "Iberia":
		return "IB"
	case "LATAM Airlines":
		return "LA"
	default:
		return "XX"
	}
}
