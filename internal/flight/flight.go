// Package flight talks to the flight search HTTP service and normalises its
// results for the tool dispatcher.
//
// [HTTPClient] implements the search call against a real backend; [MockSearcher]
// serves a deterministic offline dataset used as the last rung of the tool
// fallback ladder. Airline names coming back from either are canonicalised
// through [CanonicalAirline], which tolerates case differences, partial names,
// and minor misspellings.
package flight

import (
	"fmt"
	"regexp"
	"time"
)

// Cabin classes accepted by the search API.
const (
	CabinEconomy  = "economy"
	CabinPremium  = "premium"
	CabinBusiness = "business"
	CabinFirst    = "first"
)

// Search result statuses.
const (
	StatusSuccess   = "success"
	StatusNoFlights = "no_flights"
	StatusError     = "error"
)

var iataRe = regexp.MustCompile(`^[A-Z]{3}$`)

// SearchRequest is the normalised flight search query.
type SearchRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Date        string `json:"date"`
	ReturnDate  string `json:"return_date,omitempty"`
	Adults      int    `json:"adults"`
	Cabin       string `json:"cabin,omitempty"`
}

// Validate checks the request against the API contract.
func (r SearchRequest) Validate() error {
	if !iataRe.MatchString(r.Origin) {
		return fmt.Errorf("flight: origin %q is not a valid IATA code", r.Origin)
	}
	if !iataRe.MatchString(r.Destination) {
		return fmt.Errorf("flight: destination %q is not a valid IATA code", r.Destination)
	}
	if _, err := time.Parse("2006-01-02", r.Date); err != nil {
		return fmt.Errorf("flight: date %q is not YYYY-MM-DD", r.Date)
	}
	if r.ReturnDate != "" {
		if _, err := time.Parse("2006-01-02", r.ReturnDate); err != nil {
			return fmt.Errorf("flight: return_date %q is not YYYY-MM-DD", r.ReturnDate)
		}
	}
	if r.Adults < 1 {
		return fmt.Errorf("flight: adults must be >= 1, got %d", r.Adults)
	}
	switch r.Cabin {
	case "", CabinEconomy, CabinPremium, CabinBusiness, CabinFirst:
	default:
		return fmt.Errorf("flight: unknown cabin class %q", r.Cabin)
	}
	return nil
}

// Flight is one normalised search result. Field names and shapes are stable:
// the tool dispatcher serialises this struct directly into the LLM tool
// result.
type Flight struct {
	ID            string  `json:"id"`
	Airline       string  `json:"airline"`
	FlightNumber  string  `json:"flight_number,omitempty"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	Duration      string  `json:"duration"`
	Stops         int     `json:"stops"`
	DepartureTime string  `json:"departure_time"`
	ArrivalTime   string  `json:"arrival_time"`
	Origin        string  `json:"origin"`
	Destination   string  `json:"destination"`
}

// SearchResponse is the normalised search result envelope.
type SearchResponse struct {
	Status  string   `json:"status"`
	Flights []Flight `json:"flights"`
	Message string   `json:"message,omitempty"`
}
