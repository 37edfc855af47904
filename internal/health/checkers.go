package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Pinger is the subset of a connection pool needed for readiness probing.
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FlightAPIChecker probes the flight search backend with a GET request to its
// base URL. Any response, including 4xx, counts as reachable; only transport
// failures and 5xx responses fail the check.
func FlightAPIChecker(baseURL string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: "flight_api",
		Check: func(ctx context.Context) error {
			if baseURL == "" {
				return fmt.Errorf("health: flight API URL not configured")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
			if err != nil {
				return fmt.Errorf("health: build flight API request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health: flight API unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("health: flight API returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// RoomChecker probes the room signaling endpoint. WebSocket URLs (ws/wss) are
// rewritten to their HTTP equivalents before probing, since the signaling
// server answers plain HTTP on the same host.
func RoomChecker(roomURL string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: "room",
		Check: func(ctx context.Context) error {
			if roomURL == "" {
				return fmt.Errorf("health: room URL not configured")
			}
			probe, err := httpProbeURL(roomURL)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
			if err != nil {
				return fmt.Errorf("health: build room request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health: room unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("health: room returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// SessionStoreChecker pings the session store backend. Pass the pgx pool when
// Postgres persistence is enabled; in-memory deployments skip this checker.
func SessionStoreChecker(p Pinger) Checker {
	return Checker{
		Name: "session_store",
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("health: session store ping: %w", err)
			}
			return nil
		},
	}
}

// httpProbeURL converts a ws/wss room URL into its http/https equivalent.
func httpProbeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("health: parse room URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("health: unsupported room URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}
