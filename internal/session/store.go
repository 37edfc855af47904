package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// Default store tuning.
const (
	// DefaultTTL is how long an idle session survives before eviction.
	DefaultTTL = 30 * time.Minute

	// defaultSweepInterval is how often the sweeper scans for expired
	// sessions.
	defaultSweepInterval = time.Minute
)

// Store is the session state store contract. Implementations serialise all
// mutation per identity: Update calls for the same key never run concurrently.
type Store interface {
	// GetOrCreate returns a read snapshot of the session for identity,
	// creating it when absent. created reports whether a new session was made
	// (drives first-time greeting vs welcome-back).
	GetOrCreate(ctx context.Context, identity string) (state *SessionState, created bool, err error)

	// Update applies fn to the session under the per-key write lock. fn
	// receives the live state and may mutate it freely; returning an error
	// aborts the update. Updating a missing identity is an error.
	Update(ctx context.Context, identity string, fn func(*SessionState) error) error

	// Touch refreshes the session's LastSeen without other mutation.
	Touch(ctx context.Context, identity string) error

	// Evict removes the session immediately, resetting all counters for any
	// future session under the same identity.
	Evict(ctx context.Context, identity string) error

	// Close stops background work and releases resources.
	Close() error
}

// memoryEntry pairs a session with its write lock.
type memoryEntry struct {
	mu    sync.Mutex
	state *SessionState
}

// MemoryStore is the in-process [Store]. Sessions survive participant
// disconnects for the configured TTL; a background sweeper evicts idle ones.
type MemoryStore struct {
	ttl           time.Duration
	sweepInterval time.Duration
	historyLimit  int
	defaults      Defaults

	mu      sync.RWMutex
	entries map[string]*memoryEntry

	done     chan struct{}
	stopOnce sync.Once
}

// Defaults seeds newly created sessions.
type Defaults struct {
	Language             string
	Environment          types.Environment
	InterruptionsEnabled bool
}

// MemoryOption customises a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithTTL sets the idle eviction TTL. Default: 30 minutes.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often expired sessions are collected.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithHistoryLimit bounds the per-session conversation history ring.
func WithHistoryLimit(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithDefaults seeds new sessions with the given language, environment, and
// interruption flag.
func WithDefaults(d Defaults) MemoryOption {
	return func(s *MemoryStore) { s.defaults = d }
}

// SetDefaults replaces the seed values for sessions created from now on.
// Existing sessions are untouched. Used by config hot-reload.
func (s *MemoryStore) SetDefaults(d Defaults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = d
}

// NewMemoryStore creates a [MemoryStore] and starts its TTL sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ttl:           DefaultTTL,
		sweepInterval: defaultSweepInterval,
		historyLimit:  defaultHistoryLimit,
		entries:       make(map[string]*memoryEntry),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

var _ Store = (*MemoryStore)(nil)

// GetOrCreate implements [Store].
func (s *MemoryStore) GetOrCreate(_ context.Context, identity string) (*SessionState, bool, error) {
	if identity == "" {
		return nil, false, fmt.Errorf("session: identity must not be empty")
	}

	s.mu.Lock()
	e, ok := s.entries[identity]
	if !ok {
		now := time.Now()
		e = &memoryEntry{
			state: &SessionState{
				Identity:             identity,
				Language:             s.defaults.Language,
				Environment:          s.defaults.Environment,
				InterruptionsEnabled: s.defaults.InterruptionsEnabled,
				PendingToolCalls:     make(map[string]types.ToolCallStatus),
				CreatedAt:            now,
				LastSeen:             now,
				historyLimit:         s.historyLimit,
			},
		}
		s.entries[identity] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.LastSeen = time.Now()
	return e.state.clone(), !ok, nil
}

// Update implements [Store].
func (s *MemoryStore) Update(_ context.Context, identity string, fn func(*SessionState) error) error {
	s.mu.RLock()
	e, ok := s.entries[identity]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: no session for identity %q", identity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.state); err != nil {
		return fmt.Errorf("session: update %q: %w", identity, err)
	}
	e.state.LastSeen = time.Now()
	return nil
}

// Touch implements [Store].
func (s *MemoryStore) Touch(_ context.Context, identity string) error {
	s.mu.RLock()
	e, ok := s.entries[identity]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: no session for identity %q", identity)
	}

	e.mu.Lock()
	e.state.LastSeen = time.Now()
	e.mu.Unlock()
	return nil
}

// Evict implements [Store].
func (s *MemoryStore) Evict(_ context.Context, identity string) error {
	s.mu.Lock()
	delete(s.entries, identity)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the TTL sweeper. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// sweepLoop periodically evicts sessions idle past the TTL.
func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes all expired sessions.
func (s *MemoryStore) sweep() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for identity, e := range s.entries {
		e.mu.Lock()
		expired := e.state.LastSeen.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(s.entries, identity)
			slog.Info("session expired", "identity", identity, "ttl", s.ttl)
		}
	}
}
