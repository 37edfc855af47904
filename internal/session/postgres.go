package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// schema creates the sessions table. Executed on store construction so fresh
// databases work without a migration step.
const schema = `
CREATE TABLE IF NOT EXISTS voice_sessions (
	identity  TEXT PRIMARY KEY,
	state     JSONB NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL
)`

// PostgresStore is a [Store] backed by Postgres, for deployments where more
// than one assistant process serves the same room fleet. Single-writer
// semantics per identity come from row-level locking (SELECT ... FOR UPDATE)
// inside each Update transaction.
type PostgresStore struct {
	pool          *pgxpool.Pool
	ttl           time.Duration
	sweepInterval time.Duration
	historyLimit  int
	defaults      Defaults

	done     chan struct{}
	stopOnce sync.Once
}

// PostgresOption customises a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithPostgresTTL sets the idle eviction TTL. Default: 30 minutes.
func WithPostgresTTL(ttl time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPostgresDefaults seeds new sessions.
func WithPostgresDefaults(d Defaults) PostgresOption {
	return func(s *PostgresStore) { s.defaults = d }
}

// NewPostgresStore connects to dsn, ensures the schema exists, and starts the
// TTL sweeper.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: ensure schema: %w", err)
	}

	s := &PostgresStore{
		pool:          pool,
		ttl:           DefaultTTL,
		sweepInterval: defaultSweepInterval,
		historyLimit:  defaultHistoryLimit,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s, nil
}

var _ Store = (*PostgresStore)(nil)

// Pool exposes the underlying pool for readiness probing.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// GetOrCreate implements [Store].
func (s *PostgresStore) GetOrCreate(ctx context.Context, identity string) (*SessionState, bool, error) {
	if identity == "" {
		return nil, false, fmt.Errorf("session: identity must not be empty")
	}

	now := time.Now()
	fresh := &SessionState{
		Identity:             identity,
		Language:             s.defaults.Language,
		Environment:          s.defaults.Environment,
		InterruptionsEnabled: s.defaults.InterruptionsEnabled,
		PendingToolCalls:     make(map[string]types.ToolCallStatus),
		CreatedAt:            now,
		LastSeen:             now,
	}
	freshJSON, err := json.Marshal(fresh)
	if err != nil {
		return nil, false, fmt.Errorf("session: marshal state: %w", err)
	}

	// Insert-if-absent, then read back whichever row won.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (identity, state, last_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (identity) DO NOTHING`,
		identity, freshJSON, now)
	if err != nil {
		return nil, false, fmt.Errorf("session: insert %q: %w", identity, err)
	}
	created := tag.RowsAffected() == 1

	state, err := s.load(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	state.LastSeen = now
	_ = s.Touch(ctx, identity)
	return state, created, nil
}

// Update implements [Store]. The row lock serialises concurrent updaters.
func (s *PostgresStore) Update(ctx context.Context, identity string, fn func(*SessionState) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin update %q: %w", identity, err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT state FROM voice_sessions WHERE identity = $1 FOR UPDATE`,
		identity).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session: no session for identity %q", identity)
	}
	if err != nil {
		return fmt.Errorf("session: load %q for update: %w", identity, err)
	}

	state := &SessionState{historyLimit: s.historyLimit}
	if err := json.Unmarshal(raw, state); err != nil {
		return fmt.Errorf("session: decode state %q: %w", identity, err)
	}

	if err := fn(state); err != nil {
		return fmt.Errorf("session: update %q: %w", identity, err)
	}
	state.LastSeen = time.Now()

	updated, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: marshal state %q: %w", identity, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE voice_sessions SET state = $2, last_seen = $3 WHERE identity = $1`,
		identity, updated, state.LastSeen); err != nil {
		return fmt.Errorf("session: store state %q: %w", identity, err)
	}
	return tx.Commit(ctx)
}

// Touch implements [Store].
func (s *PostgresStore) Touch(ctx context.Context, identity string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET last_seen = $2 WHERE identity = $1`,
		identity, time.Now())
	if err != nil {
		return fmt.Errorf("session: touch %q: %w", identity, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session: no session for identity %q", identity)
	}
	return nil
}

// Evict implements [Store].
func (s *PostgresStore) Evict(ctx context.Context, identity string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM voice_sessions WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("session: evict %q: %w", identity, err)
	}
	return nil
}

// Close stops the sweeper and closes the pool.
func (s *PostgresStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.pool.Close()
	})
	return nil
}

// load reads a session snapshot without locking.
func (s *PostgresStore) load(ctx context.Context, identity string) (*SessionState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM voice_sessions WHERE identity = $1`, identity).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session: no session for identity %q", identity)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %q: %w", identity, err)
	}

	state := &SessionState{historyLimit: s.historyLimit}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("session: decode state %q: %w", identity, err)
	}
	return state, nil
}

// sweepLoop periodically evicts sessions idle past the TTL.
func (s *PostgresStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			tag, err := s.pool.Exec(ctx,
				`DELETE FROM voice_sessions WHERE last_seen < $1`,
				time.Now().Add(-s.ttl))
			cancel()
			if err != nil {
				slog.Warn("session sweep failed", "error", err)
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				slog.Info("sessions expired", "count", n, "ttl", s.ttl)
			}
		}
	}
}
