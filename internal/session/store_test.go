package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

func newTestStore(t *testing.T, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_GetOrCreate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithDefaults(Defaults{
		Language:             "es",
		Environment:          types.EnvMedium,
		InterruptionsEnabled: true,
	}))
	ctx := context.Background()

	state, created, err := s.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("created = false on first GetOrCreate")
	}
	if state.Language != "es" {
		t.Errorf("language = %q, want es", state.Language)
	}
	if state.Environment != types.EnvMedium {
		t.Errorf("environment = %q, want medium", state.Environment)
	}
	if !state.InterruptionsEnabled {
		t.Error("interruptions should default enabled")
	}

	// Second call resumes the same session.
	_, created, err = s.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("created = true on second GetOrCreate, want resume")
	}
}

func TestMemoryStore_GetOrCreate_EmptyIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, _, err := s.GetOrCreate(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestMemoryStore_UpdatePersistsAcrossReconnect(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreate(ctx, "user-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = s.Update(ctx, "user-42", func(st *SessionState) error {
		st.AppendTurn(types.SpeakerUser, "find flights to lima")
		st.AppendTurn(types.SpeakerAssistant, "Here are three options.")
		st.NextPreSpeechSeq()
		st.NextPreSpeechSeq()
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// Simulated reconnect: same identity, session resumed with history and
	// counters intact.
	state, created, err := s.GetOrCreate(ctx, "user-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("created = true on reconnect, want resume")
	}
	if len(state.History) != 2 {
		t.Errorf("history length = %d, want 2", len(state.History))
	}
	if state.PreSpeechSeq != 2 {
		t.Errorf("PreSpeechSeq = %d, want 2 (must not reset on reconnect)", state.PreSpeechSeq)
	}
}

func TestMemoryStore_UpdateUnknownIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Update(context.Background(), "ghost", func(*SessionState) error { return nil })
	if err == nil {
		t.Fatal("expected error for unknown identity")
	}
}

func TestMemoryStore_UpdateErrorAborts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	_, _, _ = s.GetOrCreate(ctx, "user-1")

	wantErr := errors.New("boom")
	err := s.Update(ctx, "user-1", func(st *SessionState) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _ = s.GetOrCreate(ctx, "user-1")
	_ = s.Update(ctx, "user-1", func(st *SessionState) error {
		st.AppendTurn(types.SpeakerUser, "original")
		return nil
	})

	snap, _, _ := s.GetOrCreate(ctx, "user-1")
	snap.History[0].Text = "mutated"
	snap.AppendTurn(types.SpeakerUser, "extra")

	fresh, _, _ := s.GetOrCreate(ctx, "user-1")
	if fresh.History[0].Text != "original" {
		t.Error("mutating a snapshot leaked into the store")
	}
	if len(fresh.History) != 1 {
		t.Errorf("history length = %d, want 1", len(fresh.History))
	}
}

func TestMemoryStore_EvictResetsCounters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _ = s.GetOrCreate(ctx, "user-1")
	_ = s.Update(ctx, "user-1", func(st *SessionState) error {
		st.NextPreSpeechSeq()
		st.AppendTurn(types.SpeakerUser, "hi")
		return nil
	})

	if err := s.Evict(ctx, "user-1"); err != nil {
		t.Fatalf("evict: %v", err)
	}

	state, created, err := s.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("created = false after eviction, want fresh session")
	}
	if state.PreSpeechSeq != 0 || state.NextTurnID != 0 {
		t.Errorf("counters not reset: seq=%d turn=%d", state.PreSpeechSeq, state.NextTurnID)
	}
}

func TestMemoryStore_TTLEviction(t *testing.T) {
	t.Parallel()
	s := newTestStore(t,
		WithTTL(50*time.Millisecond),
		WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	_, _, _ = s.GetOrCreate(ctx, "user-1")

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not evicted after TTL")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemoryStore_TouchKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t,
		WithTTL(80*time.Millisecond),
		WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	_, _, _ = s.GetOrCreate(ctx, "user-1")

	// Touch more often than the TTL for a while.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := s.Touch(ctx, "user-1"); err != nil {
			t.Fatalf("touch %d: %v", i, err)
		}
	}
	if s.Len() != 1 {
		t.Error("touched session was evicted")
	}
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	_, _, _ = s.GetOrCreate(ctx, "user-1")

	const workers = 10
	const perWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = s.Update(ctx, "user-1", func(st *SessionState) error {
					st.AppendTurn(types.SpeakerUser, "msg")
					return nil
				})
			}
		}()
	}
	wg.Wait()

	state, _, _ := s.GetOrCreate(ctx, "user-1")
	if state.NextTurnID != workers*perWorker {
		t.Errorf("NextTurnID = %d, want %d (updates must be serialised)",
			state.NextTurnID, workers*perWorker)
	}
}
