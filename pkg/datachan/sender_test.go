package datachan

import (
	"context"
	"sync"
	"testing"
	"time"
)

// captureWriter records every frame it is handed.
type captureWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *captureWriter) write(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.frames = append(w.frames, cp)
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *captureWriter) decodeAll(t *testing.T) []Envelope {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Envelope
	for _, f := range w.frames {
		var dec FrameDecoder
		envs, err := dec.Feed(f)
		if err != nil {
			t.Fatalf("decode captured frame: %v", err)
		}
		out = append(out, envs...)
	}
	return out
}

func TestSender_MonotonicSequence(t *testing.T) {
	t.Parallel()

	var w captureWriter
	s := NewSender(w.write)

	for i := 0; i < 5; i++ {
		env, err := NewEnvelope(TypeThinking, Thinking{ID: "x"})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := s.Send(context.Background(), env); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	envs := w.decodeAll(t)
	for i, env := range envs {
		if env.Sequence != uint64(i+1) {
			t.Errorf("frame %d: want sequence %d, got %d", i, i+1, env.Sequence)
		}
	}
}

func TestSender_AckStopsRetries(t *testing.T) {
	t.Parallel()

	var w captureWriter
	s := NewSender(w.write, WithRetryInterval(20*time.Millisecond))

	env, err := NewEnvelope(TypePreSpeechText, PreSpeechText{SpeechID: "sp-1", Text: "hola"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := s.SendReliable(context.Background(), env); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	s.Ack(env.MsgID)

	// Give any stray retry a chance to fire, then confirm only the initial
	// write happened.
	time.Sleep(80 * time.Millisecond)
	if got := w.count(); got != 1 {
		t.Errorf("writes after immediate ack: want 1, got %d", got)
	}
	if got := s.PendingAcks(); got != 0 {
		t.Errorf("pending acks: want 0, got %d", got)
	}
}

func TestSender_RetriesThenGivesUp(t *testing.T) {
	t.Parallel()

	var w captureWriter
	lost := make(chan Envelope, 1)
	s := NewSender(w.write,
		WithRetryInterval(10*time.Millisecond),
		WithLostHandler(func(env Envelope) { lost <- env }),
	)

	env, err := NewEnvelope(TypePreSpeechText, PreSpeechText{SpeechID: "sp-2", Text: "never acked"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := s.SendReliable(context.Background(), env); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	select {
	case got := <-lost:
		if got.MsgID != env.MsgID {
			t.Errorf("lost msg_id: want %s, got %s", env.MsgID, got.MsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("lost handler not invoked")
	}

	// Initial write plus maxRetries resends.
	if got := w.count(); got != 1+maxRetries {
		t.Errorf("total writes: want %d, got %d", 1+maxRetries, got)
	}
	if got := s.PendingAcks(); got != 0 {
		t.Errorf("pending acks after giving up: want 0, got %d", got)
	}
}

func TestSender_ContextCancelStopsRetries(t *testing.T) {
	t.Parallel()

	var w captureWriter
	s := NewSender(w.write, WithRetryInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	env, err := NewEnvelope(TypeSpeechStarting, SpeechStarting{SpeechID: "sp-3"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := s.SendReliable(ctx, env); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	cancel()

	time.Sleep(60 * time.Millisecond)
	if got := s.PendingAcks(); got != 0 {
		t.Errorf("pending acks after cancel: want 0, got %d", got)
	}
}
