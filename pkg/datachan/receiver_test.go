package datachan

import (
	"fmt"
	"testing"
	"time"
)

func envelopeSeq(t *testing.T, seq uint64) Envelope {
	t.Helper()
	env, err := NewEnvelope(TypeTranscription, Transcription{Text: fmt.Sprintf("msg %d", seq)})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.Sequence = seq
	return env
}

func sequences(envs []Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, e := range envs {
		out[i] = e.Sequence
	}
	return out
}

func TestReceiver_InOrder(t *testing.T) {
	t.Parallel()

	r := NewReceiver()
	now := time.Now()

	for seq := uint64(1); seq <= 3; seq++ {
		got := r.Submit(envelopeSeq(t, seq), now)
		if len(got) != 1 || got[0].Sequence != seq {
			t.Fatalf("seq %d: want immediate delivery, got %v", seq, sequences(got))
		}
	}
}

func TestReceiver_ReordersOutOfOrder(t *testing.T) {
	t.Parallel()

	r := NewReceiver()
	now := time.Now()

	// 2 and 3 arrive before 1: both buffered.
	if got := r.Submit(envelopeSeq(t, 2), now); len(got) != 0 {
		t.Fatalf("seq 2 early: want buffered, got %v", sequences(got))
	}
	if got := r.Submit(envelopeSeq(t, 3), now); len(got) != 0 {
		t.Fatalf("seq 3 early: want buffered, got %v", sequences(got))
	}

	// 1 arrives: all three deliver in order.
	got := r.Submit(envelopeSeq(t, 1), now)
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("delivered: want %v, got %v", want, sequences(got))
	}
	for i, seq := range want {
		if got[i].Sequence != seq {
			t.Errorf("position %d: want seq %d, got %d", i, seq, got[i].Sequence)
		}
	}
}

func TestReceiver_DropsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewReceiver()
	now := time.Now()

	env := envelopeSeq(t, 1)
	if got := r.Submit(env, now); len(got) != 1 {
		t.Fatalf("first submit: want delivery, got %v", sequences(got))
	}
	if got := r.Submit(env, now); len(got) != 0 {
		t.Errorf("duplicate msg_id: want drop, got %v", sequences(got))
	}
	if r.Dropped != 1 {
		t.Errorf("dropped counter: want 1, got %d", r.Dropped)
	}
}

func TestReceiver_DropsLateRetransmit(t *testing.T) {
	t.Parallel()

	r := NewReceiver()
	now := time.Now()

	r.Submit(envelopeSeq(t, 1), now)
	r.Submit(envelopeSeq(t, 2), now)

	// A fresh msg_id carrying an already-delivered sequence is dropped.
	if got := r.Submit(envelopeSeq(t, 1), now); len(got) != 0 {
		t.Errorf("stale sequence: want drop, got %v", sequences(got))
	}
}

func TestReceiver_GapTimeoutSkipsForward(t *testing.T) {
	t.Parallel()

	r := NewReceiver(WithGapTimeout(100 * time.Millisecond))
	now := time.Now()

	r.Submit(envelopeSeq(t, 1), now)
	// 2 is lost; 3 and 4 buffer.
	r.Submit(envelopeSeq(t, 3), now)
	r.Submit(envelopeSeq(t, 4), now)

	if got := r.Expire(now.Add(50 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("before timeout: want nothing, got %v", sequences(got))
	}

	got := r.Expire(now.Add(200 * time.Millisecond))
	want := []uint64{3, 4}
	if len(got) != len(want) {
		t.Fatalf("after timeout: want %v, got %v", want, sequences(got))
	}
	for i, seq := range want {
		if got[i].Sequence != seq {
			t.Errorf("position %d: want seq %d, got %d", i, seq, got[i].Sequence)
		}
	}

	// The stream resumes normally after the skip.
	if next := r.Submit(envelopeSeq(t, 5), now); len(next) != 1 || next[0].Sequence != 5 {
		t.Errorf("post-skip delivery: want seq 5, got %v", sequences(next))
	}
}

func TestReceiver_BufferOverflowSkips(t *testing.T) {
	t.Parallel()

	r := NewReceiver()
	now := time.Now()

	// Sequence 1 never arrives; fill the reorder buffer with 2..33.
	for seq := uint64(2); seq < 2+bufferCap; seq++ {
		if got := r.Submit(envelopeSeq(t, seq), now); len(got) != 0 {
			t.Fatalf("seq %d: want buffered, got %v", seq, sequences(got))
		}
	}

	// The next arrival overflows the buffer: the gap is abandoned and the
	// whole run delivers.
	got := r.Submit(envelopeSeq(t, 2+bufferCap), now)
	if len(got) != bufferCap+1 {
		t.Fatalf("overflow delivery: want %d messages, got %d", bufferCap+1, len(got))
	}
	if got[0].Sequence != 2 {
		t.Errorf("first delivered: want seq 2, got %d", got[0].Sequence)
	}
}
