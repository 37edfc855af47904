package session

import (
	"testing"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

func TestAppendTurn_MonotonicIDs(t *testing.T) {
	t.Parallel()
	s := &SessionState{}

	for i := 0; i < 5; i++ {
		turn := s.AppendTurn(types.SpeakerUser, "hello")
		if turn.TurnID != uint64(i) {
			t.Errorf("turn %d: TurnID = %d, want %d", i, turn.TurnID, i)
		}
	}
	if s.NextTurnID != 5 {
		t.Errorf("NextTurnID = %d, want 5", s.NextTurnID)
	}
}

func TestAppendTurn_RingBoundsHistory(t *testing.T) {
	t.Parallel()
	s := &SessionState{historyLimit: 3}

	for i := 0; i < 10; i++ {
		s.AppendTurn(types.SpeakerUser, "msg")
	}

	if len(s.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(s.History))
	}
	// Oldest turns dropped; IDs keep counting.
	if s.History[0].TurnID != 7 || s.History[2].TurnID != 9 {
		t.Errorf("history IDs = [%d..%d], want [7..9]",
			s.History[0].TurnID, s.History[2].TurnID)
	}
	if s.NextTurnID != 10 {
		t.Errorf("NextTurnID = %d, want 10", s.NextTurnID)
	}
}

func TestMarkInterrupted(t *testing.T) {
	t.Parallel()
	s := &SessionState{}
	s.AppendTurn(types.SpeakerUser, "find flights to madrid")

	turn := s.AppendTurn(types.SpeakerAssistant, "I found twelve flights to Madrid departing")
	s.History[len(s.History)-1].ResponseID = "resp-1"
	_ = turn

	if !s.MarkInterrupted("resp-1", "I found twelve") {
		t.Fatal("MarkInterrupted returned false for existing response")
	}

	last := s.History[len(s.History)-1]
	if !last.Interrupted {
		t.Error("turn not flagged interrupted")
	}
	if last.Text != "I found twelve" {
		t.Errorf("text = %q, want spoken prefix", last.Text)
	}

	if s.MarkInterrupted("resp-unknown", "x") {
		t.Error("MarkInterrupted returned true for unknown response")
	}
}

func TestNextPreSpeechSeq(t *testing.T) {
	t.Parallel()
	s := &SessionState{}

	for want := uint64(0); want < 4; want++ {
		if got := s.NextPreSpeechSeq(); got != want {
			t.Errorf("seq = %d, want %d", got, want)
		}
	}
}

func TestMessages_ConvertsHistory(t *testing.T) {
	t.Parallel()
	s := &SessionState{}
	s.AppendTurn(types.SpeakerUser, "hola")
	s.AppendTurn(types.SpeakerAssistant, "¡Hola! ¿A dónde quieres volar?")

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages length = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hola" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("msgs[1].Role = %q, want assistant", msgs[1].Role)
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()
	s := &SessionState{
		PendingToolCalls: map[string]types.ToolCallStatus{"call-1": types.ToolCallPending},
	}
	s.AppendTurn(types.SpeakerUser, "original")

	cp := s.clone()
	cp.History[0].Text = "mutated"
	cp.PendingToolCalls["call-2"] = types.ToolCallOK

	if s.History[0].Text != "original" {
		t.Error("clone shares history backing array")
	}
	if _, ok := s.PendingToolCalls["call-2"]; ok {
		t.Error("clone shares pending tool calls map")
	}
}
