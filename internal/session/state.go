// Package session implements the participant session state store.
//
// Sessions are keyed by participant identity and survive disconnects until the
// TTL sweeper evicts them, which is what lets a returning participant pick up
// their conversation where they left off. The store serialises all mutation
// per key: [Store.Update] is the only way to modify a [SessionState], and the
// orchestrator task for a participant is the sole caller for that identity.
//
// The default [MemoryStore] is sufficient for single-process deployments.
// [PostgresStore] offers the same contract backed by Postgres for
// multi-process setups.
package session

import (
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// defaultHistoryLimit bounds the conversation history ring. Older turns are
// dropped from the front; turn IDs keep counting.
const defaultHistoryLimit = 200

// Turn is one finalized conversation turn. Turns are append-only: an
// interrupted assistant turn keeps its truncated text and is flagged rather
// than rewritten.
type Turn struct {
	// TurnID is strictly monotonic per session, assigned at append time.
	TurnID uint64 `json:"turn_id"`

	// Role is "user", "assistant", or "system".
	Role types.Speaker `json:"role"`

	// Text is the final transcript or synthesized text of the turn.
	Text string `json:"text"`

	// Interrupted is set on assistant turns cut short by barge-in.
	Interrupted bool `json:"interrupted,omitempty"`

	// ResponseID links an assistant turn to the response that produced it.
	ResponseID string `json:"response_id,omitempty"`

	// Timestamp is when the turn was finalized.
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the per-participant conversation state. It is mutated only
// through [Store.Update], which guarantees single-writer semantics — the
// methods on SessionState are therefore not individually synchronised.
type SessionState struct {
	// Identity is the participant identity this state belongs to.
	Identity string `json:"identity"`

	// Language is the locked ISO-639-1 conversation language.
	Language string `json:"language"`

	// LanguageStreak counts consecutive utterances detected in a language
	// other than the locked one. Three sustained detections switch the lock.
	LanguageStreak int `json:"language_streak,omitempty"`

	// StreakLanguage is the candidate language the streak is counting for.
	StreakLanguage string `json:"streak_language,omitempty"`

	// Environment is the active VAD tuning preset.
	Environment types.Environment `json:"environment"`

	// InterruptionsEnabled controls whether barge-in truncates responses.
	InterruptionsEnabled bool `json:"interruptions_enabled"`

	// History is the bounded conversation history ring.
	History []Turn `json:"history"`

	// NextTurnID is the ID the next appended turn will receive.
	NextTurnID uint64 `json:"next_turn_id"`

	// PreSpeechSeq is the monotonic pre-speech text sequence counter. It
	// resets only when the session is evicted.
	PreSpeechSeq uint64 `json:"pre_speech_seq"`

	// PendingToolCalls tracks in-flight tool invocations by call ID.
	PendingToolCalls map[string]types.ToolCallStatus `json:"pending_tool_calls,omitempty"`

	// CreatedAt is when the session was first created.
	CreatedAt time.Time `json:"created_at"`

	// LastSeen is updated on every Touch and Update; the TTL sweeper evicts
	// sessions idle past the store TTL.
	LastSeen time.Time `json:"last_seen"`

	// historyLimit is injected by the store; zero means defaultHistoryLimit.
	historyLimit int
}

// AppendTurn appends a finalized turn with the next monotonic turn ID and
// returns it. When the history ring is full the oldest turn is dropped; IDs
// are never reused.
func (s *SessionState) AppendTurn(role types.Speaker, text string) Turn {
	t := Turn{
		TurnID:    s.NextTurnID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.NextTurnID++
	s.History = append(s.History, t)

	limit := s.historyLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if len(s.History) > limit {
		// Shift down rather than reslice so the backing array does not pin
		// evicted turns.
		n := copy(s.History, s.History[len(s.History)-limit:])
		s.History = s.History[:n]
	}
	return t
}

// MarkInterrupted flags the most recent assistant turn with the given
// response ID as interrupted and replaces its text with what was actually
// spoken. Returns false when no matching turn exists.
func (s *SessionState) MarkInterrupted(responseID, spokenText string) bool {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == types.SpeakerAssistant && s.History[i].ResponseID == responseID {
			s.History[i].Interrupted = true
			s.History[i].Text = spokenText
			return true
		}
	}
	return false
}

// NextPreSpeechSeq returns the next pre-speech sequence number, advancing the
// counter.
func (s *SessionState) NextPreSpeechSeq() uint64 {
	seq := s.PreSpeechSeq
	s.PreSpeechSeq++
	return seq
}

// Messages converts the history ring into LLM conversation messages.
func (s *SessionState) Messages() []types.Message {
	msgs := make([]types.Message, 0, len(s.History))
	for _, t := range s.History {
		msgs = append(msgs, types.Message{
			Role:    string(t.Role),
			Content: t.Text,
		})
	}
	return msgs
}

// clone returns a deep copy safe to hand out as a read snapshot.
func (s *SessionState) clone() *SessionState {
	cp := *s
	cp.History = make([]Turn, len(s.History))
	copy(cp.History, s.History)
	if s.PendingToolCalls != nil {
		cp.PendingToolCalls = make(map[string]types.ToolCallStatus, len(s.PendingToolCalls))
		for k, v := range s.PendingToolCalls {
			cp.PendingToolCalls[k] = v
		}
	}
	return &cp
}
