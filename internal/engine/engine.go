// Package engine defines the unified session abstraction the per-participant
// orchestrator runs against, independent of which pipeline variant is active.
//
// Two variants exist: [cascade] chains discrete STT → LLM → TTS providers,
// while [realtime] wraps a fused speech-to-speech provider. Both surface the
// same [Event] stream, so the orchestrator's select loop, the turn controller,
// and the pre-speech protocol never branch on the variant; provider-specific
// differences stay inside the implementations.
package engine

import (
	"context"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// Variant names, as they appear in configuration and logs.
const (
	VariantPipeline = "pipeline"
	VariantRealtime = "realtime"
)

// ToolHandler executes a tool call on behalf of the engine and returns the
// serialized result that is fed back to the model. Implementations come from
// the tool registry; the returned string should be valid JSON.
//
// The handler may be called from an engine-internal goroutine. It must honour
// ctx, which is cancelled when the generation it belongs to is aborted.
type ToolHandler func(ctx context.Context, call types.ToolCall) (string, error)

// SessionConfig is the initial configuration for one participant's engine
// session.
type SessionConfig struct {
	// Identity is the room participant this session belongs to. Used for
	// logging and metrics attribution only.
	Identity string

	// Language is the ISO-639-1 code the session starts in.
	Language string

	// Instructions is the system prompt, already rendered for the session
	// language.
	Instructions string

	// Voice is the TTS voice profile for synthesised output. Realtime
	// providers with a fixed voice catalogue match on Voice.ID.
	Voice types.VoiceProfile

	// Tools is the initial tool set offered to the model.
	Tools []types.ToolDefinition

	// History seeds the conversation with prior turns, e.g. after a
	// reconnect. Ordered oldest first.
	History []types.Message

	// SampleRate and Channels describe the PCM format of audio passed to
	// SendAudio.
	SampleRate int
	Channels   int

	// OnToolCall executes tool calls requested by the model. A nil handler
	// causes every tool call to resolve to an error result.
	OnToolCall ToolHandler
}

// EventType discriminates the values carried on a session's event stream.
type EventType int

const (
	// EventUserPartial is an interim user transcript. Drives the live
	// caption; never enters the conversation history.
	EventUserPartial EventType = iota

	// EventUserFinal is an authoritative user transcript, carrying the
	// provider's detected language and confidence.
	EventUserFinal

	// EventAssistantDelta is an incremental fragment of the assistant's
	// textual reply for the generation named by ResponseID.
	EventAssistantDelta

	// EventAssistantDone carries the complete assistant reply text once the
	// generation has finished.
	EventAssistantDone

	// EventAudio is a chunk of synthesised assistant PCM for ResponseID.
	EventAudio

	// EventAudioDone signals that no more audio will arrive for ResponseID.
	EventAudioDone

	// EventToolCallStarted is emitted when the model requests a tool call,
	// before the handler runs.
	EventToolCallStarted

	// EventToolCallDone is emitted when the tool call resolves, with its
	// terminal status.
	EventToolCallDone

	// EventSpeechStarted and EventSpeechStopped are provider-side voice
	// activity boundaries. Only engines with server-side VAD emit them; the
	// turn controller coalesces them with the local detector.
	EventSpeechStarted
	EventSpeechStopped

	// EventError reports a mid-session failure. The session may still be
	// usable; check Session.Err to distinguish fatal conditions.
	EventError
)

// String returns a short label for logging.
func (t EventType) String() string {
	switch t {
	case EventUserPartial:
		return "user_partial"
	case EventUserFinal:
		return "user_final"
	case EventAssistantDelta:
		return "assistant_delta"
	case EventAssistantDone:
		return "assistant_done"
	case EventAudio:
		return "audio"
	case EventAudioDone:
		return "audio_done"
	case EventToolCallStarted:
		return "tool_call_started"
	case EventToolCallDone:
		return "tool_call_done"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one value on a session's event stream. Which fields are populated
// depends on Type.
type Event struct {
	Type EventType

	// ResponseID identifies the generation for assistant text, audio, and
	// tool-call events. The orchestrator uses it to target cancellation and
	// truncation.
	ResponseID string

	// ItemID identifies the provider-side conversation item carrying the
	// audio, where the provider distinguishes it from the response. Engines
	// without the concept set it equal to ResponseID.
	ItemID string

	// Transcript is set on user transcript events.
	Transcript types.Transcript

	// Text is the delta or full text on assistant text events.
	Text string

	// PCM is raw little-endian PCM16 on EventAudio.
	PCM []byte

	// ToolCall is set on tool-call events.
	ToolCall types.ToolCall

	// ToolStatus is the terminal status on EventToolCallDone.
	ToolStatus types.ToolCallStatus

	// AudioMs is the input-stream offset on speech boundary events.
	AudioMs int

	// Err is set on EventError.
	Err error
}

// Session is one participant's live engine session.
//
// All methods must be safe for concurrent use and return quickly; Session is
// on the audio hot path. Callers must drain Events and call Close when done.
type Session interface {
	// SendAudio delivers a raw PCM chunk in the format declared in
	// SessionConfig. Returns an error if the session is closed.
	SendAudio(chunk []byte) error

	// SendText injects text as if it were a final user transcript and
	// triggers a reply. Backs the test_user_input data message.
	SendText(text string) error

	// Events returns the session's event stream. The channel is closed when
	// the session ends; check Err afterwards.
	Events() <-chan Event

	// Cancel aborts the in-flight generation, if any. Audio already emitted
	// is the caller's to discard. Safe to call when nothing is generating.
	Cancel() error

	// Truncate records that playback of itemID stopped at audioEndMs, so the
	// model's view of what the user heard matches reality after a barge-in.
	Truncate(itemID string, audioEndMs int) error

	// ClearInput discards input audio already sent to the engine but not yet
	// committed to a turn, so assistant playback picked up by the microphone
	// is not re-ingested as user speech after a barge-in. Engines without an
	// input buffer treat it as a no-op.
	ClearInput() error

	// SetLanguage switches the active session language. The engine re-pins
	// recognition and selects a matching voice where it controls those.
	SetLanguage(language string) error

	// UpdateInstructions replaces the system prompt for subsequent
	// generations.
	UpdateInstructions(instructions string) error

	// SetTools replaces the tool set for subsequent generations.
	SetTools(tools []types.ToolDefinition) error

	// Err returns the fatal error that ended the session, or nil.
	Err() error

	// Close ends the session and closes the Events channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine opens sessions for one pipeline variant.
//
// Implementations must be safe for concurrent use; the room manager opens one
// session per remote participant.
type Engine interface {
	// Open establishes a new session. The returned Session is ready to
	// accept audio immediately. ctx bounds the session's lifetime: when it
	// is cancelled the session shuts down as if Close had been called.
	Open(ctx context.Context, cfg SessionConfig) (Session, error)

	// Variant reports which pipeline variant this engine implements, either
	// [VariantPipeline] or [VariantRealtime].
	Variant() string
}
