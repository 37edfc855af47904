// Package realtime defines the Provider interface for fused speech-to-speech
// backends.
//
// A realtime provider wraps a voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session —
// bypassing the separate STT → LLM → TTS pipeline entirely. Examples include
// the OpenAI Realtime API and similar low-latency voice models.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// channel that carries audio, transcripts, speech boundaries, and tool calls
// concurrently. Sessions are designed to be long-lived (seconds to minutes)
// and support mid-session reconfiguration.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// ToolCallHandler is a callback invoked by the session whenever the
// underlying model requests a tool call. The handler receives the tool name
// and a JSON-encoded arguments string and must return either a result string
// (to be injected back into the session as tool output) or an error.
//
// The handler may be called from the session's internal receive goroutine —
// implementors must not call blocking session methods from within the handler
// to avoid deadlocks. Long-running tools should be offloaded to a goroutine.
type ToolCallHandler func(name string, args string) (string, error)

// ContextItem is a text message injected into the session's context
// mid-conversation. It is used to add shared state (preferred language,
// search results, corrected transcripts) without resending the full
// conversation history.
type ContextItem struct {
	// Role is the speaker role for this context item. Typical values match
	// LLM message roles: "system", "user", "assistant".
	Role string

	// Content is the text content of the context item.
	Content string
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice defines the voice the model will use for synthesised speech
	// output.
	Voice types.VoiceProfile

	// Instructions is the system-level prompt that defines the assistant's
	// behaviour, including the language policy it must follow.
	Instructions string

	// Tools is the initial set of tool definitions offered to the model.
	// Tool calls are surfaced via the ToolCallHandler set with OnToolCall.
	Tools []types.ToolDefinition

	// Language is the ISO-639-1 code the session starts in. Providers that
	// support transcription language pinning should honour it.
	Language string
}

// AudioDelta is one chunk of synthesised assistant audio. ResponseID and
// ItemID identify the generation for later truncation on barge-in.
type AudioDelta struct {
	// ResponseID identifies the model response this chunk belongs to.
	ResponseID string

	// ItemID identifies the conversation item carrying the audio; required by
	// TruncateAssistantAudio.
	ItemID string

	// PCM is raw little-endian PCM16 audio at the provider's output rate.
	PCM []byte
}

// TranscriptEvent is a transcript line from either side of the conversation.
type TranscriptEvent struct {
	// Speaker identifies who produced the text.
	Speaker types.Speaker

	// Text is the transcript content.
	Text string

	// Final reports whether this is an authoritative transcript. Non-final
	// events are incremental deltas of assistant speech.
	Final bool

	// ResponseID links assistant transcripts to their audio deltas. Empty for
	// user transcripts.
	ResponseID string
}

// SpeechEventType marks server-side voice activity boundaries.
type SpeechEventType int

const (
	// SpeechStarted means the server detector heard the user start speaking.
	SpeechStarted SpeechEventType = iota

	// SpeechStopped means the server detector heard the user stop speaking.
	SpeechStopped
)

// SpeechEvent is a server-side voice activity boundary with its position in
// the input audio stream.
type SpeechEvent struct {
	Type SpeechEventType

	// AudioMs is the offset into the input audio buffer, in milliseconds,
	// where the boundary was detected.
	AudioMs int
}

// Capabilities describes static properties of the realtime provider. The
// values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// ContextWindow is the maximum token count (or provider-equivalent unit)
	// the model can maintain across the session.
	ContextWindow int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented
	// limit.
	MaxSessionDurationMs int

	// InputSampleRate and OutputSampleRate are the PCM rates the provider
	// speaks, in Hz.
	InputSampleRate  int
	OutputSampleRate int

	// Voices lists the voice profiles available for this provider.
	Voices []types.VoiceProfile
}

// SessionHandle represents an open realtime session. It is an interface so
// that test code can supply mock implementations without a live provider
// connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Audio I/O is channel-based to avoid blocking the caller's
// audio thread. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM audio chunk to the provider for
	// processing. The chunk must match the input format advertised by
	// Capabilities. Returns an error if the session is closed or if the
	// provider cannot accept the chunk.
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel that emits AudioDelta values as the
	// model synthesises its spoken response. The channel is closed when the
	// session ends or when a mid-stream error occurs; after it closes, call
	// Err to check whether the session ended cleanly. Consumers must drain
	// this channel promptly to prevent backpressure from stalling the
	// provider's receive loop.
	Audio() <-chan AudioDelta

	// Transcripts returns a read-only channel that emits TranscriptEvent
	// values for both user speech (as recognised by the model) and assistant
	// responses. The channel is closed when the session ends.
	Transcripts() <-chan TranscriptEvent

	// SpeechEvents returns a read-only channel of server-side voice activity
	// boundaries. The channel is closed when the session ends.
	SpeechEvents() <-chan SpeechEvent

	// Err returns the error that caused the Audio channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// OnToolCall registers a handler invoked whenever the model requests a
	// tool call. Only one handler can be active at a time; calling OnToolCall
	// again replaces the previous handler. Passing nil clears the handler.
	OnToolCall(handler ToolCallHandler)

	// SetTools replaces the active tool definitions without restarting the
	// session. The change takes effect on a best-effort basis for in-flight
	// turns.
	SetTools(tools []types.ToolDefinition) error

	// UpdateInstructions replaces the system-level instructions, effective
	// for the next model turn. Used when the session language switches.
	UpdateInstructions(instructions string) error

	// InjectTextContext inserts ContextItems into the session's rolling
	// context without triggering a response.
	InjectTextContext(items []ContextItem) error

	// CancelResponse stops the in-progress model generation and discards any
	// provider-side buffered audio. Use on barge-in.
	CancelResponse() error

	// TruncateAssistantAudio tells the provider that playback of the given
	// conversation item stopped at audioEndMs, so the model's view of what
	// the user actually heard matches reality after an interruption.
	TruncateAssistantAudio(itemID string, audioEndMs int) error

	// ClearInputBuffer discards input audio the provider has buffered but
	// not yet committed to a turn.
	ClearInputBuffer() error

	// Close terminates the session, releases all resources, and closes the
	// Audio, Transcripts, and SpeechEvents channels. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech-to-speech backend.
//
// Implementations must be safe for concurrent use. The session manager may
// open multiple concurrent sessions, one per room participant.
type Provider interface {
	// Connect establishes a new realtime session with the given
	// configuration. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the session cannot be established (e.g.,
	// authentication failure, invalid voice, or ctx already cancelled). The
	// caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying
	// model. The result is assumed to be constant for the lifetime of the
	// Provider instance.
	Capabilities() Capabilities
}
