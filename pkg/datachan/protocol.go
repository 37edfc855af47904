// Package datachan implements the data-channel protocol spoken between the
// voice agent and the UI: length-prefixed JSON envelopes carrying transcripts,
// pre-speech text, thinking indicators, and control messages.
//
// Every message travels in an [Envelope] with a per-sender monotonic sequence
// number. [Sender] assigns sequence numbers and retries ack-required messages;
// [Receiver] restores sequence order on the consuming side, buffering
// out-of-order arrivals for a bounded time and de-duplicating by message ID.
package datachan

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// Message types in the protocol catalog.
const (
	TypeTranscription      = "transcription"
	TypePreSpeechText      = "pre_speech_text"
	TypeSpeechStarting     = "speech_starting"
	TypeTextDisplayed      = "text_displayed"
	TypeThinking           = "thinking"
	TypeHideThinking       = "hide_thinking"
	TypeStateUpdate        = "state_update"
	TypeEnvironmentChanged = "environment_changed"
	TypeInterruptionToggle = "interruption_toggle"
	TypeTestUserInput      = "test_user_input"
)

// Envelope is the wire envelope for every data-channel message.
type Envelope struct {
	// Type identifies the payload shape; one of the Type… constants.
	Type string `json:"type"`

	// MsgID is a UUID assigned by the sender. Receivers treat messages with a
	// previously seen MsgID as duplicates and drop them.
	MsgID string `json:"msg_id"`

	// Sequence is the per-sender monotonic sequence number. Receivers deliver
	// messages in sequence order.
	Sequence uint64 `json:"sequence"`

	// Timestamp is the send time in Unix epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Payload is the type-specific message body.
	Payload json.RawMessage `json:"payload"`

	// AckRequired marks messages the sender will retry until acknowledged.
	AckRequired bool `json:"ack_required,omitempty"`
}

// ── Payload catalog ───────────────────────────────────────────────────────────

// Transcription carries a finalised line of the conversation transcript.
type Transcription struct {
	Speaker types.Speaker `json:"speaker"`
	Text    string        `json:"text"`
}

// PreSpeechText announces assistant text before its audio so the UI can render
// the text first. Sequence is the per-participant pre-speech counter, distinct
// from the envelope sequence.
type PreSpeechText struct {
	SpeechID string `json:"speech_id"`
	Sequence uint64 `json:"sequence"`
	Text     string `json:"text"`
}

// SpeechStarting signals that audio for the given speech segment is about to
// be transported.
type SpeechStarting struct {
	SpeechID string `json:"speech_id"`
}

// TextDisplayed is the client → server acknowledgement that the pre-speech
// text for SpeechID has been rendered.
type TextDisplayed struct {
	SpeechID string `json:"speech_id"`
}

// Thinking shows a thinking indicator with the given placeholder text.
type Thinking struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// HideThinking removes the thinking indicator with the given ID.
type HideThinking struct {
	ID string `json:"id"`
}

// StateUpdate is a generic key/value shared-state mutation (e.g. language).
type StateUpdate struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// EnvironmentChanged switches the VAD environment preset.
type EnvironmentChanged struct {
	Environment types.Environment `json:"environment"`
}

// InterruptionToggle enables or disables barge-in for the participant.
type InterruptionToggle struct {
	Enabled bool `json:"enabled"`
}

// TestUserInput injects text as if it were a final user transcript, for
// microphone-less testing.
type TestUserInput struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ── Encoding ──────────────────────────────────────────────────────────────────

// NewEnvelope builds an envelope of the given type around payload. Sequence is
// zero until a [Sender] assigns it.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("datachan: marshal %s payload: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		MsgID:     uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals an envelope's payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("datachan: decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

// ── Length-prefixed framing ───────────────────────────────────────────────────

// maxFrameSize bounds a single protocol frame. Larger frames are treated as a
// protocol error so a corrupt length prefix cannot stall the stream.
const maxFrameSize = 1 << 20

// EncodeFrame serialises env as a 4-byte big-endian length prefix followed by
// the JSON body.
func EncodeFrame(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("datachan: marshal envelope: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// FrameDecoder incrementally parses length-prefixed envelopes from a byte
// stream, carrying partial frames across Feed calls.
type FrameDecoder struct {
	buf []byte
}

// Feed appends data to the decoder and returns all complete envelopes parsed
// so far. A malformed frame (oversized length or invalid JSON) aborts the
// stream with an error; the caller should log and reset the connection.
func (d *FrameDecoder) Feed(data []byte) ([]Envelope, error) {
	d.buf = append(d.buf, data...)

	var out []Envelope
	for {
		if len(d.buf) < 4 {
			return out, nil
		}
		n := binary.BigEndian.Uint32(d.buf)
		if n > maxFrameSize {
			return out, fmt.Errorf("datachan: frame length %d exceeds limit", n)
		}
		if len(d.buf) < 4+int(n) {
			return out, nil
		}
		var env Envelope
		if err := json.Unmarshal(d.buf[4:4+n], &env); err != nil {
			return out, fmt.Errorf("datachan: malformed frame: %w", err)
		}
		d.buf = d.buf[4+n:]
		out = append(out, env)
	}
}
