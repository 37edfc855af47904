// Package realtime implements the fused speech-to-speech variant of
// [engine.Engine] on top of a [realtime.Provider].
//
// The provider already does recognition, generation, and synthesis in one
// stateful session; this package is a thin bridge that fans the provider's
// audio, transcript, and speech-boundary channels into the unified event
// stream and translates the provider's tool-call callback into the shared
// [engine.ToolHandler] contract.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// defaultEventBuf is the buffer depth of the session event channel.
const defaultEventBuf = 64

// Config holds the provider backing a realtime [Engine].
type Config struct {
	// Provider is the fused speech-to-speech backend. Required.
	Provider realtime.Provider

	// EventBuf is the event channel capacity. Default: 64.
	EventBuf int
}

// Engine opens realtime sessions. Safe for concurrent use.
type Engine struct {
	cfg Config
}

var _ engine.Engine = (*Engine)(nil)

// New validates cfg and builds a realtime [Engine].
func New(cfg Config) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("realtime: provider is required")
	}
	if cfg.EventBuf <= 0 {
		cfg.EventBuf = defaultEventBuf
	}
	return &Engine{cfg: cfg}, nil
}

// Variant implements [engine.Engine].
func (e *Engine) Variant() string { return engine.VariantRealtime }

// Open implements [engine.Engine]. It connects a provider session, replays
// any seed history as context items, and starts the event pump.
func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	handle, err := e.cfg.Provider.Connect(ctx, realtime.SessionConfig{
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		Tools:        cfg.Tools,
		Language:     cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}

	if len(cfg.History) > 0 {
		items := make([]realtime.ContextItem, len(cfg.History))
		for i, m := range cfg.History {
			items[i] = realtime.ContextItem{Role: m.Role, Content: m.Content}
		}
		if err := handle.InjectTextContext(items); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("realtime: seed history: %w", err)
		}
	}

	base, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:        cfg,
		handle:     handle,
		base:       base,
		baseCancel: cancel,
		events:     make(chan engine.Event, e.cfg.EventBuf),
		done:       make(chan struct{}),
	}
	handle.OnToolCall(s.bridgeToolCall)

	s.wg.Add(1)
	go s.pump()
	return s, nil
}

// session bridges one provider session to the unified event stream.
type session struct {
	cfg    engine.SessionConfig
	handle realtime.SessionHandle

	base       context.Context
	baseCancel context.CancelFunc

	events chan engine.Event
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool

	wg sync.WaitGroup
}

var _ engine.Session = (*session)(nil)

// emit delivers ev unless the session is closing.
func (s *session) emit(ev engine.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// pump multiplexes the provider's audio, transcript, and speech channels into
// the unified event stream from one goroutine, which is what makes the
// cross-stream ordering guarantee possible: a response's audio_done is never
// emitted ahead of audio deltas the provider has already queued.
func (s *session) pump() {
	defer s.wg.Done()
	audioCh := s.handle.Audio()
	transcripts := s.handle.Transcripts()
	speech := s.handle.SpeechEvents()
	for audioCh != nil || transcripts != nil || speech != nil {
		select {
		case <-s.done:
			return
		case delta, ok := <-audioCh:
			if !ok {
				audioCh = nil
				s.surfaceHandleErr()
				continue
			}
			s.emitAudio(delta)
		case ev, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			audioCh = s.handleTranscript(ev, audioCh)
		case ev, ok := <-speech:
			if !ok {
				speech = nil
				continue
			}
			t := engine.EventSpeechStarted
			if ev.Type == realtime.SpeechStopped {
				t = engine.EventSpeechStopped
			}
			s.emit(engine.Event{Type: t, AudioMs: ev.AudioMs})
		}
	}
}

func (s *session) emitAudio(delta realtime.AudioDelta) {
	s.emit(engine.Event{
		Type:       engine.EventAudio,
		ResponseID: delta.ResponseID,
		ItemID:     delta.ItemID,
		PCM:        delta.PCM,
	})
}

// handleTranscript maps one provider transcript event onto user and assistant
// event types. An assistant final closes out the response's audio, but only
// after forwarding the deltas already queued on the audio channel. Returns the
// audio channel, nil when it turned out to be closed.
func (s *session) handleTranscript(ev realtime.TranscriptEvent, audioCh <-chan realtime.AudioDelta) <-chan realtime.AudioDelta {
	switch {
	case ev.Speaker == types.SpeakerUser && ev.Final:
		s.emit(engine.Event{Type: engine.EventUserFinal, Transcript: types.Transcript{
			Text:       ev.Text,
			IsFinal:    true,
			Confidence: 1,
		}})
	case ev.Speaker == types.SpeakerUser:
		s.emit(engine.Event{Type: engine.EventUserPartial, Transcript: types.Transcript{
			Text: ev.Text,
		}})
	case ev.Final:
		audioCh = s.drainAudio(audioCh)
		s.emit(engine.Event{Type: engine.EventAssistantDone,
			ResponseID: ev.ResponseID, Text: ev.Text})
		s.emit(engine.Event{Type: engine.EventAudioDone,
			ResponseID: ev.ResponseID, ItemID: ev.ResponseID})
	default:
		s.emit(engine.Event{Type: engine.EventAssistantDelta,
			ResponseID: ev.ResponseID, Text: ev.Text})
	}
	return audioCh
}

// drainAudio forwards every audio delta already buffered on audioCh without
// blocking for more. Returns nil when the channel is closed.
func (s *session) drainAudio(audioCh <-chan realtime.AudioDelta) <-chan realtime.AudioDelta {
	for audioCh != nil {
		select {
		case delta, ok := <-audioCh:
			if !ok {
				s.surfaceHandleErr()
				return nil
			}
			s.emitAudio(delta)
		default:
			return audioCh
		}
	}
	return nil
}

// surfaceHandleErr records and emits the provider's fatal error once, when the
// audio channel closes with one pending.
func (s *session) surfaceHandleErr() {
	err := s.handle.Err()
	if err == nil {
		return
	}
	s.mu.Lock()
	already := s.err != nil
	if !already {
		s.err = err
	}
	s.mu.Unlock()
	if !already {
		s.emit(engine.Event{Type: engine.EventError,
			Err: fmt.Errorf("realtime: session ended: %w", err)})
	}
}

// bridgeToolCall adapts the provider's callback to the shared handler,
// surfacing lifecycle events so the orchestrator can track pending calls.
func (s *session) bridgeToolCall(name, args string) (string, error) {
	call := types.ToolCall{ID: uuid.NewString(), Name: name, Arguments: args}
	s.emit(engine.Event{Type: engine.EventToolCallStarted, ToolCall: call})

	var content string
	var err error
	if s.cfg.OnToolCall == nil {
		err = fmt.Errorf("realtime: no tool handler registered")
	} else {
		content, err = s.cfg.OnToolCall(s.base, call)
	}

	status := types.ToolCallOK
	if err != nil {
		status = types.ToolCallError
		if errors.Is(err, context.DeadlineExceeded) {
			status = types.ToolCallTimeout
		}
	}
	s.emit(engine.Event{Type: engine.EventToolCallDone, ToolCall: call, ToolStatus: status})
	return content, err
}

// ─── engine.Session interface ────────────────────────────────────────────────

// SendAudio forwards a PCM chunk to the provider.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return fmt.Errorf("realtime: session is closed")
	}
	return s.handle.SendAudio(chunk)
}

// SendText injects text as user context and mirrors it as a final user
// transcript so the caller's history stays consistent.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return fmt.Errorf("realtime: session is closed")
	}
	if err := s.handle.InjectTextContext([]realtime.ContextItem{{Role: "user", Content: text}}); err != nil {
		return fmt.Errorf("realtime: inject text: %w", err)
	}
	s.emit(engine.Event{Type: engine.EventUserFinal, Transcript: types.Transcript{
		Text:       text,
		IsFinal:    true,
		Confidence: 1,
	}})
	return nil
}

// Events implements [engine.Session].
func (s *session) Events() <-chan engine.Event { return s.events }

// Cancel stops the in-progress model generation and discards provider-side
// buffered output audio.
func (s *session) Cancel() error {
	return s.handle.CancelResponse()
}

// Truncate reports the real playback cutoff to the provider so its
// conversation state matches what the user actually heard.
func (s *session) Truncate(itemID string, audioEndMs int) error {
	return s.handle.TruncateAssistantAudio(itemID, audioEndMs)
}

// ClearInput discards input audio the provider has buffered but not yet
// committed to a turn.
func (s *session) ClearInput() error {
	return s.handle.ClearInputBuffer()
}

// SetLanguage steers the model to the new language via a system context item.
// Realtime providers handle recognition and synthesis internally, so there is
// no stream to re-pin.
func (s *session) SetLanguage(language string) error {
	return s.handle.InjectTextContext([]realtime.ContextItem{{
		Role:    "system",
		Content: fmt.Sprintf("The user is now speaking %q. Respond in that language until it changes again.", language),
	}})
}

// UpdateInstructions replaces the provider session's instructions.
func (s *session) UpdateInstructions(instructions string) error {
	return s.handle.UpdateInstructions(instructions)
}

// SetTools replaces the provider session's tool set.
func (s *session) SetTools(tools []types.ToolDefinition) error {
	return s.handle.SetTools(tools)
}

// Err implements [engine.Session].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the provider session, joins the pump, and closes the event
// channel.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.baseCancel()
	_ = s.handle.Close()
	s.wg.Wait()
	close(s.events)
	return nil
}
