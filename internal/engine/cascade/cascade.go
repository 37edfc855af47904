// Package cascade implements the discrete STT → LLM → TTS pipeline variant of
// [engine.Engine].
//
// Audio flows into a streaming STT session; final transcripts trigger an LLM
// generation whose text deltas are cut into sentences and fed to TTS while the
// model is still producing, so playback starts well before the full reply
// exists. Tool calls interrupt synthesis: the engine resolves them through the
// registered handler, appends the results to the conversation, and asks the
// model to continue, up to a bounded number of rounds per turn.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/stt"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/tts"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

const (
	// defaultHardTimeout is the wall-clock bound on one full generation,
	// including all tool rounds. Past it the turn is abandoned.
	defaultHardTimeout = 40 * time.Second

	// defaultMaxToolRounds bounds model→tool→model iterations per turn.
	defaultMaxToolRounds = 4

	// defaultEventBuf is the buffer depth of the session event channel.
	defaultEventBuf = 64

	// defaultTextBuf is the buffer depth of the sentence channel feeding TTS.
	defaultTextBuf = 16
)

// Config holds the providers and tuning for a cascade [Engine].
type Config struct {
	// STT, LLM, and TTS are the three pipeline stages. All required.
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// HardTimeout bounds one generation including tool rounds. Default: 40s.
	HardTimeout time.Duration

	// MaxToolRounds bounds tool iterations per turn. Default: 4.
	MaxToolRounds int

	// EventBuf is the event channel capacity. Default: 64.
	EventBuf int
}

// Engine opens cascade sessions. Safe for concurrent use.
type Engine struct {
	cfg Config
}

var _ engine.Engine = (*Engine)(nil)

// New validates cfg and builds a cascade [Engine].
func New(cfg Config) (*Engine, error) {
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, fmt.Errorf("cascade: STT, LLM, and TTS providers are all required")
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = defaultHardTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.EventBuf <= 0 {
		cfg.EventBuf = defaultEventBuf
	}
	return &Engine{cfg: cfg}, nil
}

// Variant implements [engine.Engine].
func (e *Engine) Variant() string { return engine.VariantPipeline }

// Open implements [engine.Engine]. It starts the STT stream, loads the voice
// catalogue, and begins pumping transcripts into the event stream.
func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	sttSess, err := e.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		Language:       cfg.Language,
		DetectLanguage: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cascade: start STT stream: %w", err)
	}

	voices, err := e.cfg.TTS.ListVoices(ctx)
	if err != nil {
		slog.Warn("voice catalogue unavailable, keeping configured voice",
			"participant_id", cfg.Identity, "error", err)
	}

	base, cancel := context.WithCancel(ctx)
	s := &session{
		eng:          e,
		cfg:          cfg,
		base:         base,
		baseCancel:   cancel,
		sttSess:      sttSess,
		voices:       voices,
		voice:        cfg.Voice,
		instructions: cfg.Instructions,
		language:     cfg.Language,
		tools:        append([]types.ToolDefinition(nil), cfg.Tools...),
		history:      append([]types.Message(nil), cfg.History...),
		events:       make(chan engine.Event, e.cfg.EventBuf),
		done:         make(chan struct{}),
	}
	if s.voice.ID == "" {
		if v, ok := tts.VoiceForLanguage(voices, cfg.Language); ok {
			s.voice = v
		}
	}

	s.wg.Add(1)
	go s.pump(sttSess.Partials(), sttSess.Finals())
	return s, nil
}

// session is one participant's cascade session.
type session struct {
	eng *Engine
	cfg engine.SessionConfig

	base       context.Context
	baseCancel context.CancelFunc

	events chan engine.Event
	done   chan struct{}

	mu           sync.Mutex
	sttSess      stt.SessionHandle
	voices       []types.VoiceProfile
	voice        types.VoiceProfile
	instructions string
	language     string
	tools        []types.ToolDefinition
	history      []types.Message
	genCancel    context.CancelFunc
	err          error
	closed       bool

	// wg tracks the transcript pump and generation goroutines so Close can
	// join them before closing the event channel.
	wg sync.WaitGroup
}

var _ engine.Session = (*session)(nil)

// pump forwards STT transcripts into the event stream and triggers a
// generation on every final. It exits when both STT channels close or the
// session is closed.
func (s *session) pump(partials, finals <-chan types.Transcript) {
	defer s.wg.Done()
	for partials != nil || finals != nil {
		select {
		case <-s.done:
			return
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.emit(engine.Event{Type: engine.EventUserPartial, Transcript: tr})
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.emit(engine.Event{Type: engine.EventUserFinal, Transcript: tr})
			s.startGeneration(tr.Text)
		}
	}
}

// emit delivers ev unless the session is closing.
func (s *session) emit(ev engine.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// startGeneration appends the user turn to the history and launches a
// generation goroutine. A still-running generation is superseded: the new
// final wins.
func (s *session) startGeneration(userText string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.genCancel != nil {
		s.genCancel()
	}
	s.history = append(s.history, types.Message{Role: "user", Content: userText})
	genCtx, cancel := context.WithTimeout(s.base, s.eng.cfg.HardTimeout)
	s.genCancel = cancel
	s.mu.Unlock()

	respID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.generate(genCtx, respID)
	}()
}

// generate runs one full turn: model stream → synthesis, iterating through
// tool rounds until the model produces a plain reply.
func (s *session) generate(ctx context.Context, respID string) {
	for round := 0; round < s.eng.cfg.MaxToolRounds; round++ {
		s.mu.Lock()
		req := llm.CompletionRequest{
			Messages:     append([]types.Message(nil), s.history...),
			Tools:        append([]types.ToolDefinition(nil), s.tools...),
			SystemPrompt: s.instructions,
			Language:     s.language,
		}
		voice := s.voice
		s.mu.Unlock()

		ch, err := s.eng.cfg.LLM.StreamCompletion(ctx, req)
		if err != nil {
			s.emit(engine.Event{Type: engine.EventError, ResponseID: respID,
				Err: fmt.Errorf("cascade: llm stream: %w", err)})
			return
		}

		text, calls, err := s.speakStream(ctx, respID, voice, ch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Barge-in or superseding final; nothing to report.
				return
			}
			s.emit(engine.Event{Type: engine.EventError, ResponseID: respID, Err: err})
			return
		}

		if len(calls) == 0 {
			s.mu.Lock()
			s.history = append(s.history, types.Message{Role: "assistant", Content: text})
			s.mu.Unlock()
			s.emit(engine.Event{Type: engine.EventAssistantDone, ResponseID: respID, Text: text})
			s.emit(engine.Event{Type: engine.EventAudioDone, ResponseID: respID, ItemID: respID})
			return
		}

		s.runToolRound(ctx, respID, text, calls)
		if ctx.Err() != nil {
			return
		}
	}
	s.emit(engine.Event{Type: engine.EventError, ResponseID: respID,
		Err: fmt.Errorf("cascade: gave up after %d tool rounds", s.eng.cfg.MaxToolRounds)})
}

// speakStream consumes LLM chunks, emits text deltas, feeds complete
// sentences into a TTS stream, and forwards the synthesised audio as events.
// It returns the accumulated reply text and any tool calls the model
// requested. A nil error with non-empty calls means a tool round is needed.
func (s *session) speakStream(ctx context.Context, respID string, voice types.VoiceProfile, ch <-chan llm.Chunk) (string, []types.ToolCall, error) {
	textCh := make(chan string, defaultTextBuf)
	audioCh, err := s.eng.cfg.TTS.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		close(textCh)
		return "", nil, fmt.Errorf("cascade: tts start: %w", err)
	}

	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		for chunk := range audioCh {
			s.emit(engine.Event{Type: engine.EventAudio, ResponseID: respID, ItemID: respID, PCM: chunk})
		}
	}()

	var full, buf strings.Builder
	var calls []types.ToolCall
	var streamErr error

loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop
		case chunk, ok := <-ch:
			if !ok {
				break loop
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
				s.emit(engine.Event{Type: engine.EventAssistantDelta, ResponseID: respID, Text: chunk.Text})
				flushSentences(ctx, &buf, textCh)
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.FinishReason == "error" {
				streamErr = fmt.Errorf("cascade: llm stream failed mid-generation")
				break loop
			}
			if chunk.FinishReason != "" {
				break loop
			}
		}
	}

	// Flush the trailing partial sentence before ending synthesis.
	if streamErr == nil && buf.Len() > 0 {
		select {
		case textCh <- buf.String():
		case <-ctx.Done():
		}
	}
	close(textCh)
	fwd.Wait()

	if streamErr != nil {
		return full.String(), calls, streamErr
	}
	return full.String(), calls, nil
}

// runToolRound resolves the model's tool calls through the registered handler
// and appends the exchange to the history for the next round.
func (s *session) runToolRound(ctx context.Context, respID, text string, calls []types.ToolCall) {
	s.mu.Lock()
	s.history = append(s.history, types.Message{Role: "assistant", Content: text, ToolCalls: calls})
	handler := s.cfg.OnToolCall
	s.mu.Unlock()

	for _, call := range calls {
		s.emit(engine.Event{Type: engine.EventToolCallStarted, ResponseID: respID, ToolCall: call})

		var content string
		var err error
		if handler == nil {
			err = fmt.Errorf("cascade: no tool handler registered")
		} else {
			content, err = handler(ctx, call)
		}

		status := types.ToolCallOK
		if err != nil {
			status = types.ToolCallError
			if errors.Is(err, context.DeadlineExceeded) {
				status = types.ToolCallTimeout
			}
			content = fmt.Sprintf(`{"error":%q}`, err.Error())
			slog.Warn("tool call failed",
				"participant_id", s.cfg.Identity, "call_id", call.ID,
				"tool", call.Name, "error", err)
		}
		s.emit(engine.Event{Type: engine.EventToolCallDone, ResponseID: respID,
			ToolCall: call, ToolStatus: status})

		s.mu.Lock()
		s.history = append(s.history, types.Message{Role: "tool", Content: content, ToolCallID: call.ID})
		s.mu.Unlock()
	}
}

// ─── engine.Session interface ────────────────────────────────────────────────

// SendAudio forwards a PCM chunk to the STT stream.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	sess := s.sttSess
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("cascade: session is closed")
	}
	return sess.SendAudio(chunk)
}

// SendText injects text as a final user transcript and triggers a reply.
func (s *session) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("cascade: session is closed")
	}
	s.mu.Unlock()

	s.emit(engine.Event{Type: engine.EventUserFinal, Transcript: types.Transcript{
		Text:       text,
		IsFinal:    true,
		Confidence: 1,
	}})
	s.startGeneration(text)
	return nil
}

// Events implements [engine.Session].
func (s *session) Events() <-chan engine.Event { return s.events }

// Cancel aborts the in-flight generation, stopping the LLM stream and TTS.
func (s *session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	return nil
}

// Truncate implements [engine.Session]. The cascade holds no provider-side
// playback state; the conversation-history marking lives with the caller.
func (s *session) Truncate(itemID string, audioEndMs int) error {
	slog.Debug("assistant audio truncated",
		"participant_id", s.cfg.Identity, "response_id", itemID, "audio_end_ms", audioEndMs)
	return nil
}

// ClearInput implements [engine.Session]. Inbound audio goes straight into
// the STT stream as it arrives, so there is no engine-side buffer to discard.
func (s *session) ClearInput() error {
	slog.Debug("input buffer clear requested",
		"participant_id", s.cfg.Identity)
	return nil
}

// SetLanguage re-pins STT recognition and switches to a voice tuned for the
// new language. Providers that cannot switch in place get a fresh stream.
func (s *session) SetLanguage(language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("cascade: session is closed")
	}
	if language == s.language {
		return nil
	}
	s.language = language
	if v, ok := tts.VoiceForLanguage(s.voices, language); ok {
		s.voice = v
	}

	if err := s.sttSess.SetLanguage(language); err == nil {
		return nil
	}

	// In-place switch unsupported: reopen the stream. The old pump drains
	// out when the closed session's channels close.
	_ = s.sttSess.Close()
	fresh, err := s.eng.cfg.STT.StartStream(s.base, stt.StreamConfig{
		SampleRate:     s.cfg.SampleRate,
		Channels:       s.cfg.Channels,
		Language:       language,
		DetectLanguage: true,
	})
	if err != nil {
		return fmt.Errorf("cascade: reopen STT stream for %q: %w", language, err)
	}
	s.sttSess = fresh
	s.wg.Add(1)
	go s.pump(fresh.Partials(), fresh.Finals())
	return nil
}

// UpdateInstructions replaces the system prompt for subsequent generations.
func (s *session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = instructions
	return nil
}

// SetTools replaces the tool set for subsequent generations.
func (s *session) SetTools(tools []types.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append([]types.ToolDefinition(nil), tools...)
	return nil
}

// Err implements [engine.Session].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session, joins all goroutines, and closes the event channel.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.baseCancel()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	sttSess := s.sttSess
	s.mu.Unlock()

	_ = sttSess.Close()
	s.wg.Wait()
	close(s.events)
	return nil
}

// flushSentences forwards every complete sentence in buf to textCh, keeping
// the trailing fragment for the next delta. Eager sentence flushing is what
// lets TTS start before the model finishes.
func flushSentences(ctx context.Context, buf *strings.Builder, textCh chan<- string) {
	for {
		idx := sentenceBoundary(buf.String())
		if idx < 0 {
			return
		}
		sentence := buf.String()[:idx+1]
		rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
		buf.Reset()
		buf.WriteString(rest)
		select {
		case textCh <- sentence:
		case <-ctx.Done():
			return
		}
	}
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
