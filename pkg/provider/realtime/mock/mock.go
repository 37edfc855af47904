// Package mock provides test doubles for the realtime package interfaces.
//
// Session exposes its channels directly so tests can script audio deltas,
// transcripts, and speech boundaries, and records every control call the
// engine makes (cancel, truncate, clear).
package mock

import (
	"context"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new default
	// Session with buffered channels.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Caps is returned by Capabilities.
	Caps realtime.Capabilities

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

var _ realtime.Provider = (*Provider)(nil)

// TruncateCall records a single invocation of TruncateAssistantAudio.
type TruncateCall struct {
	ItemID     string
	AudioEndMs int
}

// Session is a mock implementation of realtime.SessionHandle. Tests own the
// channels: send the values the consumer should receive, then close them.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio().
	AudioCh chan realtime.AudioDelta

	// TranscriptsCh is the channel returned by Transcripts().
	TranscriptsCh chan realtime.TranscriptEvent

	// SpeechCh is the channel returned by SpeechEvents().
	SpeechCh chan realtime.SpeechEvent

	// ErrVal is returned by Err.
	ErrVal error

	// Errs returned by the corresponding control methods, if non-nil.
	SendAudioErr    error
	SetToolsErr     error
	InstructionsErr error
	InjectErr       error
	CancelErr       error
	TruncateErr     error
	ClearErr        error

	// --- Call records ---

	// Handler is the last ToolCallHandler registered via OnToolCall.
	Handler realtime.ToolCallHandler

	// SendAudioChunks records a copy of every chunk passed to SendAudio.
	SendAudioChunks [][]byte

	// SetToolsCalls records the tool list of every SetTools call.
	SetToolsCalls [][]types.ToolDefinition

	// InstructionsCalls records every UpdateInstructions call.
	InstructionsCalls []string

	// InjectCalls records every InjectTextContext call.
	InjectCalls [][]realtime.ContextItem

	// CancelCallCount is the number of CancelResponse calls.
	CancelCallCount int

	// TruncateCalls records every TruncateAssistantAudio call.
	TruncateCalls []TruncateCall

	// ClearCallCount is the number of ClearInputBuffer calls.
	ClearCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// NewSession returns a Session with buffered channels ready for scripting.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan realtime.AudioDelta, 64),
		TranscriptsCh: make(chan realtime.TranscriptEvent, 16),
		SpeechCh:      make(chan realtime.SpeechEvent, 8),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioChunks = append(s.SendAudioChunks, cp)
	return s.SendAudioErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan realtime.AudioDelta { return s.AudioCh }

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan realtime.TranscriptEvent { return s.TranscriptsCh }

// SpeechEvents returns SpeechCh.
func (s *Session) SpeechEvents() <-chan realtime.SpeechEvent { return s.SpeechCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// OnToolCall stores the handler.
func (s *Session) OnToolCall(handler realtime.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Handler = handler
}

// SetTools records the call and returns SetToolsErr.
func (s *Session) SetTools(tools []types.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.ToolDefinition, len(tools))
	copy(cp, tools)
	s.SetToolsCalls = append(s.SetToolsCalls, cp)
	return s.SetToolsErr
}

// UpdateInstructions records the call and returns InstructionsErr.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InstructionsCalls = append(s.InstructionsCalls, instructions)
	return s.InstructionsErr
}

// InjectTextContext records the call and returns InjectErr.
func (s *Session) InjectTextContext(items []realtime.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]realtime.ContextItem, len(items))
	copy(cp, items)
	s.InjectCalls = append(s.InjectCalls, cp)
	return s.InjectErr
}

// CancelResponse records the call and returns CancelErr.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCallCount++
	return s.CancelErr
}

// TruncateAssistantAudio records the call and returns TruncateErr.
func (s *Session) TruncateAssistantAudio(itemID string, audioEndMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TruncateCalls = append(s.TruncateCalls, TruncateCall{ItemID: itemID, AudioEndMs: audioEndMs})
	return s.TruncateErr
}

// ClearInputBuffer records the call and returns ClearErr.
func (s *Session) ClearInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCallCount++
	return s.ClearErr
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

var _ realtime.SessionHandle = (*Session)(nil)
