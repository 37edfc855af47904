// Package mock provides test doubles for the engine package interfaces.
//
// Session exposes EventsCh directly so tests can script the full event stream
// the orchestrator consumes, and records every control call (cancel,
// truncate, language switch) for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// OpenCall records a single invocation of Engine.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Open.
	Cfg engine.SessionConfig
}

// Engine is a mock implementation of engine.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by Open. If nil, Open returns a new default
	// Session with a buffered event channel.
	Session engine.Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// VariantName is returned by Variant. Defaults to engine.VariantPipeline
	// when empty.
	VariantName string

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns Session, OpenErr.
func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OpenCalls = append(e.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return NewSession(), nil
}

// Variant returns VariantName, defaulting to engine.VariantPipeline.
func (e *Engine) Variant() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.VariantName == "" {
		return engine.VariantPipeline
	}
	return e.VariantName
}

var _ engine.Engine = (*Engine)(nil)

// TruncateCall records a single invocation of Session.Truncate.
type TruncateCall struct {
	ItemID     string
	AudioEndMs int
}

// Session is a mock implementation of engine.Session. Tests own EventsCh:
// send the events the consumer should receive, then call Close (which closes
// the channel) or close it directly.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events().
	EventsCh chan engine.Event

	// ErrVal is returned by Err.
	ErrVal error

	// Errs returned by the corresponding methods, if non-nil.
	SendAudioErr   error
	SendTextErr    error
	CancelErr      error
	TruncateErr    error
	ClearInputErr  error
	SetLanguageErr error
	InstructionErr error
	SetToolsErr    error

	// --- Call records ---

	// SendAudioChunks records a copy of every chunk passed to SendAudio.
	SendAudioChunks [][]byte

	// SendTextCalls records every SendText call.
	SendTextCalls []string

	// CancelCallCount is the number of Cancel calls.
	CancelCallCount int

	// TruncateCalls records every Truncate call.
	TruncateCalls []TruncateCall

	// ClearInputCallCount is the number of ClearInput calls.
	ClearInputCallCount int

	// SetLanguageCalls records every SetLanguage call.
	SetLanguageCalls []string

	// InstructionCalls records every UpdateInstructions call.
	InstructionCalls []string

	// SetToolsCalls records the tool list of every SetTools call.
	SetToolsCalls [][]types.ToolDefinition

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan engine.Event, 64)}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioChunks = append(s.SendAudioChunks, cp)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan engine.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Cancel records the call and returns CancelErr.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCallCount++
	return s.CancelErr
}

// Truncate records the call and returns TruncateErr.
func (s *Session) Truncate(itemID string, audioEndMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TruncateCalls = append(s.TruncateCalls, TruncateCall{ItemID: itemID, AudioEndMs: audioEndMs})
	return s.TruncateErr
}

// ClearInput records the call and returns ClearInputErr.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearInputCallCount++
	return s.ClearInputErr
}

// SetLanguage records the call and returns SetLanguageErr.
func (s *Session) SetLanguage(language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetLanguageCalls = append(s.SetLanguageCalls, language)
	return s.SetLanguageErr
}

// UpdateInstructions records the call and returns InstructionErr.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InstructionCalls = append(s.InstructionCalls, instructions)
	return s.InstructionErr
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

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and closes EventsCh on the first invocation.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.CloseCallCount == 1 {
		close(s.EventsCh)
	}
	return nil
}

// CancelCount returns the number of Cancel calls. Thread-safe.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCallCount
}

// Truncations returns a snapshot of TruncateCalls. Thread-safe.
func (s *Session) Truncations() []TruncateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]TruncateCall, len(s.TruncateCalls))
	copy(snap, s.TruncateCalls)
	return snap
}

// ClearInputCount returns the number of ClearInput calls. Thread-safe.
func (s *Session) ClearInputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearInputCallCount
}

// SentTexts returns a snapshot of SendTextCalls. Thread-safe.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]string, len(s.SendTextCalls))
	copy(snap, s.SendTextCalls)
	return snap
}

// Languages returns a snapshot of SetLanguageCalls. Thread-safe.
func (s *Session) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]string, len(s.SetLanguageCalls))
	copy(snap, s.SetLanguageCalls)
	return snap
}

var _ engine.Session = (*Session)(nil)
