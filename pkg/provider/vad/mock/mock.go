// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of Events, one per ProcessFrame call,
// so turn-controller tests can drive exact speech-start/speech-end timings.
package mock

import (
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new empty Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle. Each ProcessFrame
// call pops the next scripted Event; when the script is exhausted it returns
// Silence events.
type Session struct {
	mu sync.Mutex

	// Events is the scripted sequence consumed by ProcessFrame.
	Events []vad.Event

	// ProcessErr, if non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	// RetuneErr, if non-nil, is returned by every Retune call.
	RetuneErr error

	// --- Call records ---

	// ProcessCallCount is the number of ProcessFrame calls.
	ProcessCallCount int

	// RetuneCalls records the Config of every Retune call.
	RetuneCalls []vad.Config

	// ResetCallCount is the number of Reset calls.
	ResetCallCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// ProcessFrame pops and returns the next scripted Event.
func (s *Session) ProcessFrame(_ []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessCallCount++
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	if len(s.Events) == 0 {
		return vad.Event{Type: vad.Silence}, nil
	}
	ev := s.Events[0]
	s.Events = s.Events[1:]
	return ev, nil
}

// Retune records the call and returns RetuneErr.
func (s *Session) Retune(cfg vad.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetuneCalls = append(s.RetuneCalls, cfg)
	return s.RetuneErr
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
