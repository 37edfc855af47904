// Package energy implements a VAD engine based on frame energy over an
// adaptive noise floor.
//
// The detector tracks a slow exponential estimate of the background RMS while
// no speech is active and maps the instantaneous signal-to-noise ratio of
// each frame onto a [0,1] speech probability. It has no model weights and no
// cgo dependencies, which makes it the always-on local detector feeding the
// turn controller even when a server-side detector also runs.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
)

// snrRangeDB is the SNR span mapped linearly onto probability [0,1]. A frame
// at or below the noise floor scores 0; a frame 24 dB above it scores 1.
const snrRangeDB = 24.0

// noiseFloorAlpha is the EMA coefficient for the background RMS estimate,
// applied only on non-speech frames so the floor does not chase the voice.
const noiseFloorAlpha = 0.05

// minNoiseFloor keeps the SNR computation stable on digital silence.
const minNoiseFloor = 8.0

// Engine creates energy-based VAD sessions.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}
	s.reset()
	return s, nil
}

func validate(cfg vad.Config) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	switch cfg.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("energy: frame size must be 10, 20 or 30 ms, got %d", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return fmt.Errorf("energy: speech threshold out of range: %f", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return fmt.Errorf("energy: silence threshold must be in [0, speech threshold], got %f", cfg.SilenceThreshold)
	}
	return nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu  sync.Mutex
	cfg vad.Config

	noiseFloor float64
	speaking   bool
	hangLeft   int
	closed     bool
}

func (s *session) frameBytes() int {
	return s.cfg.SampleRate * s.cfg.FrameSizeMs / 1000 * 2
}

func (s *session) hangoverFrames() int {
	if s.cfg.FrameSizeMs == 0 {
		return 0
	}
	return s.cfg.HangoverMs / s.cfg.FrameSizeMs
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes() {
		return vad.Event{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes())
	}

	level := frameRMS(frame)

	snrDB := 20 * math.Log10(math.Max(level, 1)/s.noiseFloor)
	prob := snrDB / snrRangeDB
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}

	ev := vad.Event{Probability: prob}
	switch {
	case !s.speaking && prob >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.hangLeft = s.hangoverFrames()
		ev.Type = vad.SpeechStart

	case s.speaking && prob > s.cfg.SilenceThreshold:
		s.hangLeft = s.hangoverFrames()
		ev.Type = vad.SpeechContinue

	case s.speaking:
		// Below the silence threshold: hold the segment open through the
		// hangover window before declaring the end.
		if s.hangLeft > 0 {
			s.hangLeft--
			ev.Type = vad.SpeechContinue
		} else {
			s.speaking = false
			ev.Type = vad.SpeechEnd
		}

	default:
		ev.Type = vad.Silence
	}

	// The noise floor adapts only outside speech segments.
	if ev.Type == vad.Silence || ev.Type == vad.SpeechEnd {
		s.noiseFloor += noiseFloorAlpha * (level - s.noiseFloor)
		if s.noiseFloor < minNoiseFloor {
			s.noiseFloor = minNoiseFloor
		}
	}

	return ev, nil
}

// Retune implements vad.SessionHandle.
func (s *session) Retune(cfg vad.Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.SampleRate != s.cfg.SampleRate || cfg.FrameSizeMs != s.cfg.FrameSizeMs {
		return fmt.Errorf("energy: retune cannot change audio format")
	}
	s.cfg = cfg
	return nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *session) reset() {
	s.noiseFloor = 400 // conservative initial floor, adapts within ~1 s
	s.speaking = false
	s.hangLeft = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var acc float64
	for i := 0; i < n; i++ {
		v := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		acc += v * v
	}
	return math.Sqrt(acc / float64(n))
}
