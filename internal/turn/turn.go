// Package turn implements the per-participant turn and interruption state
// machine.
//
// The controller arbitrates between user speech and assistant playback:
// speech-start observations from the local VAD and the provider's server-side
// detector are debounced and coalesced into a single decision stream, and a
// barge-in while the assistant is thinking or speaking yields an
// [Interruption] carrying the sample-accurate playback offset at which the
// assistant must be truncated. It also owns the ducking gain ramp applied to
// outbound assistant audio while the user talks over it.
//
// The orchestrator's event loop drives the controller; all methods are safe
// for concurrent use so the transport write loop can apply gain from its own
// goroutine.
package turn

import (
	"sync"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
)

// State is the controller's position in the turn cycle.
type State int

const (
	// StateIdle means nobody is speaking and nothing is generating.
	StateIdle State = iota

	// StateUserSpeaking means the user holds the floor.
	StateUserSpeaking

	// StateThinking means a final transcript is in and the assistant is
	// generating but has not yet produced audio.
	StateThinking

	// StateAssistantSpeaking means assistant audio is being delivered.
	StateAssistantSpeaking
)

// String returns a short label for logging and state_update messages.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateThinking:
		return "thinking"
	case StateAssistantSpeaking:
		return "assistant_speaking"
	default:
		return "unknown"
	}
}

// Source identifies which detector produced a speech boundary.
type Source int

const (
	// SourceLocal is the in-process energy VAD.
	SourceLocal Source = iota

	// SourceProvider is the provider's server-side detector.
	SourceProvider
)

const (
	// DefaultSampleRate is the transport playback rate used to convert
	// delivered sample counts into milliseconds.
	DefaultSampleRate = 48000

	// speechStartDebounce drops speech starts arriving hard on the heels of
	// an accepted one.
	speechStartDebounce = 100 * time.Millisecond

	// duplicateWindow coalesces the provider's notification of the same
	// utterance start the local detector already reported (or vice versa).
	duplicateWindow = 200 * time.Millisecond
)

// Interruption is the action package produced by a barge-in. The orchestrator
// cancels generation, drops queued audio for ResponseID, and truncates the
// provider-side item at AudioEndMs.
type Interruption struct {
	// ResponseID and ItemID identify the generation being cut off.
	ResponseID string
	ItemID     string

	// AudioEndMs is the playback position actually delivered to the
	// transport, in milliseconds. Always derived from delivered samples, not
	// synthesised ones, because synthesis outpaces playback.
	AudioEndMs int
}

// Config tunes a [Controller].
type Config struct {
	// SampleRate is the transport playback rate. Default: 48000.
	SampleRate int

	// InterruptionsEnabled is the initial barge-in policy; toggled at
	// runtime via [Controller.SetInterruptionsEnabled].
	InterruptionsEnabled bool

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// Controller is the per-participant turn state machine.
type Controller struct {
	mu sync.Mutex

	now           func() time.Time
	sampleRate    int
	interruptions bool

	state        State
	lastStart    time.Time
	lastStartSrc Source

	// speechStopped and finalSeen gate the UserSpeaking → Thinking
	// transition: both the VAD boundary and the authoritative transcript
	// must be in.
	speechStopped bool
	finalSeen     bool

	respID      string
	itemID      string
	samplesSent int

	gain *audio.GainRamp
}

// NewController builds a controller in [StateIdle].
func NewController(cfg Config) *Controller {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		now:           cfg.Now,
		sampleRate:    cfg.SampleRate,
		interruptions: cfg.InterruptionsEnabled,
		gain:          audio.NewGainRamp(cfg.SampleRate),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetInterruptionsEnabled toggles the barge-in policy. A disabled controller
// still tracks user speech; it just never cuts the assistant off.
func (c *Controller) SetInterruptionsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interruptions = enabled
}

// OnSpeechStarted feeds a speech-start boundary from src. It reports whether
// the event was accepted (false when debounced or coalesced with a duplicate
// from the other detector) and, when the start interrupts the assistant, the
// [Interruption] to execute. The controller is authoritative: provider
// boundaries never trigger cancellation on their own.
func (c *Controller) OnSpeechStarted(src Source) (accepted bool, intr *Interruption) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastStart.IsZero() {
		since := now.Sub(c.lastStart)
		if since < speechStartDebounce {
			return false, nil
		}
		if src != c.lastStartSrc && since < duplicateWindow {
			return false, nil
		}
	}
	c.lastStart = now
	c.lastStartSrc = src
	c.speechStopped = false
	c.finalSeen = false
	c.gain.Duck()

	switch c.state {
	case StateIdle:
		c.state = StateUserSpeaking
		return true, nil
	case StateUserSpeaking:
		return true, nil
	default: // Thinking or AssistantSpeaking
		if !c.interruptions {
			return true, nil
		}
		intr = &Interruption{
			ResponseID: c.respID,
			ItemID:     c.itemID,
			AudioEndMs: c.audioEndMsLocked(),
		}
		c.state = StateUserSpeaking
		c.respID, c.itemID = "", ""
		c.samplesSent = 0
		return true, intr
	}
}

// OnSpeechStopped feeds a speech-stop boundary. The transition to Thinking
// waits until the final transcript has also arrived.
func (c *Controller) OnSpeechStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speechStopped = true
	c.maybeThinkLocked()
}

// OnFinalTranscript records that an authoritative user transcript landed.
// From Idle (injected text, no VAD activity) it moves straight to Thinking.
func (c *Controller) OnFinalTranscript() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalSeen = true
	c.maybeThinkLocked()
}

func (c *Controller) maybeThinkLocked() {
	if !c.finalSeen {
		return
	}
	switch {
	case c.state == StateIdle:
		c.state = StateThinking
	case c.state == StateUserSpeaking && c.speechStopped:
		c.state = StateThinking
	default:
		return
	}
	c.speechStopped = false
	c.finalSeen = false
}

// BeginResponse binds the controller to a new generation and resets the
// delivered-sample counter.
func (c *Controller) BeginResponse(responseID, itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respID = responseID
	c.itemID = itemID
	c.samplesSent = 0
}

// OnAudioDelivered records samples actually handed to the transport for the
// current response. The first delivery moves Thinking to AssistantSpeaking.
func (c *Controller) OnAudioDelivered(samples int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplesSent += samples
	if c.state == StateThinking {
		c.state = StateAssistantSpeaking
	}
}

// OnResponseDone returns the controller to Idle once the assistant's turn has
// fully played out.
func (c *Controller) OnResponseDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateThinking || c.state == StateAssistantSpeaking {
		c.state = StateIdle
	}
	c.respID, c.itemID = "", ""
	c.samplesSent = 0
}

// AudioEndMs returns the playback offset delivered so far for the current
// response, in milliseconds.
func (c *Controller) AudioEndMs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEndMsLocked()
}

func (c *Controller) audioEndMsLocked() int {
	return c.samplesSent * 1000 / c.sampleRate
}

// ObserveVoiceActivity drives the ducking ramp from per-frame VAD results:
// speech keeps the duck engaged, silence accumulates toward the restore hold.
func (c *Controller) ObserveVoiceActivity(speaking bool, frame time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if speaking {
		c.gain.Duck()
	} else {
		c.gain.ObserveSilence(frame)
	}
}

// ApplyGain scales an outbound assistant PCM16 buffer in place through the
// ducking ramp. Called by the transport write loop for every frame.
func (c *Controller) ApplyGain(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain.Apply(pcm)
}

// Gain returns the instantaneous ducking gain. Intended for tests.
func (c *Controller) Gain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain.Gain()
}
