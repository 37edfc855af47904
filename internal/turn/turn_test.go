package turn

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestController(interruptions bool) (*Controller, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := NewController(Config{
		SampleRate:           48000,
		InterruptionsEnabled: interruptions,
		Now:                  clk.Now,
	})
	return c, clk
}

// toAssistantSpeaking walks the controller through a full user turn into
// assistant playback with the given samples already delivered.
func toAssistantSpeaking(t *testing.T, c *Controller, clk *fakeClock, samples int) {
	t.Helper()
	if ok, _ := c.OnSpeechStarted(SourceLocal); !ok {
		t.Fatal("speech start not accepted")
	}
	c.OnSpeechStopped()
	c.OnFinalTranscript()
	if c.State() != StateThinking {
		t.Fatalf("state = %v, want thinking", c.State())
	}
	c.BeginResponse("resp-1", "item-1")
	c.OnAudioDelivered(samples)
	if c.State() != StateAssistantSpeaking {
		t.Fatalf("state = %v, want assistant_speaking", c.State())
	}
	clk.Advance(time.Second)
}

func TestSpeechStartMovesIdleToUserSpeaking(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(true)

	accepted, intr := c.OnSpeechStarted(SourceLocal)
	if !accepted || intr != nil {
		t.Fatalf("accepted = %v, intr = %+v", accepted, intr)
	}
	if c.State() != StateUserSpeaking {
		t.Errorf("state = %v, want user_speaking", c.State())
	}
}

func TestSpeechStartDebounce(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(true)

	c.OnSpeechStarted(SourceLocal)
	clk.Advance(50 * time.Millisecond)
	if accepted, _ := c.OnSpeechStarted(SourceLocal); accepted {
		t.Error("start within 100 ms was accepted")
	}
	clk.Advance(100 * time.Millisecond)
	if accepted, _ := c.OnSpeechStarted(SourceLocal); !accepted {
		t.Error("start after debounce window was dropped")
	}
}

func TestProviderDuplicateCoalesced(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(true)

	c.OnSpeechStarted(SourceLocal)

	// The provider reporting the same utterance 150 ms later is a duplicate.
	clk.Advance(150 * time.Millisecond)
	if accepted, _ := c.OnSpeechStarted(SourceProvider); accepted {
		t.Error("cross-detector duplicate within 200 ms was accepted")
	}

	// Past the window it is a genuine new observation.
	clk.Advance(150 * time.Millisecond)
	if accepted, _ := c.OnSpeechStarted(SourceProvider); !accepted {
		t.Error("provider start past the window was dropped")
	}
}

func TestThinkingRequiresStopAndFinal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		drive func(c *Controller)
	}{
		{"stop_then_final", func(c *Controller) {
			c.OnSpeechStopped()
			c.OnFinalTranscript()
		}},
		{"final_then_stop", func(c *Controller) {
			c.OnFinalTranscript()
			c.OnSpeechStopped()
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestController(true)
			c.OnSpeechStarted(SourceLocal)

			tc.drive(c)
			if c.State() != StateThinking {
				t.Errorf("state = %v, want thinking", c.State())
			}
		})
	}
}

func TestFinalAloneDoesNotLeaveUserSpeaking(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(true)
	c.OnSpeechStarted(SourceLocal)

	c.OnFinalTranscript()
	if c.State() != StateUserSpeaking {
		t.Errorf("state = %v, want user_speaking until speech stops", c.State())
	}
}

func TestInjectedFinalFromIdleMovesToThinking(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(true)

	// test_user_input path: no VAD activity at all.
	c.OnFinalTranscript()
	if c.State() != StateThinking {
		t.Errorf("state = %v, want thinking", c.State())
	}
}

func TestAudioEndMsTracksDeliveredSamples(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(true)
	toAssistantSpeaking(t, c, clk, 4800)

	if got := c.AudioEndMs(); got != 100 {
		t.Errorf("AudioEndMs = %d, want 100", got)
	}
	c.OnAudioDelivered(9600)
	if got := c.AudioEndMs(); got != 300 {
		t.Errorf("AudioEndMs = %d, want 300", got)
	}
}

func TestBargeInProducesInterruption(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(true)
	toAssistantSpeaking(t, c, clk, 9600)

	accepted, intr := c.OnSpeechStarted(SourceLocal)
	if !accepted || intr == nil {
		t.Fatalf("accepted = %v, intr = %+v", accepted, intr)
	}
	if intr.ResponseID != "resp-1" || intr.ItemID != "item-1" {
		t.Errorf("interruption targets %q/%q", intr.ResponseID, intr.ItemID)
	}
	if intr.AudioEndMs != 200 {
		t.Errorf("AudioEndMs = %d, want 200", intr.AudioEndMs)
	}
	if c.State() != StateUserSpeaking {
		t.Errorf("state = %v, want user_speaking", c.State())
	}
}

func TestBargeInDuringThinkingTruncatesAtZero(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(true)

	c.OnSpeechStarted(SourceLocal)
	c.OnSpeechStopped()
	c.OnFinalTranscript()
	c.BeginResponse("resp-1", "item-1")
	clk.Advance(time.Second)

	_, intr := c.OnSpeechStarted(SourceLocal)
	if intr == nil {
		t.Fatal("no interruption during thinking")
	}
	if intr.AudioEndMs != 0 {
		t.Errorf("AudioEndMs = %d, want 0", intr.AudioEndMs)
	}
}

func TestInterruptionsDisabledNeverCutsAssistant(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(false)
	toAssistantSpeaking(t, c, clk, 4800)

	accepted, intr := c.OnSpeechStarted(SourceLocal)
	if !accepted {
		t.Error("speech start itself must still be accepted")
	}
	if intr != nil {
		t.Errorf("interruption = %+v, want nil with interruptions disabled", intr)
	}
	if c.State() != StateAssistantSpeaking {
		t.Errorf("state = %v, want assistant_speaking unchanged", c.State())
	}
}

func TestInterruptionToggleAtRuntime(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(false)
	toAssistantSpeaking(t, c, clk, 4800)

	c.SetInterruptionsEnabled(true)
	_, intr := c.OnSpeechStarted(SourceLocal)
	if intr == nil {
		t.Error("no interruption after enabling at runtime")
	}
}

func TestResponseDoneReturnsToIdle(t *testing.T) {
	t.Parallel()
	c, clk := newTestController(true)
	toAssistantSpeaking(t, c, clk, 4800)

	c.OnResponseDone()
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if c.AudioEndMs() != 0 {
		t.Errorf("AudioEndMs = %d, want 0 after reset", c.AudioEndMs())
	}
}

func TestDuckingAttenuatesAndRestores(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(false)

	// A second of audio lets the 100 ms ramp converge.
	second := make([]byte, 48000*2)

	c.ObserveVoiceActivity(true, 20*time.Millisecond)
	c.ApplyGain(second)
	if g := c.Gain(); g > 0.25 {
		t.Errorf("gain = %v, want ducked to ~0.2", g)
	}

	// 350 ms of observed silence passes the restore hold.
	c.ObserveVoiceActivity(false, 350*time.Millisecond)
	c.ApplyGain(second)
	if g := c.Gain(); g < 0.95 {
		t.Errorf("gain = %v, want restored toward 1.0", g)
	}
}
