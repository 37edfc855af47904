package energy

import (
	"math"
	"testing"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

func testConfig() vad.Config {
	return vad.ConfigForEnvironment(types.EnvMedium, 16000)
}

// frame produces one 20 ms PCM16 frame at 16 kHz with the given amplitude.
func frame(amplitude float64) []byte {
	const n = 320
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*200*float64(i)/16000))
		out[i*2] = byte(uint16(v))
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	e := New()
	cases := []struct {
		name string
		mod  func(*vad.Config)
	}{
		{"zero sample rate", func(c *vad.Config) { c.SampleRate = 0 }},
		{"bad frame size", func(c *vad.Config) { c.FrameSizeMs = 25 }},
		{"threshold above one", func(c *vad.Config) { c.SpeechThreshold = 1.5 }},
		{"silence above speech", func(c *vad.Config) { c.SilenceThreshold = 0.9 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mod(&cfg)
			if _, err := e.NewSession(cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

func TestSession_WrongFrameSize(t *testing.T) {
	t.Parallel()

	s, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("wrong frame size: want error, got nil")
	}
}

func TestSession_DetectsSpeechSegment(t *testing.T) {
	t.Parallel()

	s, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Settle the noise floor on near-silence.
	for i := 0; i < 50; i++ {
		ev, err := s.ProcessFrame(frame(20))
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if i > 10 && ev.Type != vad.Silence {
			t.Fatalf("frame %d during silence: got %v", i, ev.Type)
		}
	}

	// Loud speech triggers a start, then continues.
	ev, err := s.ProcessFrame(frame(12000))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.SpeechStart {
		t.Fatalf("loud frame: want SpeechStart, got %v (prob %.2f)", ev.Type, ev.Probability)
	}
	ev, _ = s.ProcessFrame(frame(12000))
	if ev.Type != vad.SpeechContinue {
		t.Fatalf("second loud frame: want SpeechContinue, got %v", ev.Type)
	}

	// Silence holds the segment open through the hangover, then ends it.
	sawEnd := false
	for i := 0; i < 30; i++ {
		ev, _ = s.ProcessFrame(frame(20))
		if ev.Type == vad.SpeechEnd {
			sawEnd = true
			break
		}
		if ev.Type != vad.SpeechContinue {
			t.Fatalf("frame %d after speech: want SpeechContinue or SpeechEnd, got %v", i, ev.Type)
		}
	}
	if !sawEnd {
		t.Error("speech segment never ended after silence")
	}

	// Hangover should cover at least the configured window.
	hangFrames := testConfig().HangoverMs / testConfig().FrameSizeMs
	if hangFrames < 10 {
		t.Fatalf("test assumes a hangover of at least 10 frames, got %d", hangFrames)
	}
}

func TestSession_NoisyPresetIgnoresModerateSound(t *testing.T) {
	t.Parallel()

	quiet, err := New().NewSession(vad.ConfigForEnvironment(types.EnvQuiet, 16000))
	if err != nil {
		t.Fatalf("NewSession quiet: %v", err)
	}
	noisy, err := New().NewSession(vad.ConfigForEnvironment(types.EnvNoisy, 16000))
	if err != nil {
		t.Fatalf("NewSession noisy: %v", err)
	}

	// Fully settle the noise floor so both sessions share the same baseline.
	for i := 0; i < 200; i++ {
		quiet.ProcessFrame(frame(20))
		noisy.ProcessFrame(frame(20))
	}

	// A moderate level (~12 dB over the floor) triggers the quiet preset but
	// not the noisy one.
	evQuiet, _ := quiet.ProcessFrame(frame(80))
	evNoisy, _ := noisy.ProcessFrame(frame(80))
	if evQuiet.Type != vad.SpeechStart {
		t.Errorf("quiet preset: want SpeechStart, got %v (prob %.2f)", evQuiet.Type, evQuiet.Probability)
	}
	if evNoisy.Type == vad.SpeechStart {
		t.Errorf("noisy preset: moderate sound must not start speech (prob %.2f)", evNoisy.Probability)
	}
}

func TestSession_RetuneKeepsFormat(t *testing.T) {
	t.Parallel()

	s, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	cfg := vad.ConfigForEnvironment(types.EnvNoisy, 16000)
	if err := s.Retune(cfg); err != nil {
		t.Fatalf("Retune to noisy: %v", err)
	}

	cfg.SampleRate = 48000
	if err := s.Retune(cfg); err == nil {
		t.Error("retune changing sample rate: want error, got nil")
	}
}

func TestSession_ClosedReturnsError(t *testing.T) {
	t.Parallel()

	s, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(frame(20)); err == nil {
		t.Error("ProcessFrame after Close: want error, got nil")
	}
}
