package audio

import (
	"math"
	"time"
)

// Ducking defaults: −14 dB target while the user speaks, 100 ms exponential
// approach, restore only after 300 ms of user silence.
const (
	duckTargetGain  = 0.2
	duckTimeConst   = 100 * time.Millisecond
	duckRestoreHold = 300 * time.Millisecond
)

// GainRamp attenuates outbound assistant audio while the user is speaking
// (ducking) and restores it smoothly after a silence hold. The ramp is
// exponential with a fixed time constant, evaluated per-sample so gain
// changes never produce audible steps.
//
// GainRamp is not safe for concurrent use; the transport write loop owns it.
type GainRamp struct {
	sampleRate int

	current float64
	target  float64

	// alpha is the per-sample smoothing coefficient derived from the time
	// constant at the configured sample rate.
	alpha float64

	// silentSince is the accumulated user-silence duration since ducking was
	// last requested. The ramp restores once it exceeds duckRestoreHold.
	silentSince time.Duration
	ducked      bool
}

// NewGainRamp creates a ramp for streams at the given sample rate.
func NewGainRamp(sampleRate int) *GainRamp {
	g := &GainRamp{
		sampleRate: sampleRate,
		current:    1.0,
		target:     1.0,
	}
	samplesPerTC := float64(sampleRate) * duckTimeConst.Seconds()
	g.alpha = 1 - math.Exp(-1/samplesPerTC)
	return g
}

// Duck requests attenuation to the ducking target. Called on every user
// speech-started observation; repeated calls reset the restore hold.
func (g *GainRamp) Duck() {
	g.target = duckTargetGain
	g.ducked = true
	g.silentSince = 0
}

// ObserveSilence informs the ramp that the user has been silent for d since
// the last observation. Once accumulated silence passes the restore hold the
// gain target returns to unity.
func (g *GainRamp) ObserveSilence(d time.Duration) {
	if !g.ducked {
		return
	}
	g.silentSince += d
	if g.silentSince >= duckRestoreHold {
		g.target = 1.0
		g.ducked = false
	}
}

// Apply scales the little-endian PCM16 buffer in place, advancing the
// exponential ramp one step per sample. Unity gain with no pending ramp is a
// no-op.
func (g *GainRamp) Apply(pcm []byte) {
	if g.current == 1.0 && g.target == 1.0 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		g.current += g.alpha * (g.target - g.current)
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		v := clampInt16(s * g.current)
		pcm[i] = byte(uint16(v))
		pcm[i+1] = byte(uint16(v) >> 8)
	}
	// Snap when the ramp has effectively converged.
	if math.Abs(g.current-g.target) < 1e-4 {
		g.current = g.target
	}
}

// Gain returns the current instantaneous gain. Intended for tests.
func (g *GainRamp) Gain() float64 { return g.current }
