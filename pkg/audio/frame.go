// Package audio provides the audio frame type and DSP helpers shared by the
// voice pipeline: sample-rate conversion between provider rates (16/24 kHz)
// and the room transport rate (48 kHz), channel down/upmixing, pooled frame
// buffers for the transport hot path, and the ducking gain ramp used while
// the user is speaking over assistant playback.
package audio

import (
	"sync"
	"time"
)

// TransportRate is the sample rate of all frames handed to the room transport.
const TransportRate = 48000

// Frame represents a single frame of mono PCM16 audio flowing through the
// pipeline. Frames are the atomic unit of audio transport — received from the
// room, analysed by VAD, resampled for providers, and published back out.
type Frame struct {
	// Data is little-endian int16 PCM. Always mono within the pipeline.
	Data []byte

	// SampleRate in Hz (48000 on the transport side, 16000 or 24000 on the
	// provider side).
	SampleRate int

	// Channels is the channel count. The pipeline operates on mono frames;
	// stereo input is downmixed at the room boundary.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FramePool recycles transport-sized frame buffers to avoid a per-frame
// allocation on the publish path. Buffers returned by Get have the requested
// byte length; Put accepts any buffer and ignores undersized ones.
type FramePool struct {
	pool sync.Pool
}

// NewFramePool creates a pool whose fresh buffers hold byteSize bytes.
func NewFramePool(byteSize int) *FramePool {
	return &FramePool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, byteSize)
				return &b
			},
		},
	}
}

// Get returns a zeroed buffer of exactly n bytes.
func (p *FramePool) Get(n int) []byte {
	bp := p.pool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		b = make([]byte, n)
	}
	b = b[:n]
	for i := range b {
		b[i] = 0
	}
	return b
}

// Put returns a buffer to the pool for reuse. The caller must not touch the
// buffer after Put.
func (p *FramePool) Put(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	p.pool.Put(&b)
}
