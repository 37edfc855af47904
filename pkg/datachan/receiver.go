package datachan

import (
	"log/slog"
	"time"
)

// Receiver defaults: out-of-order arrivals are buffered up to bufferCap
// messages and released past a gap after gapTimeout.
const (
	bufferCap  = 32
	gapTimeout = 1500 * time.Millisecond

	// seenCap bounds the duplicate-detection window.
	seenCap = 256
)

// Receiver restores sequence order for one sender's message stream. Messages
// arriving ahead of the expected sequence are buffered; when the gap persists
// past the timeout or the buffer fills, delivery skips forward. Duplicate
// message IDs are dropped.
//
// Receiver is not safe for concurrent use; the channel read loop owns it.
type Receiver struct {
	log *slog.Logger

	expected uint64
	buffer   map[uint64]buffered

	seen      map[string]struct{}
	seenOrder []string

	// timeout is gapTimeout unless overridden for tests.
	timeout time.Duration

	// Dropped counts duplicates and overflow evictions since creation.
	Dropped int
}

type buffered struct {
	env     Envelope
	arrived time.Time
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithGapTimeout overrides how long a sequence gap stalls delivery.
func WithGapTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.timeout = d }
}

// WithReceiverLogger sets the receiver's logger. Defaults to slog.Default.
func WithReceiverLogger(log *slog.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = log }
}

// NewReceiver creates a Receiver expecting sequence numbers starting at 1.
func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		log:      slog.Default(),
		expected: 1,
		buffer:   make(map[uint64]buffered),
		seen:     make(map[string]struct{}),
		timeout:  gapTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit offers one arrived envelope and returns the messages now deliverable
// in sequence order. now is the arrival time; passing it explicitly keeps the
// gap timeout testable.
func (r *Receiver) Submit(env Envelope, now time.Time) []Envelope {
	if r.duplicate(env.MsgID) {
		r.Dropped++
		return nil
	}

	switch {
	case env.Sequence == r.expected:
		r.expected++
		out := []Envelope{env}
		return append(out, r.drainBuffer()...)

	case env.Sequence < r.expected:
		// Late retransmit of an already-delivered sequence.
		r.Dropped++
		return nil

	default:
		if len(r.buffer) >= bufferCap {
			// Overflow: abandon the gap and resume from the oldest buffered
			// sequence so the stream keeps moving.
			r.log.Warn("datachan: reorder buffer full, skipping gap",
				"expected", r.expected, "buffered", len(r.buffer))
			r.skipToOldest()
		}
		r.buffer[env.Sequence] = buffered{env: env, arrived: now}
		return r.drainBuffer()
	}
}

// Expire releases buffered messages whose gap has persisted past the timeout,
// advancing expected past the gap. Call it periodically (or with a fake clock
// in tests).
func (r *Receiver) Expire(now time.Time) []Envelope {
	if len(r.buffer) == 0 {
		return nil
	}
	oldest, seq := r.oldestBuffered()
	if now.Sub(oldest) < r.timeout {
		return nil
	}
	r.log.Warn("datachan: sequence gap timed out, skipping",
		"expected", r.expected, "resume_at", seq)
	r.expected = seq
	return r.drainBuffer()
}

// drainBuffer delivers consecutively buffered messages starting at expected.
func (r *Receiver) drainBuffer() []Envelope {
	var out []Envelope
	for {
		b, ok := r.buffer[r.expected]
		if !ok {
			return out
		}
		delete(r.buffer, r.expected)
		r.expected++
		out = append(out, b.env)
	}
}

// skipToOldest moves expected to the lowest buffered sequence.
func (r *Receiver) skipToOldest() {
	_, seq := r.oldestBuffered()
	r.expected = seq
}

// oldestBuffered returns the arrival time and sequence of the lowest buffered
// sequence number. Callers must ensure the buffer is non-empty.
func (r *Receiver) oldestBuffered() (time.Time, uint64) {
	var (
		minSeq  uint64
		arrived time.Time
		first   = true
	)
	for seq, b := range r.buffer {
		if first || seq < minSeq {
			minSeq = seq
			arrived = b.arrived
			first = false
		}
	}
	return arrived, minSeq
}

func (r *Receiver) duplicate(msgID string) bool {
	if _, ok := r.seen[msgID]; ok {
		return true
	}
	r.seen[msgID] = struct{}{}
	r.seenOrder = append(r.seenOrder, msgID)
	if len(r.seenOrder) > seenCap {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
	return false
}
