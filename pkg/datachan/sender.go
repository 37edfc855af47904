package datachan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WriteFunc delivers one encoded frame to the transport (the room data
// channel). Implementations must be safe for concurrent use.
type WriteFunc func(ctx context.Context, data []byte) error

// Sender defaults. Ack-required messages are re-sent up to maxRetries times
// at retryInterval before the send is reported as lost.
const (
	maxRetries    = 3
	retryInterval = time.Second
)

// Sender assigns per-sender sequence numbers, frames envelopes, and retries
// ack-required messages until acknowledged. One Sender per outbound channel.
type Sender struct {
	write WriteFunc
	log   *slog.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan struct{} // msg_id → closed on ack

	// interval is retryInterval unless overridden for tests.
	interval time.Duration

	// onLost is invoked when an ack-required message exhausts its retries.
	onLost func(env Envelope)
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithRetryInterval overrides the ack retry interval.
func WithRetryInterval(d time.Duration) SenderOption {
	return func(s *Sender) { s.interval = d }
}

// WithLostHandler registers a callback for messages that exhausted their
// retries without an acknowledgement.
func WithLostHandler(fn func(env Envelope)) SenderOption {
	return func(s *Sender) { s.onLost = fn }
}

// WithLogger sets the sender's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) SenderOption {
	return func(s *Sender) { s.log = log }
}

// NewSender creates a Sender writing frames through write.
func NewSender(write WriteFunc, opts ...SenderOption) *Sender {
	s := &Sender{
		write:    write,
		log:      slog.Default(),
		pending:  make(map[string]chan struct{}),
		interval: retryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send assigns the next sequence number to env and writes it once. Fire and
// forget; use SendReliable for ack-required delivery.
func (s *Sender) Send(ctx context.Context, env Envelope) error {
	env.Sequence = s.seq.Add(1)
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	if err := s.write(ctx, frame); err != nil {
		return fmt.Errorf("datachan: send %s: %w", env.Type, err)
	}
	return nil
}

// SendReliable sends env with AckRequired set and retries until Ack is called
// with the envelope's MsgID, the retry budget is exhausted, or ctx is
// cancelled. The retry loop runs in a background goroutine; the initial write
// error, if any, is returned synchronously.
func (s *Sender) SendReliable(ctx context.Context, env Envelope) error {
	env.Sequence = s.seq.Add(1)
	env.AckRequired = true
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}

	acked := make(chan struct{})
	s.mu.Lock()
	s.pending[env.MsgID] = acked
	s.mu.Unlock()

	if err := s.write(ctx, frame); err != nil {
		s.forget(env.MsgID)
		return fmt.Errorf("datachan: send %s: %w", env.Type, err)
	}

	go s.retryLoop(ctx, env, frame, acked)
	return nil
}

func (s *Sender) retryLoop(ctx context.Context, env Envelope, frame []byte, acked <-chan struct{}) {
	defer s.forget(env.MsgID)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-acked:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if attempt > maxRetries {
			s.log.Warn("datachan: message lost after retries",
				"type", env.Type, "msg_id", env.MsgID, "retries", maxRetries)
			if s.onLost != nil {
				s.onLost(env)
			}
			return
		}

		if err := s.write(ctx, frame); err != nil {
			s.log.Warn("datachan: retry write failed",
				"type", env.Type, "msg_id", env.MsgID, "attempt", attempt, "err", err)
		}
	}
}

// Ack marks the message with msgID as acknowledged, stopping its retry loop.
// Unknown or already-acknowledged IDs are ignored.
func (s *Sender) Ack(msgID string) {
	s.mu.Lock()
	ch, ok := s.pending[msgID]
	if ok {
		delete(s.pending, msgID)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Sender) forget(msgID string) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
}

// PendingAcks reports how many ack-required messages are still awaiting
// acknowledgement.
func (s *Sender) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
