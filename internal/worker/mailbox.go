// Package worker implements the per-worker runtime: a bounded mailbox,
// the cooperative processing loop, heartbeat emission, and the task
// executor contract that lets domain logic plug into the orchestrator
// without reimplementing task bookkeeping.
package worker

import (
	"context"

	"github.com/coralproto/coral/internal/protocol"
)

// DefaultMailboxCapacity bounds a worker's inbound queue when no
// capacity is configured.
const DefaultMailboxCapacity = 1000

// Mailbox is a bounded FIFO queue of envelopes. Push never blocks:
// when the queue is full it fails with protocol.ErrBusy, which is the
// backpressure signal senders must handle.
type Mailbox struct {
	ch chan protocol.Envelope
}

// NewMailbox creates a mailbox with the given capacity (<=0 uses the default).
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{ch: make(chan protocol.Envelope, capacity)}
}

// Push enqueues an envelope or fails with protocol.ErrBusy when full.
// The queue size is unchanged on failure.
func (m *Mailbox) Push(env protocol.Envelope) error {
	select {
	case m.ch <- env:
		return nil
	default:
		return protocol.ErrBusy
	}
}

// Pop blocks until an envelope is available or ctx is done.
func (m *Mailbox) Pop(ctx context.Context) (protocol.Envelope, bool) {
	select {
	case env := <-m.ch:
		return env, true
	case <-ctx.Done():
		return protocol.Envelope{}, false
	}
}

// TryPop returns the next envelope without blocking.
func (m *Mailbox) TryPop() (protocol.Envelope, bool) {
	select {
	case env := <-m.ch:
		return env, true
	default:
		return protocol.Envelope{}, false
	}
}

// Len returns the current queue depth.
func (m *Mailbox) Len() int { return len(m.ch) }

// Cap returns the queue capacity.
func (m *Mailbox) Cap() int { return cap(m.ch) }
