package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/coralproto/coral/internal/protocol"
)

// AuditEntry is one routed hop recorded against a thread.
type AuditEntry struct {
	EnvelopeID string               `json:"envelope_id"`
	SenderID   string               `json:"sender_id"`
	ReceiverID string               `json:"receiver_id"`
	Type       protocol.MessageType `json:"message_type"`
	Timestamp  time.Time            `json:"timestamp"`
	Delivered  bool                 `json:"delivered"`
}

// thread is the audit state of one conversation. History is a ring:
// once the limit is reached, the oldest entry is dropped per append.
type thread struct {
	id           string
	participants map[string]bool
	history      []AuditEntry
	start        int // ring head when history is full
	createdAt    time.Time
	lastActivity time.Time
}

// recordRoute appends an audit entry for an envelope, creating the
// thread on first sight, and updates routing counters.
func (r *Registry) recordRoute(env protocol.Envelope, delivered bool) {
	now := time.Now().UTC()
	limit := r.cfg.historyLimit()

	r.mu.Lock()
	t, ok := r.threads[env.ThreadID]
	if !ok {
		t = &thread{
			id:           env.ThreadID,
			participants: make(map[string]bool),
			createdAt:    now,
		}
		r.threads[env.ThreadID] = t
	}
	t.participants[env.SenderID] = true
	t.participants[env.ReceiverID] = true
	t.lastActivity = now

	entry := AuditEntry{
		EnvelopeID: env.ID,
		SenderID:   env.SenderID,
		ReceiverID: env.ReceiverID,
		Type:       env.Type,
		Timestamp:  now,
		Delivered:  delivered,
	}
	if len(t.history) < limit {
		t.history = append(t.history, entry)
	} else {
		t.history[t.start] = entry
		t.start = (t.start + 1) % limit
	}

	if delivered {
		r.routed++
	} else {
		r.failed++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		status := "delivered"
		if !delivered {
			status = "failed"
		}
		r.metrics.RoutedTotal.WithLabelValues(string(env.Type), status).Inc()
	}
}

// ThreadHistory returns the audit entries of a thread in arrival order.
func (r *Registry) ThreadHistory(threadID string) ([]AuditEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.threads[threadID]
	if !ok {
		return nil, false
	}
	out := make([]AuditEntry, 0, len(t.history))
	for i := 0; i < len(t.history); i++ {
		out = append(out, t.history[(t.start+i)%len(t.history)])
	}
	return out, true
}

// ThreadParticipants returns the worker ids seen on a thread.
func (r *Registry) ThreadParticipants(threadID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.threads[threadID]
	if !ok {
		return nil, false
	}
	ids := make([]string, 0, len(t.participants))
	for id := range t.participants {
		ids = append(ids, id)
	}
	return ids, true
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepThreads()
		}
	}
}

// SweepThreads purges threads idle past the configured timeout and
// returns the number removed.
func (r *Registry) SweepThreads() int {
	cutoff := time.Now().UTC().Add(-r.cfg.idleTimeout())

	r.mu.Lock()
	removed := 0
	for id, t := range r.threads {
		if t.lastActivity.Before(cutoff) {
			delete(r.threads, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug("idle threads swept", slog.Int("removed", removed))
		if r.metrics != nil {
			r.metrics.ThreadsSwept.Add(float64(removed))
		}
	}
	return removed
}
