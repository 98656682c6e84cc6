// Package registry is the coordination hub of the mesh: it tracks
// registered workers, indexes their capabilities for discovery, routes
// envelopes to mailboxes, and keeps per-thread audit history.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coralproto/coral/internal/protocol"
)

// Worker is the registry's view of a registered worker. Implemented by
// the worker runtime; the registry never reaches past this surface.
type Worker interface {
	ID() string
	Name() string
	Capabilities() []protocol.Capability
	Status() protocol.WorkerStatus
	Deliver(env protocol.Envelope) error
}

// Config tunes audit retention and sweeping.
type Config struct {
	// ThreadHistoryLimit caps per-thread audit entries. Default 1000.
	ThreadHistoryLimit int
	// ThreadIdleTimeout is how long an untouched thread survives a sweep.
	// Default 5 minutes.
	ThreadIdleTimeout time.Duration
	// SweepInterval is how often idle threads are purged. Default 1 minute.
	SweepInterval time.Duration
}

func (c Config) historyLimit() int {
	if c.ThreadHistoryLimit <= 0 {
		return 1000
	}
	return c.ThreadHistoryLimit
}

func (c Config) idleTimeout() time.Duration {
	if c.ThreadIdleTimeout <= 0 {
		return 5 * time.Minute
	}
	return c.ThreadIdleTimeout
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return time.Minute
	}
	return c.SweepInterval
}

// Registry owns the worker table, the capability index, and the thread
// audit log. All mutation happens under its lock; callers get copies.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.RWMutex
	workers      map[string]Worker
	capabilities map[string]map[string]bool // capability name → worker ids
	threads      map[string]*thread

	startedAt time.Time
	routed    uint64
	failed    uint64
	sweepStop context.CancelFunc
}

// New creates a registry. A nil logger discards output; a nil metrics
// is tolerated everywhere.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		workers:      make(map[string]Worker),
		capabilities: make(map[string]map[string]bool),
		threads:      make(map[string]*thread),
		startedAt:    time.Now().UTC(),
	}
}

// Start launches the background thread sweeper. Optional; a registry
// used without Start simply never purges idle threads.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.sweepStop = cancel
	r.mu.Unlock()
	go r.sweepLoop(ctx)
}

// Stop halts the sweeper.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop := r.sweepStop
	r.sweepStop = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Register adds a worker and indexes its capabilities. Registering an
// id twice fails; unregister first to replace a worker.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := w.ID()
	if _, exists := r.workers[id]; exists {
		return &protocol.RegistrationError{WorkerID: id, Reason: "id already in use"}
	}
	r.workers[id] = w
	for _, cap := range w.Capabilities() {
		set, ok := r.capabilities[cap.Name]
		if !ok {
			set = make(map[string]bool)
			r.capabilities[cap.Name] = set
		}
		set[id] = true
	}

	if r.metrics != nil {
		r.metrics.RegisteredWorkers.Inc()
	}
	r.logger.Info("worker registered",
		slog.String("worker_id", id),
		slog.String("name", w.Name()),
		slog.Int("capabilities", len(w.Capabilities())),
	)
	return nil
}

// Unregister removes a worker and drops its capability index entries.
func (r *Registry) Unregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %q", protocol.ErrNotFound, workerID)
	}
	delete(r.workers, workerID)
	for _, cap := range w.Capabilities() {
		if set, ok := r.capabilities[cap.Name]; ok {
			delete(set, workerID)
			if len(set) == 0 {
				delete(r.capabilities, cap.Name)
			}
		}
	}

	if r.metrics != nil {
		r.metrics.RegisteredWorkers.Dec()
	}
	r.logger.Info("worker unregistered", slog.String("worker_id", workerID))
	return nil
}

// Discover returns ids of online workers that advertise every
// requested capability, minus the excluded set. Busy workers are not
// candidates; they already have work. An empty capability list matches
// all online workers. Sorted for determinism.
func (r *Registry) Discover(capabilities []string, exclude []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var candidates map[string]bool
	if len(capabilities) == 0 {
		candidates = make(map[string]bool, len(r.workers))
		for id := range r.workers {
			candidates[id] = true
		}
	} else {
		for i, cap := range capabilities {
			set, ok := r.capabilities[cap]
			if !ok || len(set) == 0 {
				return nil, &protocol.CapabilityError{Capability: cap}
			}
			if i == 0 {
				candidates = make(map[string]bool, len(set))
				for id := range set {
					candidates[id] = true
				}
				continue
			}
			for id := range candidates {
				if !set[id] {
					delete(candidates, id)
				}
			}
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		if excluded[id] {
			continue
		}
		w, ok := r.workers[id]
		if !ok || w.Status().State != protocol.WorkerOnline {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if r.metrics != nil {
		r.metrics.DiscoveryQueries.Inc()
	}
	return ids, nil
}

// Route delivers an envelope to its receiver's mailbox and records the
// hop in the thread audit. Unknown receiver, non-accepting state, and
// full mailbox each surface as distinct errors.
func (r *Registry) Route(ctx context.Context, env protocol.Envelope) error {
	r.mu.RLock()
	w, ok := r.workers[env.ReceiverID]
	r.mu.RUnlock()

	if !ok {
		r.recordRoute(env, false)
		return &protocol.RoutingError{
			EnvelopeID: env.ID,
			ReceiverID: env.ReceiverID,
			Err:        fmt.Errorf("%w: worker %q", protocol.ErrNotFound, env.ReceiverID),
		}
	}

	if err := w.Deliver(env); err != nil {
		r.recordRoute(env, false)
		return &protocol.RoutingError{EnvelopeID: env.ID, ReceiverID: env.ReceiverID, Err: err}
	}

	r.recordRoute(env, true)
	return nil
}

// Broadcast fans an envelope out to every discovered worker, excluding
// the sender. Individual delivery failures are logged and skipped; the
// returned count is the number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, env protocol.Envelope, capabilities []string) (int, error) {
	targets, err := r.Discover(capabilities, []string{env.SenderID})
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, id := range targets {
		if err := r.Route(ctx, env.Redirect(id)); err != nil {
			r.logger.Warn("broadcast delivery failed",
				slog.String("receiver_id", id),
				slog.String("message_type", string(env.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.Broadcasts.Inc()
	}
	return delivered, nil
}

// Worker returns a registered worker by id.
func (r *Registry) Worker(workerID string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// WorkerStatuses snapshots every registered worker's status, sorted by id.
func (r *Registry) WorkerStatuses() []protocol.WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.WorkerStatus, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Health summarizes registry-level throughput and routing success.
type Health struct {
	RegisteredWorkers int       `json:"registered_workers"`
	OnlineWorkers     int       `json:"online_workers"`
	ActiveThreads     int       `json:"active_threads"`
	MessagesRouted    uint64    `json:"messages_routed"`
	MessagesFailed    uint64    `json:"messages_failed"`
	SuccessRate       float64   `json:"success_rate"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	StartedAt         time.Time `json:"started_at"`
}

// Health reports aggregate registry metrics.
func (r *Registry) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := 0
	for _, w := range r.workers {
		if w.Status().State == protocol.WorkerOnline {
			online++
		}
	}

	total := r.routed + r.failed
	h := Health{
		RegisteredWorkers: len(r.workers),
		OnlineWorkers:     online,
		ActiveThreads:     len(r.threads),
		MessagesRouted:    r.routed,
		MessagesFailed:    r.failed,
		SuccessRate:       1,
		StartedAt:         r.startedAt,
	}
	if total > 0 {
		h.SuccessRate = float64(r.routed) / float64(total)
	}
	if uptime := time.Since(r.startedAt); uptime > 0 {
		h.UptimeSeconds = uptime.Seconds()
		h.MessagesPerSecond = float64(total) / uptime.Seconds()
	}
	return h
}
