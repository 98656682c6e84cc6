package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coralproto/coral/internal/protocol"
)

// Router sends envelopes on a worker's behalf. Implemented by the
// registry; injected so the worker package has no upward dependency.
type Router interface {
	Route(ctx context.Context, env protocol.Envelope) error
}

// Handler processes one envelope. Returning an error produces an
// error-reply to the sender; it never stops the processing loop.
type Handler func(ctx context.Context, env protocol.Envelope) error

// Config tunes a worker runtime. Zero values use the defaults.
type Config struct {
	MailboxCapacity   int           // Default: 1000.
	HeartbeatInterval time.Duration // Default: 30s.
	HeartbeatTo       string        // Worker id to send heartbeats to. Empty = local refresh only.
	ThreadTTL         time.Duration // Local thread bookkeeping expiry. Default: 5m.
	DrainGrace        time.Duration // Shutdown drain budget. Default: 5s.
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return 30 * time.Second
}

func (c Config) threadTTL() time.Duration {
	if c.ThreadTTL > 0 {
		return c.ThreadTTL
	}
	return 5 * time.Minute
}

func (c Config) drainGrace() time.Duration {
	if c.DrainGrace > 0 {
		return c.DrainGrace
	}
	return 5 * time.Second
}

// threadInfo is local per-thread diagnostics, separate from the
// registry's audit trail.
type threadInfo struct {
	startTime    time.Time
	messageCount int
	lastActivity time.Time
}

// Runtime owns one worker's mailbox and processing loop.
type Runtime struct {
	id           string
	name         string
	capabilities []protocol.Capability
	mailbox      *Mailbox
	config       Config
	logger       *slog.Logger

	router Router

	mu        sync.Mutex
	state     protocol.WorkerState
	handlers  map[protocol.MessageType]Handler
	generic   Handler
	threads   map[string]*threadInfo
	heartbeat time.Time
	processed int
	errors    int

	loopDone chan struct{}
	stop     context.CancelFunc
}

// NewRuntime creates an offline worker runtime. Call Start to bring it
// online and make it routable.
func NewRuntime(id, name string, capabilities []protocol.Capability, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runtime{
		id:           id,
		name:         name,
		capabilities: capabilities,
		mailbox:      NewMailbox(cfg.MailboxCapacity),
		config:       cfg,
		logger:       logger.With(slog.String("worker_id", id)),
		state:        protocol.WorkerOffline,
		handlers:     make(map[protocol.MessageType]Handler),
		threads:      make(map[string]*threadInfo),
	}
}

// ID returns the worker id.
func (r *Runtime) ID() string { return r.id }

// Name returns the worker display name.
func (r *Runtime) Name() string { return r.name }

// Capabilities returns the declared capability set.
func (r *Runtime) Capabilities() []protocol.Capability { return r.capabilities }

// AttachRouter wires the runtime's outbound path. Must be called before
// Start.
func (r *Runtime) AttachRouter(router Router) { r.router = router }

// Handle registers a handler for one message type.
func (r *Runtime) Handle(msgType protocol.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// HandleDefault registers the fallback handler for unmatched types.
func (r *Runtime) HandleDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generic = h
}

// Status returns a point-in-time health snapshot.
func (r *Runtime) Status() protocol.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.WorkerStatus{
		ID:             r.id,
		Name:           r.name,
		State:          r.state,
		LastHeartbeat:  r.heartbeat,
		MailboxDepth:   r.mailbox.Len(),
		ActiveThreads:  len(r.threads),
		ProcessedCount: r.processed,
		ErrorCount:     r.errors,
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() protocol.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s protocol.WorkerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Deliver enqueues an envelope into the mailbox. Fails with
// protocol.ErrNotRoutable when the worker is not accepting and with
// protocol.ErrBusy when the mailbox is full.
func (r *Runtime) Deliver(env protocol.Envelope) error {
	if !r.State().Accepting() {
		return protocol.ErrNotRoutable
	}
	return r.mailbox.Push(env)
}

// Send routes an envelope through the attached router.
func (r *Runtime) Send(ctx context.Context, env protocol.Envelope) error {
	if r.router == nil {
		return fmt.Errorf("worker %s: no router attached", r.id)
	}
	if err := r.router.Route(ctx, env); err != nil {
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()
		return err
	}
	return nil
}

// Start brings the worker online and launches the processing and
// heartbeat loops. It returns immediately; the loops run until ctx is
// canceled or Shutdown is called.
func (r *Runtime) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	r.loopDone = make(chan struct{})

	r.mu.Lock()
	r.state = protocol.WorkerOnline
	r.heartbeat = time.Now().UTC()
	r.mu.Unlock()

	go r.processLoop(loopCtx)
	go r.heartbeatLoop(loopCtx)

	r.logger.Info("worker started",
		slog.String("name", r.name),
		slog.Int("capabilities", len(r.capabilities)),
	)
}

// processLoop pulls one envelope at a time until the context ends or
// the worker leaves an accepting state.
func (r *Runtime) processLoop(ctx context.Context) {
	defer close(r.loopDone)
	for {
		if !r.State().Accepting() {
			return
		}
		env, ok := r.mailbox.Pop(ctx)
		if !ok {
			return
		}
		r.processOne(ctx, env)
	}
}

// processOne dispatches a single envelope. A handler error or panic is
// converted into an error-reply; the loop always continues.
func (r *Runtime) processOne(ctx context.Context, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while processing envelope",
				slog.String("envelope_id", env.ID),
				slog.Any("panic", rec),
			)
			r.recordError(ctx, env, fmt.Errorf("panic: %v", rec))
		}
	}()

	r.trackThread(env.ThreadID)

	handler := r.handlerFor(env.Type)
	if handler == nil {
		r.logger.Debug("no handler for message type",
			slog.String("message_type", string(env.Type)),
			slog.String("envelope_id", env.ID),
		)
		r.mu.Lock()
		r.processed++
		r.mu.Unlock()
		return
	}

	if err := handler(ctx, env); err != nil {
		r.recordError(ctx, env, err)
		return
	}

	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

func (r *Runtime) handlerFor(msgType protocol.MessageType) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[msgType]; ok {
		return h
	}
	return r.generic
}

// recordError bumps the error counter and sends an error-reply to the
// original sender. One bad message never stops the loop.
func (r *Runtime) recordError(ctx context.Context, env protocol.Envelope, err error) {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()

	r.logger.Warn("envelope processing failed",
		slog.String("envelope_id", env.ID),
		slog.String("message_type", string(env.Type)),
		slog.String("error", err.Error()),
	)

	if r.router == nil || env.SenderID == "" || env.SenderID == r.id {
		return
	}
	reply := env.Reply(r.id, protocol.MsgError, protocol.Payload{
		"error":               err.Error(),
		"original_message_id": env.ID,
	})
	if sendErr := r.router.Route(ctx, reply); sendErr != nil {
		r.logger.Debug("error reply not delivered",
			slog.String("receiver_id", env.SenderID),
			slog.String("error", sendErr.Error()),
		)
	}
}

// trackThread updates local thread bookkeeping and expires stale entries.
func (r *Runtime) trackThread(threadID string) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.threads[threadID]
	if !ok {
		info = &threadInfo{startTime: now}
		r.threads[threadID] = info
	}
	info.messageCount++
	info.lastActivity = now

	ttl := r.config.threadTTL()
	for id, t := range r.threads {
		if now.Sub(t.startTime) > ttl {
			delete(r.threads, id)
		}
	}
}

// heartbeatLoop periodically refreshes the heartbeat timestamp and, when
// configured, emits a status envelope to the heartbeat receiver.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emitHeartbeat(ctx)
		}
	}
}

func (r *Runtime) emitHeartbeat(ctx context.Context) {
	r.mu.Lock()
	r.heartbeat = time.Now().UTC()
	status := protocol.WorkerStatus{
		ID:             r.id,
		Name:           r.name,
		State:          r.state,
		LastHeartbeat:  r.heartbeat,
		MailboxDepth:   r.mailbox.Len(),
		ActiveThreads:  len(r.threads),
		ProcessedCount: r.processed,
		ErrorCount:     r.errors,
	}
	r.mu.Unlock()

	if r.router == nil || r.config.HeartbeatTo == "" {
		return
	}

	env := protocol.NewEnvelope(protocol.MsgHeartbeat, r.id, r.config.HeartbeatTo, "heartbeat", protocol.Payload{
		"agent_id":           status.ID,
		"status":             string(status.State),
		"queue_size":         status.MailboxDepth,
		"active_threads":     status.ActiveThreads,
		"processed_messages": status.ProcessedCount,
		"error_count":        status.ErrorCount,
	}, protocol.WithPriority(protocol.PriorityLow))

	if err := r.router.Route(ctx, env); err != nil {
		r.logger.Debug("heartbeat not delivered", slog.String("error", err.Error()))
	}
}

// Shutdown stops accepting new envelopes, drains the mailbox within the
// configured grace period, and marks the worker offline.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.logger.Info("worker shutting down")
	r.setState(protocol.WorkerOffline)

	if r.stop != nil {
		r.stop()
	}
	if r.loopDone != nil {
		select {
		case <-r.loopDone:
		case <-ctx.Done():
		}
	}

	// Drain what is left within the grace budget.
	deadline := time.Now().Add(r.config.drainGrace())
	for time.Now().Before(deadline) {
		env, ok := r.mailbox.TryPop()
		if !ok {
			break
		}
		r.processOne(ctx, env)
	}

	r.logger.Info("worker shutdown complete")
}
