// Package orchestrator runs workflow instances against the worker mesh:
// it resolves each step's capability to a worker, dispatches tasks,
// folds results back into the instance context, and drives retries,
// timeouts, and lifecycle transitions.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/worker"
	"github.com/coralproto/coral/internal/workflow"
)

// Mesh is the orchestrator's view of the registry: capability discovery
// and envelope routing. Implemented by *registry.Registry.
type Mesh interface {
	Discover(capabilities []string, exclude []string) ([]string, error)
	Route(ctx context.Context, env protocol.Envelope) error
}

// Archive persists terminal workflow snapshots and serves them back
// for status queries after the live instance is evicted. Nil-safe at
// every call site so the engine runs without a backing store.
type Archive interface {
	SaveWorkflow(ctx context.Context, snap *workflow.Snapshot) error
	GetWorkflow(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
}

// Config tunes engine behavior.
type Config struct {
	// WatchdogGrace is added to each task's timeout before the engine
	// declares it lost. Default 5 seconds.
	WatchdogGrace time.Duration
	// DefaultTaskTimeout applies to steps that declare none. Default 60s.
	DefaultTaskTimeout time.Duration
	// Tracer opens a span per task dispatch and outcome. Nil disables
	// tracing.
	Tracer trace.Tracer
}

func (c Config) watchdogGrace() time.Duration {
	if c.WatchdogGrace <= 0 {
		return 5 * time.Second
	}
	return c.WatchdogGrace
}

func (c Config) taskTimeout() time.Duration {
	if c.DefaultTaskTimeout <= 0 {
		return 60 * time.Second
	}
	return c.DefaultTaskTimeout
}

// Engine is the workflow orchestrator. It is itself a worker on the
// mesh: task outcomes arrive as envelopes through its runtime mailbox,
// so all instance mutation is funneled through its handlers and lock.
type Engine struct {
	rt      *worker.Runtime
	mesh    Mesh
	archive Archive
	metrics *Metrics
	logger  *slog.Logger
	cfg     Config

	mu          sync.Mutex
	definitions map[string]*workflow.Definition
	instances   map[string]*workflow.Instance
	watchdogs   map[string]*time.Timer // task_id → timeout timer
	retries     map[string]*time.Timer // task_id → pending retry timer

	events *eventHub
}

// New creates an engine wrapping the given runtime. The runtime should
// not have been started yet; Start does that.
func New(rt *worker.Runtime, mesh Mesh, archive Archive, metrics *Metrics, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		rt:          rt,
		mesh:        mesh,
		archive:     archive,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		definitions: make(map[string]*workflow.Definition),
		instances:   make(map[string]*workflow.Instance),
		watchdogs:   make(map[string]*time.Timer),
		retries:     make(map[string]*time.Timer),
		events:      newEventHub(),
	}
	rt.Handle(protocol.MsgTaskComplete, e.onTaskComplete)
	rt.Handle(protocol.MsgTaskFail, e.onTaskFail)
	rt.Handle(protocol.MsgResponse, e.onResponse)
	rt.Handle(protocol.MsgHeartbeat, e.onHeartbeat)
	return e
}

// onHeartbeat absorbs worker heartbeat envelopes. Liveness decisions
// stay with the registry, which reads worker status directly; the
// payload is logged for diagnostics.
func (e *Engine) onHeartbeat(_ context.Context, env protocol.Envelope) error {
	e.logger.Debug("worker heartbeat",
		slog.String("agent_id", env.Payload.GetString("agent_id")),
		slog.String("state", env.Payload.GetString("status")),
		slog.Any("queue_size", env.Payload["queue_size"]),
	)
	return nil
}

// ID returns the orchestrator's worker id.
func (e *Engine) ID() string { return e.rt.ID() }

// Runtime exposes the underlying worker runtime for registration.
func (e *Engine) Runtime() *worker.Runtime { return e.rt }

// RegisterDefinition adds a workflow template after validating its DAG.
func (e *Engine) RegisterDefinition(def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[def.WorkflowID]; exists {
		return fmt.Errorf("workflow type %q already registered", def.WorkflowID)
	}
	e.definitions[def.WorkflowID] = def
	e.logger.Info("workflow definition registered",
		slog.String("workflow_type", def.WorkflowID),
		slog.Int("steps", len(def.Steps)),
	)
	return nil
}

// DefinitionIDs lists registered workflow types, sorted.
func (e *Engine) DefinitionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.definitions))
	for id := range e.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches the engine's runtime loops.
func (e *Engine) Start(ctx context.Context) {
	e.rt.Start(ctx)
	e.logger.Info("orchestrator started", slog.String("orchestrator_id", e.rt.ID()))
}

// Shutdown stops timers, drains the runtime, and closes the event hub.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	for id, t := range e.watchdogs {
		t.Stop()
		delete(e.watchdogs, id)
	}
	for id, t := range e.retries {
		t.Stop()
		delete(e.retries, id)
	}
	e.mu.Unlock()

	e.rt.Shutdown(ctx)
	e.events.close()
	e.logger.Info("orchestrator stopped", slog.String("orchestrator_id", e.rt.ID()))
}

// StartWorkflow creates and launches an instance of a registered
// definition. The returned snapshot reflects the first dispatch round.
func (e *Engine) StartWorkflow(ctx context.Context, workflowType string, initialContext protocol.Payload) (*workflow.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.definitions[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownWorkflowType, workflowType)
	}

	in := workflow.NewInstance(def, initialContext)
	in.Status = workflow.StatusRunning
	e.instances[in.ID] = in

	e.logger.Info("workflow started",
		slog.String("workflow_id", in.ID),
		slog.String("workflow_type", workflowType),
	)
	if e.metrics != nil {
		e.metrics.ActiveWorkflows.Inc()
	}
	e.publishLocked(Event{
		Type:       EventWorkflowStarted,
		WorkflowID: in.ID,
		Status:     string(in.Status),
		Detail:     workflowType,
	})

	e.advanceLocked(ctx, in)
	return in.Snapshot(), nil
}

// PauseWorkflow stops new dispatch for a running instance. Outstanding
// tasks keep running and their results are still recorded.
func (e *Engine) PauseWorkflow(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.instances[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %q", protocol.ErrNotFound, workflowID)
	}
	if in.Status != workflow.StatusRunning {
		return fmt.Errorf("workflow %q is %s, not running", workflowID, in.Status)
	}
	in.Status = workflow.StatusPaused
	in.UpdatedAt = time.Now().UTC()

	e.logger.Info("workflow paused", slog.String("workflow_id", workflowID))
	e.publishLocked(Event{Type: EventWorkflowPaused, WorkflowID: workflowID, Status: string(in.Status)})
	return nil
}

// ResumeWorkflow restarts dispatch for a paused instance.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.instances[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %q", protocol.ErrNotFound, workflowID)
	}
	if in.Status != workflow.StatusPaused {
		return fmt.Errorf("workflow %q is %s, not paused", workflowID, in.Status)
	}
	in.Status = workflow.StatusRunning
	in.UpdatedAt = time.Now().UTC()

	e.logger.Info("workflow resumed", slog.String("workflow_id", workflowID))
	e.publishLocked(Event{Type: EventWorkflowResumed, WorkflowID: workflowID, Status: string(in.Status)})

	e.advanceLocked(ctx, in)
	return nil
}

// CancelWorkflow terminates a non-terminal instance, cancelling its
// outstanding tasks on their workers.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.instances[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %q", protocol.ErrNotFound, workflowID)
	}
	if in.Status.Terminal() {
		return fmt.Errorf("workflow %q already %s", workflowID, in.Status)
	}

	now := time.Now().UTC()
	for _, task := range in.Tasks {
		switch task.Status {
		case workflow.TaskAssigned, workflow.TaskRunning, workflow.TaskRetrying:
			e.stopTimersLocked(task.TaskID)
			e.sendCancelLocked(ctx, task)
			task.Status = workflow.TaskCancelled
			task.CancelledAt = &now
		case workflow.TaskPending:
			task.Status = workflow.TaskCancelled
			task.CancelledAt = &now
		}
	}

	e.finishLocked(ctx, in, workflow.StatusCancelled, "cancelled by request")
	return nil
}

// WorkflowStatus returns a snapshot of a live instance, falling back
// to the archive for instances already evicted after finishing.
func (e *Engine) WorkflowStatus(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	e.mu.Lock()
	in, ok := e.instances[workflowID]
	if ok {
		snap := in.Snapshot()
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	if e.archive != nil {
		return e.archive.GetWorkflow(ctx, workflowID)
	}
	return nil, fmt.Errorf("%w: workflow %q", protocol.ErrNotFound, workflowID)
}

// SystemStatus summarizes all known instances by status.
type SystemStatus struct {
	OrchestratorID string         `json:"orchestrator_id"`
	Definitions    []string       `json:"definitions"`
	Instances      int            `json:"instances"`
	ByStatus       map[string]int `json:"by_status"`
}

// Status reports engine-level state for operators.
func (e *Engine) Status() SystemStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	byStatus := make(map[string]int)
	for _, in := range e.instances {
		byStatus[string(in.Status)]++
	}
	defs := make([]string, 0, len(e.definitions))
	for id := range e.definitions {
		defs = append(defs, id)
	}
	sort.Strings(defs)

	return SystemStatus{
		OrchestratorID: e.rt.ID(),
		Definitions:    defs,
		Instances:      len(e.instances),
		ByStatus:       byStatus,
	}
}

// Subscribe returns a feed of workflow lifecycle events and a cancel
// function releasing it.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}
