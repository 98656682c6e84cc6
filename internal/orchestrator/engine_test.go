package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/worker"
	"github.com/coralproto/coral/internal/workflow"
)

// fakeMesh answers Discover from a static capability table and captures
// every routed envelope.
type fakeMesh struct {
	mu       sync.Mutex
	agents   map[string][]string // capability → agent ids
	routeErr error
	routed   []protocol.Envelope
}

func (m *fakeMesh) Discover(capabilities []string, exclude []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(capabilities) == 0 {
		return nil, nil
	}
	var ids []string
	for _, id := range m.agents[capabilities[0]] {
		excluded := false
		for _, ex := range exclude {
			if id == ex {
				excluded = true
			}
		}
		if !excluded {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *fakeMesh) Route(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.routeErr != nil {
		return m.routeErr
	}
	m.routed = append(m.routed, env)
	return nil
}

func (m *fakeMesh) envelopes() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Envelope(nil), m.routed...)
}

// commands filters routed envelopes down to execute_task commands.
func (m *fakeMesh) dispatches() []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range m.envelopes() {
		if env.Payload.GetString("command") == "execute_task" {
			out = append(out, env)
		}
	}
	return out
}

func (m *fakeMesh) cancels() []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range m.envelopes() {
		if env.Payload.GetString("command") == "cancel_task" {
			out = append(out, env)
		}
	}
	return out
}

type fakeArchive struct {
	mu    sync.Mutex
	snaps []*workflow.Snapshot
}

func (a *fakeArchive) SaveWorkflow(ctx context.Context, snap *workflow.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snap)
	return nil
}

func (a *fakeArchive) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, snap := range a.snaps {
		if snap.WorkflowID == workflowID {
			return snap, nil
		}
	}
	return nil, protocol.ErrNotFound
}

func (a *fakeArchive) saved() []*workflow.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*workflow.Snapshot(nil), a.snaps...)
}

func newTestEngine(t *testing.T, mesh Mesh, archive Archive, cfg Config) *Engine {
	t.Helper()
	rt := worker.NewRuntime("orch-1", "orchestrator",
		[]protocol.Capability{protocol.NewCapability("workflow_orchestration", "runs workflows")},
		worker.Config{MailboxCapacity: 32},
		nil,
	)
	return New(rt, mesh, archive, nil, nil, cfg)
}

func twoStepDefinition(retries int, baseDelay time.Duration) *workflow.Definition {
	return &workflow.Definition{
		WorkflowID: "pipeline",
		Name:       "Pipeline",
		Steps: []workflow.Step{
			{StepID: "ingest", Capability: "ingest", TaskName: "ingest_alert"},
			{StepID: "analyze", Capability: "analyze", TaskName: "analyze_alert", Dependencies: []string{"ingest"}},
		},
		MaxParallelSteps: 1,
		RetryPolicy:      workflow.RetryPolicy{MaxRetries: retries, BaseDelay: baseDelay},
	}
}

func meshFor(def *workflow.Definition) *fakeMesh {
	agents := make(map[string][]string)
	for _, step := range def.Steps {
		agents[step.Capability] = []string{"agent-" + step.Capability}
	}
	return &fakeMesh{agents: agents}
}

// completeTask feeds a synthetic completion outcome for the given
// dispatch envelope straight into the engine's handler.
func completeTask(t *testing.T, e *Engine, dispatch protocol.Envelope, result map[string]any) {
	t.Helper()
	taskID := dispatch.CorrelationID
	env := protocol.NewEnvelope(protocol.MsgTaskComplete, dispatch.ReceiverID, e.ID(), dispatch.ThreadID, protocol.Payload{
		"task_id":     taskID,
		"workflow_id": dispatch.ThreadID,
		"result":      result,
		"status":      "completed",
	}, protocol.WithCorrelationID(taskID))
	if err := e.onTaskComplete(context.Background(), env); err != nil {
		t.Fatalf("onTaskComplete: %v", err)
	}
}

func failTask(t *testing.T, e *Engine, dispatch protocol.Envelope, reason string) {
	t.Helper()
	taskID := dispatch.CorrelationID
	env := protocol.NewEnvelope(protocol.MsgTaskFail, dispatch.ReceiverID, e.ID(), dispatch.ThreadID, protocol.Payload{
		"task_id":     taskID,
		"workflow_id": dispatch.ThreadID,
		"error":       reason,
		"status":      "failed",
	}, protocol.WithCorrelationID(taskID))
	if err := e.onTaskFail(context.Background(), env); err != nil {
		t.Fatalf("onTaskFail: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

// --- definitions ---

func TestRegisterDefinitionRejectsDuplicates(t *testing.T) {
	e := newTestEngine(t, &fakeMesh{}, nil, Config{})
	def := twoStepDefinition(0, 0)
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := e.RegisterDefinition(def); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
	ids := e.DefinitionIDs()
	if len(ids) != 1 || ids[0] != "pipeline" {
		t.Fatalf("DefinitionIDs = %v", ids)
	}
}

func TestRegisterDefinitionValidates(t *testing.T) {
	e := newTestEngine(t, &fakeMesh{}, nil, Config{})
	bad := &workflow.Definition{WorkflowID: "broken"}
	if err := e.RegisterDefinition(bad); err == nil {
		t.Fatal("expected validation error for definition without steps")
	}
}

func TestStartWorkflowUnknownType(t *testing.T) {
	e := newTestEngine(t, &fakeMesh{}, nil, Config{})
	if _, err := e.StartWorkflow(context.Background(), "nope", nil); !errors.Is(err, protocol.ErrUnknownWorkflowType) {
		t.Fatalf("err = %v, want ErrUnknownWorkflowType", err)
	}
}

// --- happy path ---

func TestLinearWorkflowCompletes(t *testing.T) {
	def := twoStepDefinition(0, 0)
	mesh := meshFor(def)
	archive := &fakeArchive{}
	e := newTestEngine(t, mesh, archive, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := e.StartWorkflow(context.Background(), "pipeline", protocol.Payload{"alert_id": "a-1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if snap.Status != workflow.StatusRunning {
		t.Fatalf("status = %s, want running", snap.Status)
	}

	dispatches := mesh.dispatches()
	if len(dispatches) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(dispatches))
	}
	first := dispatches[0]
	if first.ReceiverID != "agent-ingest" {
		t.Errorf("ReceiverID = %q, want agent-ingest", first.ReceiverID)
	}
	if first.ThreadID != snap.WorkflowID {
		t.Errorf("ThreadID = %q, want workflow id %q", first.ThreadID, snap.WorkflowID)
	}
	wctx := first.Payload.GetMap("workflow_context")
	if wctx["alert_id"] != "a-1" {
		t.Errorf("workflow_context = %v, missing alert_id", wctx)
	}

	completeTask(t, e, first, map[string]any{"ingested": true})

	dispatches = mesh.dispatches()
	if len(dispatches) != 2 {
		t.Fatalf("dispatches after first completion = %d, want 2", len(dispatches))
	}
	second := dispatches[1]
	if second.ReceiverID != "agent-analyze" {
		t.Errorf("ReceiverID = %q, want agent-analyze", second.ReceiverID)
	}
	// Result from step one is folded into the context seen by step two.
	if second.Payload.GetMap("workflow_context")["ingested"] != true {
		t.Error("step one result not merged into workflow context")
	}

	completeTask(t, e, second, map[string]any{"verdict": "benign"})

	final, err := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if err != nil {
		t.Fatalf("WorkflowStatus: %v", err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Context["verdict"] != "benign" {
		t.Errorf("context = %v, missing verdict", final.Context)
	}

	waitUntil(t, func() bool { return len(archive.saved()) == 1 })
	if got := archive.saved()[0]; got.Status != workflow.StatusCompleted {
		t.Errorf("archived status = %s, want completed", got.Status)
	}
}

func TestTerminalInstanceEvictedAfterArchive(t *testing.T) {
	def := twoStepDefinition(0, 0)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	archive := &fakeArchive{}
	e := newTestEngine(t, mesh, archive, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	completeTask(t, e, mesh.dispatches()[0], map[string]any{"done": true})

	// The live table must not accumulate finished workflows.
	waitUntil(t, func() bool { return e.Status().Instances == 0 })

	// Status queries keep working through the archive.
	final, err := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if err != nil {
		t.Fatalf("WorkflowStatus after eviction: %v", err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Context["done"] != true {
		t.Errorf("context = %v, missing merged result", final.Context)
	}
}

func TestParallelismLimitCapsDispatch(t *testing.T) {
	def := &workflow.Definition{
		WorkflowID: "fanout",
		Name:       "Fanout",
		Steps: []workflow.Step{
			{StepID: "a", Capability: "work", TaskName: "a"},
			{StepID: "b", Capability: "work", TaskName: "b"},
		},
		MaxParallelSteps: 1,
	}
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := e.StartWorkflow(context.Background(), "fanout", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if got := len(mesh.dispatches()); got != 1 {
		t.Fatalf("initial dispatches = %d, want 1 with parallelism 1", got)
	}

	completeTask(t, e, mesh.dispatches()[0], nil)
	if got := len(mesh.dispatches()); got != 2 {
		t.Fatalf("dispatches after completion = %d, want 2", got)
	}

	completeTask(t, e, mesh.dispatches()[1], nil)
	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

// --- retries and failure ---

func TestTaskRetryThenSuccess(t *testing.T) {
	def := twoStepDefinition(2, 5*time.Millisecond)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	failTask(t, e, mesh.dispatches()[0], "transient outage")

	// Retry fires after the base delay and re-dispatches the same task.
	waitUntil(t, func() bool { return len(mesh.dispatches()) == 2 })
	retry := mesh.dispatches()[1]
	if retry.CorrelationID != mesh.dispatches()[0].CorrelationID {
		t.Error("retry dispatched with a different task id")
	}

	status, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	task := status.Tasks["ingest"]
	if task == nil || task.RetryCount != 1 {
		t.Fatalf("task = %+v, want RetryCount 1", task)
	}

	completeTask(t, e, retry, nil)
	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestRetriesExhaustedFailsWorkflow(t *testing.T) {
	def := twoStepDefinition(0, 0)
	mesh := meshFor(def)
	archive := &fakeArchive{}
	e := newTestEngine(t, mesh, archive, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	failTask(t, e, mesh.dispatches()[0], "worker exploded")

	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "retries exhausted") || !strings.Contains(final.Error, "worker exploded") {
		t.Errorf("error = %q, want retries exhausted with reason", final.Error)
	}
	waitUntil(t, func() bool { return len(archive.saved()) == 1 })
}

func TestRetryBudgetBoundsDispatchAttempts(t *testing.T) {
	def := twoStepDefinition(2, time.Millisecond)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Every attempt fails; max_retries 2 allows exactly 3 dispatches.
	for attempt := 1; attempt <= 3; attempt++ {
		waitUntil(t, func() bool { return len(mesh.dispatches()) == attempt })
		failTask(t, e, mesh.dispatches()[attempt-1], "still broken")
	}

	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "retries exhausted") {
		t.Errorf("error = %q, want retries exhausted", final.Error)
	}

	time.Sleep(20 * time.Millisecond)
	if got := len(mesh.dispatches()); got != 3 {
		t.Fatalf("dispatch attempts = %d, want exactly 3", got)
	}
}

func TestMissingCapabilityFailsWorkflow(t *testing.T) {
	def := twoStepDefinition(0, 0)
	mesh := &fakeMesh{agents: map[string][]string{}}
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, err := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if snap.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed without any capable worker", snap.Status)
	}
	if !strings.Contains(snap.Error, "ingest") {
		t.Errorf("error = %q, want failing step named", snap.Error)
	}
}

func TestLateOutcomeForTerminalTaskIgnored(t *testing.T) {
	def := twoStepDefinition(0, 0)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	dispatch := mesh.dispatches()[0]
	completeTask(t, e, dispatch, nil)

	// A duplicate failure report after completion must not flip state.
	failTask(t, e, dispatch, "stale report")
	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed after stale failure", final.Status)
	}
}

func TestOutcomeForUnknownTaskIgnored(t *testing.T) {
	e := newTestEngine(t, &fakeMesh{}, nil, Config{})
	env := protocol.NewEnvelope(protocol.MsgTaskComplete, "agent-x", e.ID(), "wf-missing", protocol.Payload{
		"task_id":     "t-missing",
		"workflow_id": "wf-missing",
	})
	if err := e.onTaskComplete(context.Background(), env); err != nil {
		t.Fatalf("onTaskComplete: %v", err)
	}
}

// --- pause, resume, cancel ---

func TestPauseBlocksDispatchAndResumeAdvances(t *testing.T) {
	def := twoStepDefinition(0, 0)
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err := e.PauseWorkflow(snap.WorkflowID); err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}
	if err := e.PauseWorkflow(snap.WorkflowID); err == nil {
		t.Fatal("expected error pausing an already paused workflow")
	}

	// Outstanding task results are still recorded while paused.
	completeTask(t, e, mesh.dispatches()[0], map[string]any{"ingested": true})
	if got := len(mesh.dispatches()); got != 1 {
		t.Fatalf("dispatches while paused = %d, want 1", got)
	}
	status, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if status.Status != workflow.StatusPaused {
		t.Fatalf("status = %s, want paused", status.Status)
	}
	if status.Tasks["ingest"].Status != workflow.TaskCompleted {
		t.Error("completion not recorded while paused")
	}

	if err := e.ResumeWorkflow(context.Background(), snap.WorkflowID); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if got := len(mesh.dispatches()); got != 2 {
		t.Fatalf("dispatches after resume = %d, want 2", got)
	}
	if err := e.ResumeWorkflow(context.Background(), snap.WorkflowID); err == nil {
		t.Fatal("expected error resuming a running workflow")
	}
}

func TestResumeRedispatchesRetryScheduledWhilePaused(t *testing.T) {
	def := twoStepDefinition(1, 5*time.Millisecond)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	failTask(t, e, mesh.dispatches()[0], "transient outage")
	if err := e.PauseWorkflow(snap.WorkflowID); err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}

	// The retry timer fires while paused. The task must not stay stuck
	// in retrying; it falls back to pending for the resume to pick up.
	waitUntil(t, func() bool {
		s, err := e.WorkflowStatus(context.Background(), snap.WorkflowID)
		return err == nil && s.Tasks["ingest"].Status == workflow.TaskPending
	})
	if got := len(mesh.dispatches()); got != 1 {
		t.Fatalf("dispatches while paused = %d, want 1", got)
	}

	if err := e.ResumeWorkflow(context.Background(), snap.WorkflowID); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if got := len(mesh.dispatches()); got != 2 {
		t.Fatalf("dispatches after resume = %d, want 2", got)
	}

	completeTask(t, e, mesh.dispatches()[1], nil)
	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestCancelWorkflow(t *testing.T) {
	def := twoStepDefinition(0, 0)
	mesh := meshFor(def)
	archive := &fakeArchive{}
	e := newTestEngine(t, mesh, archive, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err := e.CancelWorkflow(context.Background(), snap.WorkflowID); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	cancels := mesh.cancels()
	if len(cancels) != 1 {
		t.Fatalf("cancel commands = %d, want 1", len(cancels))
	}
	if cancels[0].ReceiverID != "agent-ingest" {
		t.Errorf("cancel sent to %q, want agent-ingest", cancels[0].ReceiverID)
	}

	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if final.Status != workflow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.Tasks["ingest"].Status != workflow.TaskCancelled {
		t.Errorf("task status = %s, want cancelled", final.Tasks["ingest"].Status)
	}

	if err := e.CancelWorkflow(context.Background(), snap.WorkflowID); err == nil {
		t.Fatal("expected error cancelling a terminal workflow")
	}
	if err := e.CancelWorkflow(context.Background(), "missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// --- watchdog ---

func TestWatchdogFailsSilentTask(t *testing.T) {
	def := twoStepDefinition(0, 0)
	def.Steps = def.Steps[:1]
	def.Steps[0].Timeout = 10 * time.Millisecond
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{WatchdogGrace: 5 * time.Millisecond})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)

	waitUntil(t, func() bool {
		s, err := e.WorkflowStatus(context.Background(), snap.WorkflowID)
		return err == nil && s.Status == workflow.StatusFailed
	})
	final, _ := e.WorkflowStatus(context.Background(), snap.WorkflowID)
	if !strings.Contains(final.Error, "no result within") {
		t.Errorf("error = %q, want watchdog reason", final.Error)
	}
	if len(mesh.cancels()) != 1 {
		t.Errorf("cancel commands = %d, want 1 after watchdog", len(mesh.cancels()))
	}
}

// --- events and status ---

func TestSubscribeDeliversLifecycleEvents(t *testing.T) {
	def := twoStepDefinition(0, 0)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	events, cancel := e.Subscribe()
	defer cancel()

	snap, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	completeTask(t, e, mesh.dispatches()[0], nil)

	seen := make(map[EventType]bool)
	deadline := time.After(2 * time.Second)
	for !seen[EventWorkflowCompleted] {
		select {
		case ev := <-events:
			if ev.WorkflowID != snap.WorkflowID {
				t.Errorf("event for %q, want %q", ev.WorkflowID, snap.WorkflowID)
			}
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("timed out waiting for completion event, saw %v", seen)
		}
	}
	for _, want := range []EventType{EventWorkflowStarted, EventTaskDispatched, EventTaskCompleted, EventWorkflowCompleted} {
		if !seen[want] {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestSubscribeAfterShutdownClosed(t *testing.T) {
	e := newTestEngine(t, &fakeMesh{}, nil, Config{})
	e.Shutdown(context.Background())
	events, cancel := e.Subscribe()
	defer cancel()
	if _, ok := <-events; ok {
		t.Fatal("expected closed event channel after shutdown")
	}
}

func TestStatusCountsInstances(t *testing.T) {
	def := twoStepDefinition(0, 0)
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, _ := e.StartWorkflow(context.Background(), "pipeline", nil)
	if _, err := e.StartWorkflow(context.Background(), "pipeline", nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if err := e.CancelWorkflow(context.Background(), first.WorkflowID); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	status := e.Status()
	if status.OrchestratorID != "orch-1" {
		t.Errorf("OrchestratorID = %q", status.OrchestratorID)
	}
	if status.Instances != 2 {
		t.Errorf("Instances = %d, want 2", status.Instances)
	}
	if status.ByStatus[string(workflow.StatusRunning)] != 1 || status.ByStatus[string(workflow.StatusCancelled)] != 1 {
		t.Errorf("ByStatus = %v", status.ByStatus)
	}
	if len(status.Definitions) != 1 || status.Definitions[0] != "pipeline" {
		t.Errorf("Definitions = %v", status.Definitions)
	}
}

// --- tracing ---

func TestDispatchAndOutcomeOpenSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	def := twoStepDefinition(0, 0)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{Tracer: tp.Tracer("test")})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := e.StartWorkflow(context.Background(), "pipeline", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	completeTask(t, e, mesh.dispatches()[0], nil)

	seen := make(map[string]bool)
	for _, span := range recorder.Ended() {
		seen[span.Name()] = true
	}
	for _, want := range []string{"workflow.dispatch_task", "workflow.task_complete"} {
		if !seen[want] {
			t.Errorf("missing span %q, saw %v", want, seen)
		}
	}
}

// --- heartbeats ---

func TestHeartbeatAbsorbedThroughMailbox(t *testing.T) {
	e := newTestEngine(t, &fakeMesh{}, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(context.Background())

	env := protocol.NewEnvelope(protocol.MsgHeartbeat, "agent-x", e.ID(), "heartbeat", protocol.Payload{
		"agent_id":   "agent-x",
		"status":     "online",
		"queue_size": 0,
	}, protocol.WithPriority(protocol.PriorityLow))
	if err := e.Runtime().Deliver(env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	waitUntil(t, func() bool {
		s := e.Runtime().Status()
		return s.ProcessedCount >= 1 && s.ErrorCount == 0
	})
}

// --- runtime delivery path ---

func TestOutcomeDeliveredThroughMailbox(t *testing.T) {
	def := twoStepDefinition(0, 0)
	def.Steps = def.Steps[:1]
	mesh := meshFor(def)
	e := newTestEngine(t, mesh, nil, Config{})
	if err := e.RegisterDefinition(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown(context.Background())

	snap, _ := e.StartWorkflow(ctx, "pipeline", nil)
	dispatch := mesh.dispatches()[0]

	env := protocol.NewEnvelope(protocol.MsgTaskComplete, dispatch.ReceiverID, e.ID(), snap.WorkflowID, protocol.Payload{
		"task_id":     dispatch.CorrelationID,
		"workflow_id": snap.WorkflowID,
		"result":      map[string]any{"done": true},
		"status":      "completed",
	}, protocol.WithCorrelationID(dispatch.CorrelationID))
	if err := e.Runtime().Deliver(env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	waitUntil(t, func() bool {
		s, err := e.WorkflowStatus(context.Background(), snap.WorkflowID)
		return err == nil && s.Status == workflow.StatusCompleted
	})
}
