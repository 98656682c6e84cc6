package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/workflow"
)

// TaskFunc is the domain logic boundary. It receives the task and the
// accumulated workflow context and returns a result map or an error.
// Everything behind it (heuristics, prompts, external lookups) is
// invisible to the coordination core.
type TaskFunc func(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error)

// Executor adapts a Runtime into an orchestrator-driven task worker.
// It handles execute_task and cancel_task commands, keeps a FIFO queue
// behind a concurrency limit, and reports outcomes back to the
// orchestrator through the runtime's router.
type Executor struct {
	rt     *Runtime
	fn     TaskFunc
	logger *slog.Logger

	maxConcurrent int

	mu        sync.Mutex
	queue     []queuedTask
	active    map[string]context.CancelFunc // task_id → cancel
	cancelled map[string]bool               // task_id → result must be discarded
}

// queuedTask keeps each task paired with the workflow context it was
// dispatched with, so a task queued behind another workflow's work
// still runs against its own context.
type queuedTask struct {
	task            *workflow.Task
	workflowContext map[string]any
}

// NewExecutor wires task-command handling onto the runtime. The
// concurrency limit defaults to 1 when maxConcurrent <= 0.
func NewExecutor(rt *Runtime, fn TaskFunc, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ex := &Executor{
		rt:            rt,
		fn:            fn,
		logger:        rt.logger,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]context.CancelFunc),
		cancelled:     make(map[string]bool),
	}
	rt.Handle(protocol.MsgCommand, ex.handleCommand)
	return ex
}

// Runtime returns the wrapped worker runtime.
func (ex *Executor) Runtime() *Runtime { return ex.rt }

func (ex *Executor) handleCommand(ctx context.Context, env protocol.Envelope) error {
	switch cmd := env.Payload.GetString("command"); cmd {
	case "execute_task":
		return ex.handleExecute(ctx, env)
	case "cancel_task":
		return ex.handleCancel(ctx, env)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (ex *Executor) handleExecute(ctx context.Context, env protocol.Envelope) error {
	task, err := decodeTask(env.Payload["task"])
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidTask, err)
	}

	workflowContext := env.Payload.GetMap("workflow_context")
	task.Status = workflow.TaskPending

	ex.mu.Lock()
	ex.queue = append(ex.queue, queuedTask{task: task, workflowContext: workflowContext})
	ex.mu.Unlock()

	ex.logger.Debug("task accepted",
		slog.String("task_id", task.TaskID),
		slog.String("workflow_id", task.WorkflowID),
		slog.String("task_type", task.TaskType),
	)

	ex.startNext(ctx)

	reply := env.Reply(ex.rt.id, protocol.MsgResponse, protocol.Payload{
		"status":  "accepted",
		"task_id": task.TaskID,
	})
	return ex.rt.Send(ctx, reply)
}

func (ex *Executor) handleCancel(ctx context.Context, env protocol.Envelope) error {
	taskID := env.Payload.GetString("task_id")
	if taskID == "" {
		return fmt.Errorf("%w: cancel_task missing task_id", protocol.ErrInvalidTask)
	}

	ex.mu.Lock()
	// Remove from the queue if it has not started.
	for i, q := range ex.queue {
		if q.task.TaskID == taskID {
			ex.queue = append(ex.queue[:i], ex.queue[i+1:]...)
			break
		}
	}
	// Mark a running task cancelled; its context is canceled and its
	// eventual result discarded. Side-effect rollback is the domain
	// logic's responsibility.
	if cancel, running := ex.active[taskID]; running {
		ex.cancelled[taskID] = true
		cancel()
	}
	ex.mu.Unlock()

	ex.logger.Info("task cancelled", slog.String("task_id", taskID))

	reply := env.Reply(ex.rt.id, protocol.MsgResponse, protocol.Payload{
		"status":  "cancelled",
		"task_id": taskID,
	})
	return ex.rt.Send(ctx, reply)
}

// startNext launches queued tasks up to the concurrency limit.
func (ex *Executor) startNext(ctx context.Context) {
	for {
		ex.mu.Lock()
		if len(ex.queue) == 0 || len(ex.active) >= ex.maxConcurrent {
			ex.mu.Unlock()
			return
		}
		next := ex.queue[0]
		ex.queue = ex.queue[1:]
		task := next.task

		taskCtx := ctx
		cancel := context.CancelFunc(func() {})
		if task.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		} else {
			taskCtx, cancel = context.WithCancel(ctx)
		}
		ex.active[task.TaskID] = cancel
		ex.mu.Unlock()

		go ex.run(ctx, taskCtx, cancel, task, next.workflowContext)
	}
}

// run executes one task and reports the outcome. It always attempts to
// start the next queued task afterward, success or failure.
func (ex *Executor) run(parent, taskCtx context.Context, cancel context.CancelFunc, task *workflow.Task, workflowContext map[string]any) {
	defer cancel()

	now := time.Now().UTC()
	task.Status = workflow.TaskRunning
	task.StartedAt = &now

	result, err := ex.invoke(taskCtx, task, workflowContext)

	ex.mu.Lock()
	delete(ex.active, task.TaskID)
	discarded := ex.cancelled[task.TaskID]
	delete(ex.cancelled, task.TaskID)
	ex.mu.Unlock()

	if discarded {
		// Cancelled mid-flight: the orchestrator already gave up on this
		// task, so the outcome is dropped per the documented contract.
		done := time.Now().UTC()
		task.Status = workflow.TaskCancelled
		task.CancelledAt = &done
		ex.startNext(parent)
		return
	}

	done := time.Now().UTC()
	if err != nil {
		task.Status = workflow.TaskFailed
		task.Error = err.Error()
		task.FailedAt = &done
		ex.report(parent, task, nil, err)
	} else {
		task.Status = workflow.TaskCompleted
		task.Result = result
		task.CompletedAt = &done
		ex.report(parent, task, result, nil)
	}

	ex.startNext(parent)
}

// invoke calls the domain TaskFunc, converting panics into errors so a
// misbehaving plugin cannot take down the worker.
func (ex *Executor) invoke(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	if ex.fn == nil {
		return nil, fmt.Errorf("no task logic configured")
	}
	return ex.fn(ctx, task, workflowContext)
}

// report sends the task outcome to the orchestrator on the workflow thread.
func (ex *Executor) report(ctx context.Context, task *workflow.Task, result map[string]any, taskErr error) {
	msgType := protocol.MsgTaskComplete
	payload := protocol.Payload{
		"task_id":     task.TaskID,
		"workflow_id": task.WorkflowID,
		"result":      result,
		"status":      string(workflow.TaskCompleted),
	}
	if taskErr != nil {
		msgType = protocol.MsgTaskFail
		payload = protocol.Payload{
			"task_id":     task.TaskID,
			"workflow_id": task.WorkflowID,
			"error":       taskErr.Error(),
			"status":      string(workflow.TaskFailed),
		}
	}

	env := protocol.NewEnvelope(msgType, ex.rt.id, task.OrchestratorID, task.WorkflowID, payload,
		protocol.WithPriority(protocol.PriorityHigh),
		protocol.WithCorrelationID(task.TaskID),
	)

	if err := ex.rt.Send(ctx, env); err != nil {
		ex.logger.Error("task outcome not delivered",
			slog.String("task_id", task.TaskID),
			slog.String("orchestrator_id", task.OrchestratorID),
			slog.String("error", err.Error()),
		)
	}
}

// decodeTask accepts either an in-process *workflow.Task or a decoded
// JSON map (when the envelope crossed a serialization boundary).
func decodeTask(v any) (*workflow.Task, error) {
	switch t := v.(type) {
	case *workflow.Task:
		if t == nil {
			return nil, fmt.Errorf("task payload is nil")
		}
		return t.Clone(), nil
	case map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("re-encoding task payload: %w", err)
		}
		var task workflow.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("decoding task payload: %w", err)
		}
		if task.TaskID == "" {
			return nil, fmt.Errorf("task payload missing task_id")
		}
		return &task, nil
	case nil:
		return nil, fmt.Errorf("no task payload provided")
	default:
		return nil, fmt.Errorf("unexpected task payload type %T", v)
	}
}
