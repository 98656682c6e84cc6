package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/workflow"
)

// advanceLocked dispatches every ready step up to the definition's
// parallelism limit, then checks for instance completion. Caller holds
// the engine lock and guarantees the instance is in the table.
func (e *Engine) advanceLocked(ctx context.Context, in *workflow.Instance) {
	if in.Status != workflow.StatusRunning {
		return
	}

	ready := workflow.ReadySteps(in)
	limit := in.Definition.MaxParallelSteps
	if limit <= 0 {
		limit = 1
	}
	slots := limit - workflow.OutstandingTasks(in)

	for _, step := range ready {
		if slots <= 0 {
			break
		}
		if err := e.dispatchStepLocked(ctx, in, step); err != nil {
			e.logger.Warn("step dispatch failed",
				slog.String("workflow_id", in.ID),
				slog.String("step_id", step.StepID),
				slog.String("error", err.Error()),
			)
			e.failStepLocked(ctx, in, step.StepID, err.Error())
			if in.Status.Terminal() {
				return
			}
			continue
		}
		slots--
	}

	e.checkCompletionLocked(ctx, in)
}

// dispatchStepLocked resolves the step's capability, builds a fresh
// task, and routes an execute_task command to the chosen worker.
func (e *Engine) dispatchStepLocked(ctx context.Context, in *workflow.Instance, step workflow.Step) error {
	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = e.cfg.Tracer.Start(ctx, "workflow.dispatch_task",
			trace.WithAttributes(
				attribute.String("workflow.id", in.ID),
				attribute.String("workflow.step_id", step.StepID),
				attribute.String("workflow.capability", step.Capability),
			))
		defer span.End()
	}

	candidates, err := e.mesh.Discover([]string{step.Capability}, []string{e.rt.ID()})
	if err != nil {
		return e.traceError(ctx, fmt.Errorf("resolving %q: %w", step.Capability, err))
	}
	if len(candidates) == 0 {
		return e.traceError(ctx, fmt.Errorf("resolving %q: %w", step.Capability, protocol.ErrNotRoutable))
	}
	agentID := candidates[0]

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.taskTimeout()
	}

	now := time.Now().UTC()
	task := in.Tasks[step.StepID]
	if task == nil {
		task = &workflow.Task{
			TaskID:         uuid.New().String(),
			TaskType:       step.TaskName,
			WorkflowID:     in.ID,
			OrchestratorID: e.rt.ID(),
			Priority:       protocol.PriorityHigh,
			Timeout:        timeout,
			MaxRetries:     in.Definition.RetryPolicy.MaxRetries,
			Dependencies:   append([]string(nil), step.Dependencies...),
			CreatedAt:      now,
		}
		in.Tasks[step.StepID] = task
	}
	task.AgentID = agentID
	task.Status = workflow.TaskAssigned
	task.AssignedAt = &now
	task.Payload = protocol.Payload{
		"step_id":     step.StepID,
		"capability":  step.Capability,
		"description": step.Description,
	}
	in.UpdatedAt = now

	env := protocol.NewEnvelope(protocol.MsgCommand, e.rt.ID(), agentID, in.ID, protocol.Payload{
		"command":          "execute_task",
		"task":             task.Clone(),
		"workflow_context": map[string]any(in.Context),
	},
		protocol.WithPriority(protocol.PriorityHigh),
		protocol.WithCorrelationID(task.TaskID),
	)

	if err := e.mesh.Route(ctx, env); err != nil {
		return e.traceError(ctx, fmt.Errorf("dispatching to %q: %w", agentID, err))
	}

	e.startWatchdogLocked(in.ID, task.TaskID, timeout)

	if e.metrics != nil {
		e.metrics.TasksDispatched.WithLabelValues(step.Capability).Inc()
	}
	e.logger.Info("task dispatched",
		slog.String("workflow_id", in.ID),
		slog.String("step_id", step.StepID),
		slog.String("task_id", task.TaskID),
		slog.String("agent_id", agentID),
		slog.Int("attempt", task.RetryCount+1),
	)
	e.publishLocked(Event{
		Type:       EventTaskDispatched,
		WorkflowID: in.ID,
		StepID:     step.StepID,
		TaskID:     task.TaskID,
		AgentID:    agentID,
		Status:     string(task.Status),
	})
	return nil
}

// onTaskComplete folds a completed task's result into its instance and
// advances the workflow.
func (e *Engine) onTaskComplete(ctx context.Context, env protocol.Envelope) error {
	taskID := env.Payload.GetString("task_id")
	workflowID := env.Payload.GetString("workflow_id")

	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = e.cfg.Tracer.Start(ctx, "workflow.task_complete",
			trace.WithAttributes(
				attribute.String("workflow.id", workflowID),
				attribute.String("workflow.task_id", taskID),
			))
		defer span.End()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	in, task, stepID := e.lookupLocked(workflowID, taskID)
	if task == nil {
		e.logger.Debug("completion for unknown task",
			slog.String("task_id", taskID),
			slog.String("workflow_id", workflowID),
		)
		return nil
	}
	if task.Status.Terminal() {
		// Late completion after cancel or watchdog failure. Ignored.
		return nil
	}

	e.stopTimersLocked(taskID)

	now := time.Now().UTC()
	task.Status = workflow.TaskCompleted
	task.CompletedAt = &now
	task.Result = env.Payload.GetMap("result")
	in.MergeResult(task.Result)

	if e.metrics != nil {
		e.metrics.TasksTotal.WithLabelValues("completed").Inc()
		if task.AssignedAt != nil {
			e.metrics.TaskDuration.Observe(now.Sub(*task.AssignedAt).Seconds())
		}
	}
	e.logger.Info("task completed",
		slog.String("workflow_id", in.ID),
		slog.String("step_id", stepID),
		slog.String("task_id", taskID),
		slog.String("agent_id", env.SenderID),
	)
	e.publishLocked(Event{
		Type:       EventTaskCompleted,
		WorkflowID: in.ID,
		StepID:     stepID,
		TaskID:     taskID,
		AgentID:    env.SenderID,
		Status:     string(task.Status),
	})

	e.advanceLocked(ctx, in)
	return nil
}

// onTaskFail schedules a retry or fails the instance when the task has
// exhausted its budget.
func (e *Engine) onTaskFail(ctx context.Context, env protocol.Envelope) error {
	taskID := env.Payload.GetString("task_id")
	workflowID := env.Payload.GetString("workflow_id")
	reason := env.Payload.GetString("error")

	if e.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = e.cfg.Tracer.Start(ctx, "workflow.task_fail",
			trace.WithAttributes(
				attribute.String("workflow.id", workflowID),
				attribute.String("workflow.task_id", taskID),
				attribute.String("workflow.task_error", reason),
			))
		defer span.End()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	in, task, stepID := e.lookupLocked(workflowID, taskID)
	if task == nil || task.Status.Terminal() {
		return nil
	}

	e.stopTimersLocked(taskID)
	e.handleFailureLocked(ctx, in, task, stepID, reason)
	return nil
}

// onResponse absorbs command acknowledgments from workers. Accepted and
// cancelled acks need no action; everything else is logged for triage.
func (e *Engine) onResponse(ctx context.Context, env protocol.Envelope) error {
	switch status := env.Payload.GetString("status"); status {
	case "accepted", "cancelled":
		return nil
	default:
		e.logger.Debug("unexpected worker response",
			slog.String("sender_id", env.SenderID),
			slog.String("status", status),
		)
		return nil
	}
}

// handleFailureLocked applies the retry policy to a failed task.
func (e *Engine) handleFailureLocked(ctx context.Context, in *workflow.Instance, task *workflow.Task, stepID, reason string) {
	if e.metrics != nil {
		e.metrics.TasksTotal.WithLabelValues("failed").Inc()
	}
	e.publishLocked(Event{
		Type:       EventTaskFailed,
		WorkflowID: in.ID,
		StepID:     stepID,
		TaskID:     task.TaskID,
		Status:     string(workflow.TaskFailed),
		Detail:     reason,
	})

	policy := in.Definition.RetryPolicy
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = workflow.TaskRetrying
		task.Error = reason
		delay := policy.Delay(task.RetryCount)

		e.logger.Warn("task retry scheduled",
			slog.String("workflow_id", in.ID),
			slog.String("step_id", stepID),
			slog.String("task_id", task.TaskID),
			slog.Int("attempt", task.RetryCount),
			slog.Int("max_retries", task.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", reason),
		)
		if e.metrics != nil {
			e.metrics.TaskRetries.Inc()
		}

		workflowID, taskID := in.ID, task.TaskID
		e.retries[taskID] = time.AfterFunc(delay, func() {
			e.retryTask(workflowID, taskID)
		})
		return
	}

	e.failStepLocked(ctx, in, stepID, fmt.Sprintf("retries exhausted: %s", reason))
}

// retryTask re-dispatches a task whose retry delay elapsed. Runs on the
// timer goroutine.
func (e *Engine) retryTask(workflowID, taskID string) {
	ctx := context.Background()

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.retries, taskID)
	in, task, stepID := e.lookupLocked(workflowID, taskID)
	if task == nil || task.Status != workflow.TaskRetrying {
		return
	}
	if in.Status != workflow.StatusRunning {
		// Paused mid-delay. Reset the task so resume sees the step as
		// ready again instead of leaving it stuck in retrying.
		if in.Status == workflow.StatusPaused {
			task.Status = workflow.TaskPending
		}
		return
	}

	step := in.Definition.Step(stepID)
	if step == nil {
		return
	}
	task.Status = workflow.TaskPending
	if err := e.dispatchStepLocked(ctx, in, *step); err != nil {
		e.logger.Warn("retry dispatch failed",
			slog.String("workflow_id", workflowID),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		e.handleFailureLocked(ctx, in, task, stepID, err.Error())
	}
}

// failStepLocked marks a task permanently failed and fails the whole
// instance, cancelling its other outstanding tasks.
func (e *Engine) failStepLocked(ctx context.Context, in *workflow.Instance, stepID, reason string) {
	now := time.Now().UTC()
	if task := in.Tasks[stepID]; task != nil {
		task.Status = workflow.TaskFailed
		task.Error = reason
		task.FailedAt = &now
	}

	for id, task := range in.Tasks {
		if id == stepID {
			continue
		}
		switch task.Status {
		case workflow.TaskAssigned, workflow.TaskRunning, workflow.TaskRetrying:
			e.stopTimersLocked(task.TaskID)
			e.sendCancelLocked(ctx, task)
			task.Status = workflow.TaskCancelled
			task.CancelledAt = &now
		}
	}

	e.finishLocked(ctx, in, workflow.StatusFailed, fmt.Sprintf("step %q failed: %s", stepID, reason))
}

// checkCompletionLocked finishes the instance once every step's task
// has completed.
func (e *Engine) checkCompletionLocked(ctx context.Context, in *workflow.Instance) {
	if in.Status != workflow.StatusRunning {
		return
	}
	for _, step := range in.Definition.Steps {
		task, ok := in.Tasks[step.StepID]
		if !ok || task.Status != workflow.TaskCompleted {
			return
		}
	}
	e.finishLocked(ctx, in, workflow.StatusCompleted, "")
}

// finishLocked moves an instance to a terminal status, records metrics,
// archives the snapshot, and notifies subscribers.
func (e *Engine) finishLocked(ctx context.Context, in *workflow.Instance, status workflow.Status, errMsg string) {
	in.Status = status
	in.Error = errMsg
	in.UpdatedAt = time.Now().UTC()

	if e.metrics != nil {
		e.metrics.ActiveWorkflows.Dec()
		e.metrics.WorkflowsTotal.WithLabelValues(string(status)).Inc()
		e.metrics.WorkflowDuration.WithLabelValues(string(status)).Observe(in.UpdatedAt.Sub(in.CreatedAt).Seconds())
	}
	e.logger.Info("workflow finished",
		slog.String("workflow_id", in.ID),
		slog.String("status", string(status)),
		slog.String("error", errMsg),
	)

	eventType := EventWorkflowCompleted
	switch status {
	case workflow.StatusFailed:
		eventType = EventWorkflowFailed
	case workflow.StatusCancelled:
		eventType = EventWorkflowCancelled
	}
	e.publishLocked(Event{
		Type:       eventType,
		WorkflowID: in.ID,
		Status:     string(status),
		Detail:     errMsg,
	})

	// Terminal instances move to the archive and leave the live table.
	// On archive failure, and without a store at all, the instance stays
	// resident so status queries keep working.
	if e.archive != nil {
		snap := in.Snapshot()
		go func() {
			if err := e.archive.SaveWorkflow(context.WithoutCancel(ctx), snap); err != nil {
				e.logger.Warn("workflow archive failed",
					slog.String("workflow_id", snap.WorkflowID),
					slog.String("error", err.Error()),
				)
				return
			}
			e.mu.Lock()
			delete(e.instances, snap.WorkflowID)
			e.mu.Unlock()
		}()
	}
}

// startWatchdogLocked arms the per-task timeout timer: a task that
// reports nothing within its timeout plus grace is treated as failed.
func (e *Engine) startWatchdogLocked(workflowID, taskID string, timeout time.Duration) {
	e.stopTimersLocked(taskID)
	deadline := timeout + e.cfg.watchdogGrace()
	e.watchdogs[taskID] = time.AfterFunc(deadline, func() {
		e.watchdogFired(workflowID, taskID, deadline)
	})
}

// watchdogFired runs on the timer goroutine when a task went silent.
func (e *Engine) watchdogFired(workflowID, taskID string, deadline time.Duration) {
	ctx := context.Background()

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.watchdogs, taskID)
	in, task, stepID := e.lookupLocked(workflowID, taskID)
	if task == nil || task.Status.Terminal() || task.Status == workflow.TaskRetrying {
		return
	}

	e.logger.Warn("task watchdog expired",
		slog.String("workflow_id", workflowID),
		slog.String("task_id", taskID),
		slog.String("step_id", stepID),
		slog.Duration("deadline", deadline),
	)
	if e.metrics != nil {
		e.metrics.TaskTimeouts.Inc()
	}

	e.sendCancelLocked(ctx, task)
	e.handleFailureLocked(ctx, in, task, stepID, fmt.Sprintf("no result within %s", deadline))
}

// sendCancelLocked tells a task's worker to abandon it. Best effort.
func (e *Engine) sendCancelLocked(ctx context.Context, task *workflow.Task) {
	if task.AgentID == "" {
		return
	}
	env := protocol.NewEnvelope(protocol.MsgCommand, e.rt.ID(), task.AgentID, task.WorkflowID, protocol.Payload{
		"command": "cancel_task",
		"task_id": task.TaskID,
	},
		protocol.WithPriority(protocol.PriorityHigh),
		protocol.WithCorrelationID(task.TaskID),
	)
	if err := e.mesh.Route(ctx, env); err != nil {
		e.logger.Debug("task cancel not delivered",
			slog.String("task_id", task.TaskID),
			slog.String("agent_id", task.AgentID),
			slog.String("error", err.Error()),
		)
	}
}

// traceError records err on the current span when tracing is enabled.
func (e *Engine) traceError(ctx context.Context, err error) error {
	if e.cfg.Tracer != nil && err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) stopTimersLocked(taskID string) {
	if t, ok := e.watchdogs[taskID]; ok {
		t.Stop()
		delete(e.watchdogs, taskID)
	}
	if t, ok := e.retries[taskID]; ok {
		t.Stop()
		delete(e.retries, taskID)
	}
}

// lookupLocked resolves a workflow/task pair to live records.
func (e *Engine) lookupLocked(workflowID, taskID string) (*workflow.Instance, *workflow.Task, string) {
	in, ok := e.instances[workflowID]
	if !ok {
		return nil, nil, ""
	}
	task, stepID := in.TaskByID(taskID)
	return in, task, stepID
}
