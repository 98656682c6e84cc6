// Package workflow defines the declarative step-graph model and the
// runtime task/instance records the orchestrator schedules against.
// Definitions are immutable templates; instances and tasks are owned by
// the orchestrator and only ever leave it as copies.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/coralproto/coral/internal/protocol"
)

// TaskStatus is the lifecycle state of a dispatched task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskRetrying  TaskStatus = "retrying"
)

// Terminal reports whether a task has reached a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether an instance has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of work assigned to one worker for one workflow step.
// Never reused across workflow instances.
type Task struct {
	TaskID         string            `json:"task_id"`
	AgentID        string            `json:"agent_id"`
	TaskType       string            `json:"task_type"`
	Payload        protocol.Payload  `json:"payload"`
	WorkflowID     string            `json:"workflow_id"`
	OrchestratorID string            `json:"orchestrator_id"`
	Priority       protocol.Priority `json:"priority"`
	Timeout        time.Duration     `json:"timeout"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Status         TaskStatus        `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	AssignedAt     *time.Time        `json:"assigned_at,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	Result         map[string]any    `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Clone returns a deep-enough copy for handing outside the orchestrator:
// scalar fields by value, maps and slices reallocated.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = make(protocol.Payload, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}

// Step is one immutable step template within a workflow definition.
type Step struct {
	StepID       string        `json:"step_id" yaml:"step_id"`
	Capability   string        `json:"capability" yaml:"capability"`
	TaskName     string        `json:"task_name" yaml:"task_name"`
	Description  string        `json:"description" yaml:"description"`
	Dependencies []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// RetryPolicy controls re-dispatch of failed tasks.
type RetryPolicy struct {
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay          time.Duration `json:"base_delay" yaml:"base_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff" yaml:"exponential_backoff"`
}

// Delay returns the wait before the attempt-th retry (1-based).
// With backoff enabled the delay doubles on every retry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !p.ExponentialBackoff {
		return p.BaseDelay
	}
	return p.BaseDelay * time.Duration(1<<(attempt-1))
}

// Definition is a named immutable workflow template.
type Definition struct {
	WorkflowID       string      `json:"workflow_id" yaml:"workflow_id"`
	Name             string      `json:"name" yaml:"name"`
	Description      string      `json:"description" yaml:"description"`
	Steps            []Step      `json:"steps" yaml:"steps"`
	MaxParallelSteps int         `json:"max_parallel_steps" yaml:"max_parallel_steps"`
	RetryPolicy      RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(stepID string) *Step {
	for i := range d.Steps {
		if d.Steps[i].StepID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// Instance is one live execution of a definition. The generated ID is
// the execution identifier and doubles as the envelope thread id; it is
// distinct from the definition's template key.
type Instance struct {
	ID         string           `json:"workflow_id"`
	Definition *Definition      `json:"-"`
	Current    int              `json:"current_step"`
	Status     Status           `json:"status"`
	Tasks      map[string]*Task `json:"agent_tasks"` // step_id → task
	Context    protocol.Payload `json:"context"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewInstance creates a pending instance of the given definition with
// the initial context.
func NewInstance(def *Definition, context protocol.Payload) *Instance {
	now := time.Now().UTC()
	if context == nil {
		context = protocol.Payload{}
	}
	return &Instance{
		ID:         uuid.New().String(),
		Definition: def,
		Status:     StatusPending,
		Tasks:      make(map[string]*Task, len(def.Steps)),
		Context:    context,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TaskByID returns the task with the given task id and its step id.
func (in *Instance) TaskByID(taskID string) (*Task, string) {
	for stepID, task := range in.Tasks {
		if task.TaskID == taskID {
			return task, stepID
		}
	}
	return nil, ""
}

// MergeResult folds a completed task's result into the instance context.
// Later results overwrite overlapping keys.
func (in *Instance) MergeResult(result map[string]any) {
	for k, v := range result {
		in.Context[k] = v
	}
	in.UpdatedAt = time.Now().UTC()
}

// Snapshot is a read-only copy of instance state for status queries.
type Snapshot struct {
	WorkflowID string           `json:"workflow_id"`
	Type       string           `json:"workflow_type"`
	Status     Status           `json:"status"`
	TotalSteps int              `json:"total_steps"`
	Tasks      map[string]*Task `json:"agent_tasks"`
	Context    protocol.Payload `json:"context"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Snapshot copies the instance into a detached view.
func (in *Instance) Snapshot() *Snapshot {
	tasks := make(map[string]*Task, len(in.Tasks))
	for stepID, task := range in.Tasks {
		tasks[stepID] = task.Clone()
	}
	ctx := make(protocol.Payload, len(in.Context))
	for k, v := range in.Context {
		ctx[k] = v
	}
	return &Snapshot{
		WorkflowID: in.ID,
		Type:       in.Definition.WorkflowID,
		Status:     in.Status,
		TotalSteps: len(in.Definition.Steps),
		Tasks:      tasks,
		Context:    ctx,
		Error:      in.Error,
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.UpdatedAt,
	}
}
