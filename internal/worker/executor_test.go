package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/workflow"
)

func executeEnvelope(task *workflow.Task, workflowContext map[string]any) protocol.Envelope {
	return protocol.NewEnvelope(protocol.MsgCommand, "orchestrator", "w1", task.WorkflowID,
		protocol.Payload{
			"command":          "execute_task",
			"task":             task,
			"workflow_context": workflowContext,
		},
		protocol.WithCorrelationID(task.TaskID),
	)
}

func findEnvelope(envs []protocol.Envelope, msgType protocol.MessageType) (protocol.Envelope, bool) {
	for _, env := range envs {
		if env.Type == msgType {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

// --- Execute ---

func TestExecutor_ExecuteReportsCompletion(t *testing.T) {
	rt := testRuntime("w1")
	router := &captureRouter{}
	rt.AttachRouter(router)

	NewExecutor(rt, func(_ context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
		return map[string]any{"echo": workflowContext["input"], "task": task.TaskType}, nil
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Shutdown(context.Background())

	task := &workflow.Task{
		TaskID:         "task-1",
		TaskType:       "process_alert",
		WorkflowID:     "wf-1",
		OrchestratorID: "orchestrator",
	}
	if err := rt.Deliver(executeEnvelope(task, map[string]any{"input": "hello"})); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, ok := findEnvelope(router.envelopes(), protocol.MsgTaskComplete)
		return ok
	})

	if ack, ok := findEnvelope(router.envelopes(), protocol.MsgResponse); !ok {
		t.Error("expected an accepted ack")
	} else if ack.Payload.GetString("status") != "accepted" {
		t.Errorf("ack status = %s, want accepted", ack.Payload.GetString("status"))
	}

	outcome, _ := findEnvelope(router.envelopes(), protocol.MsgTaskComplete)
	if outcome.ReceiverID != "orchestrator" {
		t.Errorf("outcome receiver = %s, want orchestrator", outcome.ReceiverID)
	}
	if outcome.ThreadID != "wf-1" {
		t.Errorf("outcome thread = %s, want wf-1", outcome.ThreadID)
	}
	if outcome.CorrelationID != "task-1" {
		t.Errorf("outcome correlation = %s, want task-1", outcome.CorrelationID)
	}
	result := outcome.Payload.GetMap("result")
	if result == nil || result["echo"] != "hello" {
		t.Errorf("result = %v, want workflow context echoed", result)
	}
}

func TestExecutor_TaskErrorReportsFailure(t *testing.T) {
	rt := testRuntime("w1")
	router := &captureRouter{}
	rt.AttachRouter(router)

	NewExecutor(rt, func(context.Context, *workflow.Task, map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("lookup unavailable")
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Shutdown(context.Background())

	task := &workflow.Task{TaskID: "task-2", WorkflowID: "wf-2", OrchestratorID: "orchestrator"}
	if err := rt.Deliver(executeEnvelope(task, nil)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, ok := findEnvelope(router.envelopes(), protocol.MsgTaskFail)
		return ok
	})

	fail, _ := findEnvelope(router.envelopes(), protocol.MsgTaskFail)
	if fail.Payload.GetString("error") != "lookup unavailable" {
		t.Errorf("failure error = %q", fail.Payload.GetString("error"))
	}
	if fail.Payload.GetString("status") != string(workflow.TaskFailed) {
		t.Errorf("failure status = %s", fail.Payload.GetString("status"))
	}
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	rt := testRuntime("w1")
	router := &captureRouter{}
	rt.AttachRouter(router)

	NewExecutor(rt, func(context.Context, *workflow.Task, map[string]any) (map[string]any, error) {
		panic("bad heuristic")
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Shutdown(context.Background())

	task := &workflow.Task{TaskID: "task-3", WorkflowID: "wf-3", OrchestratorID: "orchestrator"}
	if err := rt.Deliver(executeEnvelope(task, nil)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, ok := findEnvelope(router.envelopes(), protocol.MsgTaskFail)
		return ok
	})
}

func TestExecutor_QueuedTaskKeepsOwnWorkflowContext(t *testing.T) {
	rt := testRuntime("w1")
	router := &captureRouter{}
	rt.AttachRouter(router)

	started := make(chan struct{})
	gate := make(chan struct{})
	NewExecutor(rt, func(_ context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
		if task.TaskID == "t1" {
			close(started)
			<-gate
		}
		return map[string]any{"marker": workflowContext["marker"]}, nil
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Shutdown(context.Background())

	first := &workflow.Task{TaskID: "t1", WorkflowID: "wf-a", OrchestratorID: "orchestrator"}
	second := &workflow.Task{TaskID: "t2", WorkflowID: "wf-b", OrchestratorID: "orchestrator"}
	if err := rt.Deliver(executeEnvelope(first, map[string]any{"marker": "CTX-A"})); err != nil {
		t.Fatal(err)
	}
	<-started
	// t2 queues behind t1 and must run with its own context, not t1's.
	if err := rt.Deliver(executeEnvelope(second, map[string]any{"marker": "CTX-B"})); err != nil {
		t.Fatal(err)
	}
	close(gate)

	waitFor(t, func() bool {
		n := 0
		for _, env := range router.envelopes() {
			if env.Type == protocol.MsgTaskComplete {
				n++
			}
		}
		return n == 2
	})

	want := map[string]string{"t1": "CTX-A", "t2": "CTX-B"}
	for _, env := range router.envelopes() {
		if env.Type != protocol.MsgTaskComplete {
			continue
		}
		result := env.Payload.GetMap("result")
		if got := result["marker"]; got != want[env.CorrelationID] {
			t.Errorf("task %s ran with marker %v, want %s", env.CorrelationID, got, want[env.CorrelationID])
		}
	}
}

// --- Cancel ---

func TestExecutor_CancelRunningDiscardsResult(t *testing.T) {
	rt := testRuntime("w1")
	router := &captureRouter{}
	rt.AttachRouter(router)

	started := make(chan struct{})
	NewExecutor(rt, func(ctx context.Context, _ *workflow.Task, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return map[string]any{"late": true}, nil
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Shutdown(context.Background())

	task := &workflow.Task{TaskID: "task-4", WorkflowID: "wf-4", OrchestratorID: "orchestrator"}
	if err := rt.Deliver(executeEnvelope(task, nil)); err != nil {
		t.Fatal(err)
	}
	<-started

	cancelEnv := protocol.NewEnvelope(protocol.MsgCommand, "orchestrator", "w1", "wf-4",
		protocol.Payload{"command": "cancel_task", "task_id": "task-4"})
	if err := rt.Deliver(cancelEnv); err != nil {
		t.Fatal(err)
	}

	// Wait for the cancelled ack, then confirm no outcome follows.
	waitFor(t, func() bool {
		for _, env := range router.envelopes() {
			if env.Type == protocol.MsgResponse && env.Payload.GetString("status") == "cancelled" {
				return true
			}
		}
		return false
	})
	time.Sleep(50 * time.Millisecond)

	if _, ok := findEnvelope(router.envelopes(), protocol.MsgTaskComplete); ok {
		t.Error("cancelled task outcome should be discarded")
	}
	if _, ok := findEnvelope(router.envelopes(), protocol.MsgTaskFail); ok {
		t.Error("cancelled task should not report failure")
	}
}

func TestExecutor_CancelQueuedRemovesTask(t *testing.T) {
	rt := testRuntime("w1")
	router := &captureRouter{}
	rt.AttachRouter(router)

	gate := make(chan struct{})
	NewExecutor(rt, func(_ context.Context, task *workflow.Task, _ map[string]any) (map[string]any, error) {
		if task.TaskID == "task-blocker" {
			<-gate
		}
		return map[string]any{"done": task.TaskID}, nil
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Shutdown(context.Background())

	blocker := &workflow.Task{TaskID: "task-blocker", WorkflowID: "wf-5", OrchestratorID: "orchestrator"}
	queued := &workflow.Task{TaskID: "task-queued", WorkflowID: "wf-5", OrchestratorID: "orchestrator"}
	if err := rt.Deliver(executeEnvelope(blocker, nil)); err != nil {
		t.Fatal(err)
	}
	if err := rt.Deliver(executeEnvelope(queued, nil)); err != nil {
		t.Fatal(err)
	}

	cancelEnv := protocol.NewEnvelope(protocol.MsgCommand, "orchestrator", "w1", "wf-5",
		protocol.Payload{"command": "cancel_task", "task_id": "task-queued"})
	if err := rt.Deliver(cancelEnv); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		for _, env := range router.envelopes() {
			if env.Type == protocol.MsgResponse && env.Payload.GetString("status") == "cancelled" {
				return true
			}
		}
		return false
	})

	close(gate)
	waitFor(t, func() bool {
		_, ok := findEnvelope(router.envelopes(), protocol.MsgTaskComplete)
		return ok
	})
	time.Sleep(50 * time.Millisecond)

	for _, env := range router.envelopes() {
		if env.Type == protocol.MsgTaskComplete && env.CorrelationID == "task-queued" {
			t.Error("queued task should have been removed before running")
		}
	}
}

// --- Decoding ---

func TestDecodeTask_FromMap(t *testing.T) {
	task, err := decodeTask(map[string]any{
		"task_id":     "t1",
		"task_type":   "process_alert",
		"workflow_id": "wf-1",
	})
	if err != nil {
		t.Fatalf("decodeTask: %v", err)
	}
	if task.TaskID != "t1" || task.TaskType != "process_alert" {
		t.Errorf("decoded task = %+v", task)
	}
}

func TestDecodeTask_Rejects(t *testing.T) {
	if _, err := decodeTask(nil); err == nil {
		t.Error("nil payload should fail")
	}
	if _, err := decodeTask("bogus"); err == nil {
		t.Error("wrong type should fail")
	}
	if _, err := decodeTask(map[string]any{"task_type": "x"}); err == nil {
		t.Error("missing task_id should fail")
	}
}
