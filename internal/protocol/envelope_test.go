package protocol

import (
	"encoding/json"
	"testing"
)

// --- Envelope Construction ---

func TestNewEnvelope_FreshIDs(t *testing.T) {
	a := NewEnvelope(MsgCommand, "orchestrator", "worker-1", "", Payload{"k": "v"})
	b := NewEnvelope(MsgCommand, "orchestrator", "worker-1", "", Payload{"k": "v"})

	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty envelope ids")
	}
	if a.ID == b.ID {
		t.Fatalf("expected unique envelope ids, both %s", a.ID)
	}
	if a.ThreadID == b.ThreadID {
		t.Errorf("empty threadID should start distinct threads, both %s", a.ThreadID)
	}
	if a.Priority != PriorityNormal {
		t.Errorf("default priority = %d, want %d", a.Priority, PriorityNormal)
	}
	if a.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestNewEnvelope_ExplicitThread(t *testing.T) {
	e := NewEnvelope(MsgHeartbeat, "worker-1", "registry", "thread-42", nil)
	if e.ThreadID != "thread-42" {
		t.Errorf("thread id = %s, want thread-42", e.ThreadID)
	}
	if e.Payload == nil {
		t.Error("nil payload should be replaced with an empty one")
	}
}

func TestNewEnvelope_Options(t *testing.T) {
	e := NewEnvelope(MsgCommand, "a", "b", "", nil,
		WithPriority(PriorityCritical),
		WithCorrelationID("task-7"),
	)
	if e.Priority != PriorityCritical {
		t.Errorf("priority = %d, want %d", e.Priority, PriorityCritical)
	}
	if e.CorrelationID != "task-7" {
		t.Errorf("correlation id = %s, want task-7", e.CorrelationID)
	}
}

// --- Reply / Redirect ---

func TestReply_InheritsThreadAndCorrelation(t *testing.T) {
	orig := NewEnvelope(MsgCommand, "orchestrator", "worker-1", "", Payload{"command": "execute_task"},
		WithCorrelationID("task-1"),
	)
	reply := orig.Reply("worker-1", MsgResponse, Payload{"status": "accepted"})

	if reply.ID == orig.ID {
		t.Error("reply must carry a fresh id")
	}
	if reply.ThreadID != orig.ThreadID {
		t.Errorf("reply thread = %s, want %s", reply.ThreadID, orig.ThreadID)
	}
	if reply.CorrelationID != "task-1" {
		t.Errorf("reply correlation = %s, want task-1", reply.CorrelationID)
	}
	if reply.ReplyTo != orig.ID {
		t.Errorf("reply_to = %s, want %s", reply.ReplyTo, orig.ID)
	}
	if reply.ReceiverID != "orchestrator" {
		t.Errorf("reply receiver = %s, want orchestrator", reply.ReceiverID)
	}
	if reply.SenderID != "worker-1" {
		t.Errorf("reply sender = %s, want worker-1", reply.SenderID)
	}
}

func TestRedirect(t *testing.T) {
	orig := NewEnvelope(MsgAlertReceived, "gateway", "", "", Payload{"alert_id": "A-1"})
	fan := orig.Redirect("worker-2")

	if fan.ID == orig.ID {
		t.Error("redirect must carry a fresh id")
	}
	if fan.ReceiverID != "worker-2" {
		t.Errorf("receiver = %s, want worker-2", fan.ReceiverID)
	}
	if fan.ThreadID != orig.ThreadID {
		t.Error("redirect must keep the thread id")
	}
}

// --- Payload Helpers ---

func TestPayloadAccessors(t *testing.T) {
	p := Payload{
		"name":   "brute_force",
		"count":  7,
		"nested": map[string]any{"k": "v"},
	}
	if got := p.GetString("name"); got != "brute_force" {
		t.Errorf("GetString(name) = %q", got)
	}
	if got := p.GetString("count"); got != "" {
		t.Errorf("GetString on non-string = %q, want empty", got)
	}
	if got := p.GetString("missing"); got != "" {
		t.Errorf("GetString on missing key = %q, want empty", got)
	}
	if m := p.GetMap("nested"); m == nil || m["k"] != "v" {
		t.Errorf("GetMap(nested) = %v", m)
	}
	if m := p.GetMap("name"); m != nil {
		t.Errorf("GetMap on non-map = %v, want nil", m)
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	e := NewEnvelope(MsgTaskComplete, "worker-1", "orchestrator", "thread-9",
		Payload{"task_id": "t1", "status": "completed"},
		WithPriority(PriorityHigh),
	)
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != MsgTaskComplete {
		t.Errorf("type = %s, want %s", decoded.Type, MsgTaskComplete)
	}
	if decoded.Payload.GetString("task_id") != "t1" {
		t.Errorf("payload task_id lost: %v", decoded.Payload)
	}
}
