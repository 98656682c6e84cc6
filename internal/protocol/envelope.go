// Package protocol defines the message envelope, capability descriptors,
// and error taxonomy shared by every component of the coordination mesh.
// All inter-worker communication is JSON-encodable and wrapped in an
// Envelope for uniform routing and thread tracking.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies envelopes flowing through the mesh.
type MessageType string

const (
	// Workflow-level messages.
	MsgAlertReceived    MessageType = "alert_received"
	MsgWorkflowComplete MessageType = "workflow_complete"

	// System-level messages.
	MsgRegistration MessageType = "agent_registration"
	MsgDiscovery    MessageType = "agent_discovery"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgError        MessageType = "error"
	MsgCommand      MessageType = "command"
	MsgResponse     MessageType = "response"

	// Orchestration messages carried in Command/Response payloads.
	MsgTaskAssign      MessageType = "agent_task_assign"
	MsgTaskComplete    MessageType = "agent_task_complete"
	MsgTaskFail        MessageType = "agent_task_fail"
	MsgWorkflowStart   MessageType = "workflow_start"
	MsgWorkflowPause   MessageType = "workflow_pause"
	MsgWorkflowResume  MessageType = "workflow_resume"
	MsgWorkflowCancel  MessageType = "workflow_cancel"
	MsgStatusRequest   MessageType = "agent_status_request"
	MsgStatusResponse  MessageType = "agent_status_response"
	MsgWorkflowStateUp MessageType = "workflow_state_update"
)

// Priority orders envelopes by urgency. It is advisory: mailboxes are
// FIFO queues, not priority queues.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Payload is the opaque structured body of an envelope.
type Payload map[string]any

// Envelope is the immutable message unit moved between workers and the
// orchestrator. Construct with NewEnvelope or Reply; never mutate one
// after sending.
type Envelope struct {
	ID            string      `json:"id"`
	SenderID      string      `json:"sender_id"`
	ReceiverID    string      `json:"receiver_id"`
	Type          MessageType `json:"message_type"`
	ThreadID      string      `json:"thread_id"`
	Payload       Payload     `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
	Priority      Priority    `json:"priority"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// EnvelopeOpt customizes a new envelope.
type EnvelopeOpt func(*Envelope)

// WithPriority sets the envelope priority.
func WithPriority(p Priority) EnvelopeOpt {
	return func(e *Envelope) { e.Priority = p }
}

// WithCorrelationID attaches a correlation id, typically a task id.
func WithCorrelationID(id string) EnvelopeOpt {
	return func(e *Envelope) { e.CorrelationID = id }
}

// NewEnvelope creates an envelope with a fresh id and current timestamp.
// An empty threadID starts a new thread.
func NewEnvelope(msgType MessageType, sender, receiver, threadID string, payload Payload, opts ...EnvelopeOpt) Envelope {
	if threadID == "" {
		threadID = uuid.New().String()
	}
	if payload == nil {
		payload = Payload{}
	}
	e := Envelope{
		ID:         uuid.New().String(),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       msgType,
		ThreadID:   threadID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		Priority:   PriorityNormal,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Reply builds a response envelope addressed back to the sender.
// The reply carries a fresh id but inherits the original's thread and
// correlation ids, and records the original id in ReplyTo.
func (e Envelope) Reply(sender string, msgType MessageType, payload Payload) Envelope {
	r := NewEnvelope(msgType, sender, e.SenderID, e.ThreadID, payload)
	r.ReplyTo = e.ID
	r.CorrelationID = e.CorrelationID
	return r
}

// Redirect returns a copy of the envelope addressed to a different
// receiver with a fresh id. Used by broadcast fan-out.
func (e Envelope) Redirect(receiver string) Envelope {
	cp := e
	cp.ID = uuid.New().String()
	cp.ReceiverID = receiver
	return cp
}

// GetString extracts a string field from the payload, or "" if absent.
func (p Payload) GetString(key string) string {
	s, _ := p[key].(string)
	return s
}

// GetMap extracts a nested map from the payload, or nil if absent.
func (p Payload) GetMap(key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}
