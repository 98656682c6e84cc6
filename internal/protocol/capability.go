package protocol

import "time"

// Capability is a named, versioned contract a worker advertises.
// Names are unique within a worker, not globally; the registry indexes
// capability name → worker ids for discovery.
type Capability struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Version      string         `json:"version"`
	Tags         []string       `json:"tags,omitempty"`
}

// NewCapability creates a capability with the default version.
func NewCapability(name, description string) Capability {
	return Capability{
		Name:        name,
		Description: description,
		Version:     "1.0.0",
	}
}

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	WorkerOffline WorkerState = "offline"
	WorkerOnline  WorkerState = "online"
	WorkerBusy    WorkerState = "busy"
	WorkerError   WorkerState = "error"
)

// Accepting reports whether a worker in this state processes envelopes.
func (s WorkerState) Accepting() bool {
	return s == WorkerOnline || s == WorkerBusy
}

// WorkerStatus is a point-in-time health snapshot of one worker.
// It is mutated only by the worker's own runtime; everyone else reads
// copies obtained through the registry.
type WorkerStatus struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	State          WorkerState `json:"status"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	MailboxDepth   int         `json:"mailbox_depth"`
	ActiveThreads  int         `json:"active_threads"`
	ProcessedCount int         `json:"processed_count"`
	ErrorCount     int         `json:"error_count"`
}
