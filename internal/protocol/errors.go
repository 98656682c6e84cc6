package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the mesh error taxonomy. Wrapper types below
// add detail; match with errors.Is against these sentinels.
var (
	// ErrAlreadyRegistered is returned when a worker id is registered twice.
	ErrAlreadyRegistered = errors.New("worker already registered")

	// ErrNotFound is returned for unknown worker, workflow, or task ids.
	ErrNotFound = errors.New("not found")

	// ErrNotRoutable is returned when the target worker exists but is not online.
	ErrNotRoutable = errors.New("worker not routable")

	// ErrCapabilityNotFound is returned when a required capability has no registrants.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrBusy is the backpressure signal: the target mailbox is at capacity.
	// Callers must retry, drop, or escalate per their own policy.
	ErrBusy = errors.New("mailbox full")

	// ErrInvalidTask is returned for malformed execute_task commands.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnknownWorkflowType is returned when no definition matches a start request.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrWorkflowFailed is returned when a workflow instance exhausts its retries.
	ErrWorkflowFailed = errors.New("workflow failed")
)

// RegistrationError reports a failed worker registration.
type RegistrationError struct {
	WorkerID string
	Reason   string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register worker %q: %s", e.WorkerID, e.Reason)
}

func (e *RegistrationError) Unwrap() error { return ErrAlreadyRegistered }

// RoutingError reports a failed envelope delivery.
type RoutingError struct {
	EnvelopeID string
	ReceiverID string
	Err        error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("failed to route envelope %s to %q: %v", e.EnvelopeID, e.ReceiverID, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// CapabilityError reports a discovery query naming a capability with
// zero registrants.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("no workers advertise capability %q", e.Capability)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityNotFound }
