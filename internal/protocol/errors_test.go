package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistrationErrorUnwraps(t *testing.T) {
	err := error(&RegistrationError{WorkerID: "w-1", Reason: "duplicate id"})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatal("RegistrationError must match ErrAlreadyRegistered")
	}
	if !strings.Contains(err.Error(), "w-1") || !strings.Contains(err.Error(), "duplicate id") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRoutingErrorUnwrapsCause(t *testing.T) {
	err := error(&RoutingError{EnvelopeID: "e-1", ReceiverID: "w-2", Err: ErrBusy})
	if !errors.Is(err, ErrBusy) {
		t.Fatal("RoutingError must match its wrapped cause")
	}
	var rerr *RoutingError
	if !errors.As(err, &rerr) || rerr.ReceiverID != "w-2" {
		t.Fatalf("errors.As failed: %+v", rerr)
	}
}

func TestCapabilityErrorUnwraps(t *testing.T) {
	err := error(&CapabilityError{Capability: "analyze_severity"})
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatal("CapabilityError must match ErrCapabilityNotFound")
	}
	if !strings.Contains(err.Error(), "analyze_severity") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestWorkerStateAccepting(t *testing.T) {
	for state, want := range map[WorkerState]bool{
		WorkerOnline:  true,
		WorkerBusy:    true,
		WorkerOffline: false,
		WorkerError:   false,
	} {
		if got := state.Accepting(); got != want {
			t.Errorf("%s.Accepting() = %v, want %v", state, got, want)
		}
	}
}

func TestNewCapabilityDefaults(t *testing.T) {
	cap := NewCapability("process_alert", "normalize alerts")
	if cap.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", cap.Version)
	}
	if cap.Name != "process_alert" {
		t.Errorf("name = %q", cap.Name)
	}
}
