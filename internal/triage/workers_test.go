package triage

import (
	"context"
	"testing"

	"github.com/coralproto/coral/internal/worker"
	"github.com/coralproto/coral/internal/workflow"
)

func contextWith(alert *SecurityAlert) map[string]any {
	return map[string]any{"alert": alert.Map()}
}

func runStep(t *testing.T, fn worker.TaskFunc, alert *SecurityAlert) (map[string]any, *SecurityAlert) {
	t.Helper()
	task := &workflow.Task{TaskID: "t-1", WorkflowID: "wf-1"}
	result, err := fn(context.Background(), task, contextWith(alert))
	if err != nil {
		t.Fatalf("task func: %v", err)
	}
	raw, ok := result["alert"].(map[string]any)
	if !ok {
		t.Fatalf("result has no alert: %v", result)
	}
	updated, err := AlertFromMap(raw)
	if err != nil {
		t.Fatalf("decoding result alert: %v", err)
	}
	return result, updated
}

// --- reception ---

func TestReceiveAlertNormalizes(t *testing.T) {
	alert := NewAlert("edr", AlertMalware, "trojan detected")
	_, updated := runStep(t, receiveAlert, alert)

	if updated.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", updated.Status)
	}
	if updated.WorkflowID != "wf-1" {
		t.Errorf("workflow id = %q, want wf-1", updated.WorkflowID)
	}
}

func TestReceiveAlertRequiresAlert(t *testing.T) {
	task := &workflow.Task{TaskID: "t-1", WorkflowID: "wf-1"}
	if _, err := receiveAlert(context.Background(), task, map[string]any{}); err == nil {
		t.Fatal("expected error for context without alert")
	}
}

// --- false positive scoring ---

func TestFalsePositiveMaintenanceAndScanner(t *testing.T) {
	alert := NewAlert("vulnerability-scanner", AlertNetworkAnomaly, "port sweep")
	alert.Tags = []string{"maintenance_window"}
	alert.SourceIP = "10.0.0.5"

	result, updated := runStep(t, checkFalsePositive, alert)

	// maintenance 0.5 + scanner 0.4 + internal anomaly 0.3, clamped to 1.
	if updated.ConfidenceScore != 1.0 {
		t.Errorf("confidence = %v, want 1.0", updated.ConfidenceScore)
	}
	if updated.IsFalsePositive == nil || !*updated.IsFalsePositive {
		t.Error("expected alert flagged as false positive")
	}
	if updated.Status != StatusFalsePositive {
		t.Errorf("status = %s, want false_positive", updated.Status)
	}

	analysis := result["false_positive_analysis"].(map[string]any)
	if analysis["is_false_positive"] != true {
		t.Errorf("analysis = %v", analysis)
	}
}

func TestFalsePositiveBelowThreshold(t *testing.T) {
	alert := NewAlert("edr", AlertMalware, "trojan detected")
	alert.ProcessName = "backup.exe"

	_, updated := runStep(t, checkFalsePositive, alert)

	if updated.ConfidenceScore != 0.3 {
		t.Errorf("confidence = %v, want 0.3", updated.ConfidenceScore)
	}
	if updated.IsFalsePositive == nil || *updated.IsFalsePositive {
		t.Error("alert below threshold must not be a false positive")
	}
	if updated.Status == StatusFalsePositive {
		t.Error("status must not change below threshold")
	}
}

func TestFalsePositiveCleanAlertScoresZero(t *testing.T) {
	alert := NewAlert("edr", AlertMalware, "trojan detected")
	_, updated := runStep(t, checkFalsePositive, alert)
	if updated.ConfidenceScore != 0 {
		t.Errorf("confidence = %v, want 0", updated.ConfidenceScore)
	}
}

// --- severity ---

func TestSeverityBaseByType(t *testing.T) {
	for alertType, want := range map[AlertType]Severity{
		AlertNetworkAnomaly:   SeverityLow,
		AlertPhishing:         SeverityMedium,
		AlertMalware:          SeverityHigh,
		AlertCommandControl:   SeverityCritical,
		AlertDataExfiltration: SeverityCritical,
	} {
		alert := NewAlert("edr", alertType, "test")
		_, updated := runStep(t, analyzeSeverity, alert)
		if updated.Severity != want {
			t.Errorf("%s: severity = %s, want %s", alertType, updated.Severity, want)
		}
	}
}

func TestSeverityEscalatingFactors(t *testing.T) {
	alert := NewAlert("edr", AlertPhishing, "credential phish")
	alert.Hostname = "dc-01"
	alert.UserID = "admin"
	alert.SourceIP = "203.0.113.10"

	result, updated := runStep(t, analyzeSeverity, alert)

	// Base 2 plus critical asset, privileged user, external source.
	if updated.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", updated.Severity)
	}
	analysis := result["severity_analysis"].(map[string]any)
	factors := analysis["risk_factors"].([]string)
	if len(factors) != 3 {
		t.Errorf("risk_factors = %v, want 3 entries", factors)
	}
}

func TestSeverityScoreClamped(t *testing.T) {
	alert := NewAlert("edr", AlertDataExfiltration, "exfil")
	alert.Hostname = "prod-db"
	alert.UserID = "root"
	alert.SourceIP = "198.51.100.2"
	alert.DestinationPort = 3389

	_, updated := runStep(t, analyzeSeverity, alert)
	if updated.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical after clamping", updated.Severity)
	}
}

// --- context enrichment ---

func TestGatherContextScopes(t *testing.T) {
	alert := NewAlert("edr", AlertSuspiciousLogin, "odd login")
	alert.SourceIP = "192.168.1.40"
	alert.Hostname = "db-core-1"
	alert.UserID = "svc-backup"

	result, _ := runStep(t, gatherContext, alert)
	enrichment := result["context_enrichment"].(map[string]any)

	network := enrichment["network"].(map[string]any)
	if network["source_scope"] != "internal" {
		t.Errorf("source_scope = %v, want internal", network["source_scope"])
	}
	asset := enrichment["asset"].(map[string]any)
	if asset["criticality"] != "critical" {
		t.Errorf("criticality = %v, want critical", asset["criticality"])
	}
	user := enrichment["user"].(map[string]any)
	if user["privileged"] != true {
		t.Errorf("privileged = %v, want true", user["privileged"])
	}
}

func TestGatherContextEmptyFields(t *testing.T) {
	alert := NewAlert("edr", AlertUnknown, "bare alert")
	result, _ := runStep(t, gatherContext, alert)
	enrichment := result["context_enrichment"].(map[string]any)
	for _, key := range []string{"network", "asset", "user"} {
		section := enrichment[key].(map[string]any)
		if len(section) != 0 {
			t.Errorf("%s = %v, want empty", key, section)
		}
	}
}

// --- response coordination ---

func TestCoordinateResponseFalsePositive(t *testing.T) {
	alert := NewAlert("edr", AlertNetworkAnomaly, "noise")
	fp := true
	alert.IsFalsePositive = &fp
	alert.Severity = SeverityHigh

	_, updated := runStep(t, coordinateResponse, alert)

	if len(updated.RecommendedActions) != 1 || updated.RecommendedActions[0] != ActionAutoResolve {
		t.Errorf("actions = %v, want [auto_resolve]", updated.RecommendedActions)
	}
	if updated.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", updated.Status)
	}
}

func TestCoordinateResponseCritical(t *testing.T) {
	alert := NewAlert("edr", AlertCommandControl, "beaconing")
	alert.Severity = SeverityCritical
	alert.SourceIP = "203.0.113.77"

	_, updated := runStep(t, coordinateResponse, alert)

	if updated.Status != StatusEscalated {
		t.Errorf("status = %s, want escalated", updated.Status)
	}
	found := map[string]bool{}
	for _, a := range updated.RecommendedActions {
		found[a] = true
	}
	for _, want := range []string{ActionContain, ActionIsolateHost, ActionCreateIncident, ActionBlockIP} {
		if !found[want] {
			t.Errorf("actions = %v, missing %s", updated.RecommendedActions, want)
		}
	}
}

func TestCoordinateResponseInternalCriticalSkipsBlockIP(t *testing.T) {
	alert := NewAlert("edr", AlertLateralMovement, "smb sweep")
	alert.Severity = SeverityCritical
	alert.SourceIP = "10.2.3.4"

	_, updated := runStep(t, coordinateResponse, alert)
	for _, a := range updated.RecommendedActions {
		if a == ActionBlockIP {
			t.Fatal("block_ip must not be recommended for internal sources")
		}
	}
}

func TestCoordinateResponseLowSeverityMonitors(t *testing.T) {
	alert := NewAlert("edr", AlertNetworkAnomaly, "minor blip")
	alert.Severity = SeverityLow

	_, updated := runStep(t, coordinateResponse, alert)
	if len(updated.RecommendedActions) != 1 || updated.RecommendedActions[0] != ActionMonitor {
		t.Errorf("actions = %v, want [monitor]", updated.RecommendedActions)
	}
	if updated.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", updated.Status)
	}
}

// --- helpers ---

func TestIsPrivateIP(t *testing.T) {
	for ip, want := range map[string]bool{
		"10.0.0.1":     true,
		"192.168.5.9":  true,
		"172.16.0.1":   true,
		"127.0.0.1":    true,
		"169.254.1.1":  true,
		"8.8.8.8":      false,
		"203.0.113.50": false,
		"not-an-ip":    false,
		"":             false,
	} {
		if got := isPrivateIP(ip); got != want {
			t.Errorf("isPrivateIP(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestCriticalAsset(t *testing.T) {
	for host, want := range map[string]bool{
		"dc-01":        true,
		"DB-core":      true,
		"prod-web-3":   true,
		"pci-gateway":  true,
		"workstation7": false,
		"":             false,
	} {
		if got := criticalAsset(host); got != want {
			t.Errorf("criticalAsset(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestPrivilegedUser(t *testing.T) {
	for user, want := range map[string]bool{
		"root":          true,
		"Admin":         true,
		"administrator": true,
		"svc-backup":    true,
		"jdoe-adm":      true,
		"jdoe":          false,
		"":              false,
	} {
		if got := privilegedUser(user); got != want {
			t.Errorf("privilegedUser(%q) = %v, want %v", user, got, want)
		}
	}
}
