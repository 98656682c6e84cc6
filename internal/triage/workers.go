package triage

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/worker"
	"github.com/coralproto/coral/internal/workflow"
)

// NewWorkers builds the five pipeline workers, each wrapping its own
// runtime and executor. The caller registers and starts them.
func NewWorkers(cfg worker.Config, logger *slog.Logger) []*worker.Executor {
	return []*worker.Executor{
		NewAlertReceiver(cfg, logger),
		NewFalsePositiveChecker(cfg, logger),
		NewSeverityAnalyzer(cfg, logger),
		NewContextGatherer(cfg, logger),
		NewResponseCoordinator(cfg, logger),
	}
}

// NewAlertReceiver builds the pipeline entry worker: it normalizes raw
// alert data and marks it in progress.
func NewAlertReceiver(cfg worker.Config, logger *slog.Logger) *worker.Executor {
	rt := worker.NewRuntime("alert-receiver", "Alert Receiver", []protocol.Capability{
		protocol.NewCapability(workflow.CapProcessAlert, "Receive and normalize incoming security alerts"),
	}, cfg, logger)
	return worker.NewExecutor(rt, receiveAlert, 1)
}

// NewFalsePositiveChecker builds the worker that scores alerts against
// benign-activity indicators.
func NewFalsePositiveChecker(cfg worker.Config, logger *slog.Logger) *worker.Executor {
	rt := worker.NewRuntime("false-positive-checker", "False Positive Checker", []protocol.Capability{
		protocol.NewCapability(workflow.CapCheckFalsePositive, "Analyze alerts for false positive indicators"),
	}, cfg, logger)
	return worker.NewExecutor(rt, checkFalsePositive, 1)
}

// NewSeverityAnalyzer builds the worker that assigns a severity level.
func NewSeverityAnalyzer(cfg worker.Config, logger *slog.Logger) *worker.Executor {
	rt := worker.NewRuntime("severity-analyzer", "Severity Analyzer", []protocol.Capability{
		protocol.NewCapability(workflow.CapAnalyzeSeverity, "Analyze alert severity and priority"),
	}, cfg, logger)
	return worker.NewExecutor(rt, analyzeSeverity, 1)
}

// NewContextGatherer builds the worker that enriches alerts with asset,
// user, and network context.
func NewContextGatherer(cfg worker.Config, logger *slog.Logger) *worker.Executor {
	rt := worker.NewRuntime("context-gatherer", "Context Gatherer", []protocol.Capability{
		protocol.NewCapability(workflow.CapGatherContext, "Gather additional context and intelligence"),
	}, cfg, logger)
	return worker.NewExecutor(rt, gatherContext, 1)
}

// NewResponseCoordinator builds the terminal worker that turns analysis
// into recommended response actions.
func NewResponseCoordinator(cfg worker.Config, logger *slog.Logger) *worker.Executor {
	rt := worker.NewRuntime("response-coordinator", "Response Coordinator", []protocol.Capability{
		protocol.NewCapability(workflow.CapCoordinateResponse, "Coordinate appropriate response actions"),
	}, cfg, logger)
	return worker.NewExecutor(rt, coordinateResponse, 1)
}

func alertFromContext(workflowContext map[string]any) (*SecurityAlert, error) {
	raw, ok := workflowContext["alert"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow context has no alert")
	}
	return AlertFromMap(raw)
}

func receiveAlert(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
	alert, err := alertFromContext(workflowContext)
	if err != nil {
		return nil, err
	}

	alert.Status = StatusInProgress
	alert.WorkflowID = task.WorkflowID

	return map[string]any{
		"alert": alert.Map(),
		"reception": map[string]any{
			"normalized":    true,
			"source_system": alert.SourceSystem,
			"alert_type":    string(alert.AlertType),
		},
	}, nil
}

// Benign-activity indicators with the weight each contributes to the
// false positive score.
var falsePositiveIndicators = []struct {
	weight float64
	reason string
	match  func(a *SecurityAlert) bool
}{
	{0.5, "tagged as maintenance window activity", func(a *SecurityAlert) bool {
		return a.HasTag("maintenance_window") || a.HasTag("scheduled_maintenance")
	}},
	{0.5, "tagged as authorized activity", func(a *SecurityAlert) bool {
		return a.HasTag("authorized_scan") || a.HasTag("penetration_test")
	}},
	{0.4, "originates from vulnerability scanner", func(a *SecurityAlert) bool {
		s := strings.ToLower(a.SourceSystem)
		return strings.Contains(s, "vulnerability") || strings.Contains(s, "scanner")
	}},
	{0.3, "internal source for network anomaly", func(a *SecurityAlert) bool {
		return a.AlertType == AlertNetworkAnomaly && isPrivateIP(a.SourceIP)
	}},
	{0.3, "known administrative process", func(a *SecurityAlert) bool {
		switch strings.ToLower(a.ProcessName) {
		case "backup.exe", "sccm.exe", "ansible", "puppet-agent", "chef-client":
			return true
		}
		return false
	}},
}

const falsePositiveThreshold = 0.7

func checkFalsePositive(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
	alert, err := alertFromContext(workflowContext)
	if err != nil {
		return nil, err
	}

	score := 0.0
	var reasons []string
	for _, ind := range falsePositiveIndicators {
		if ind.match(alert) {
			score += ind.weight
			reasons = append(reasons, ind.reason)
		}
	}
	if score > 1 {
		score = 1
	}

	isFP := score >= falsePositiveThreshold
	alert.IsFalsePositive = &isFP
	alert.ConfidenceScore = score
	if isFP {
		alert.Status = StatusFalsePositive
	}

	return map[string]any{
		"alert": alert.Map(),
		"false_positive_analysis": map[string]any{
			"is_false_positive": isFP,
			"confidence":        score,
			"reasoning":         reasons,
			"analysis_method":   "rule_based",
		},
	}, nil
}

// Base severity by alert type, on a 1 (low) to 4 (critical) scale.
var baseSeverity = map[AlertType]int{
	AlertMalware:          3,
	AlertPhishing:         2,
	AlertBruteForce:       2,
	AlertSuspiciousLogin:  2,
	AlertDataExfiltration: 4,
	AlertNetworkAnomaly:   1,
	AlertInsiderThreat:    3,
	AlertPrivilegeEsc:     3,
	AlertLateralMovement:  3,
	AlertCommandControl:   4,
	AlertUnknown:          1,
}

func analyzeSeverity(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
	alert, err := alertFromContext(workflowContext)
	if err != nil {
		return nil, err
	}

	score := baseSeverity[alert.AlertType]
	if score == 0 {
		score = 1
	}
	var factors []string

	if criticalAsset(alert.Hostname) {
		score++
		factors = append(factors, "critical asset involved")
	}
	if privilegedUser(alert.UserID) {
		score++
		factors = append(factors, "privileged account involved")
	}
	if alert.SourceIP != "" && !isPrivateIP(alert.SourceIP) {
		score++
		factors = append(factors, "external source address")
	}
	switch alert.DestinationPort {
	case 22, 3389, 445, 5985:
		score++
		factors = append(factors, "remote administration port targeted")
	}
	if score > 4 {
		score = 4
	}

	levels := [...]Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	alert.Severity = levels[score-1]

	return map[string]any{
		"alert": alert.Map(),
		"severity_analysis": map[string]any{
			"severity":     string(alert.Severity),
			"risk_score":   score,
			"risk_factors": factors,
		},
	}, nil
}

func gatherContext(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
	alert, err := alertFromContext(workflowContext)
	if err != nil {
		return nil, err
	}

	network := map[string]any{}
	if alert.SourceIP != "" {
		scope := "external"
		if isPrivateIP(alert.SourceIP) {
			scope = "internal"
		}
		network["source_scope"] = scope
		network["source_ip"] = alert.SourceIP
	}

	asset := map[string]any{}
	if alert.Hostname != "" {
		criticality := "standard"
		if criticalAsset(alert.Hostname) {
			criticality = "critical"
		}
		asset["hostname"] = alert.Hostname
		asset["criticality"] = criticality
	}

	user := map[string]any{}
	if alert.UserID != "" {
		user["user_id"] = alert.UserID
		user["privileged"] = privilegedUser(alert.UserID)
	}

	return map[string]any{
		"alert": alert.Map(),
		"context_enrichment": map[string]any{
			"network": network,
			"asset":   asset,
			"user":    user,
		},
	}, nil
}

func coordinateResponse(ctx context.Context, task *workflow.Task, workflowContext map[string]any) (map[string]any, error) {
	alert, err := alertFromContext(workflowContext)
	if err != nil {
		return nil, err
	}

	var actions []string
	status := StatusResolved

	switch {
	case alert.IsFalsePositive != nil && *alert.IsFalsePositive:
		actions = []string{ActionAutoResolve}
	case alert.Severity == SeverityCritical:
		actions = []string{ActionContain, ActionIsolateHost, ActionCreateIncident, ActionNotifyAnalyst, ActionPreserveEvidence}
		if alert.SourceIP != "" && !isPrivateIP(alert.SourceIP) {
			actions = append(actions, ActionBlockIP)
		}
		status = StatusEscalated
	case alert.Severity == SeverityHigh:
		actions = []string{ActionInvestigate, ActionContain, ActionCreateIncident, ActionNotifyAnalyst}
		status = StatusEscalated
	case alert.Severity == SeverityMedium:
		actions = []string{ActionInvestigate, ActionNotifyAnalyst}
	default:
		actions = []string{ActionMonitor}
	}

	alert.RecommendedActions = actions
	alert.Status = status

	return map[string]any{
		"alert": alert.Map(),
		"response_coordination": map[string]any{
			"actions":      actions,
			"final_status": string(status),
		},
	}, nil
}

func isPrivateIP(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

func criticalAsset(hostname string) bool {
	h := strings.ToLower(hostname)
	for _, prefix := range []string{"dc-", "db-", "prod-", "pci-"} {
		if strings.HasPrefix(h, prefix) {
			return true
		}
	}
	return false
}

func privilegedUser(userID string) bool {
	u := strings.ToLower(userID)
	return u == "root" || u == "admin" || u == "administrator" || strings.HasPrefix(u, "svc-") || strings.HasSuffix(u, "-adm")
}
