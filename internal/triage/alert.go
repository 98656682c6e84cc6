// Package triage implements the built-in security alert pipeline: the
// alert model plus rule-based workers for reception, false-positive
// checking, severity analysis, context gathering, and response
// coordination.
package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity ranks an alert's impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertType classifies the detection that produced an alert.
type AlertType string

const (
	AlertMalware          AlertType = "malware"
	AlertPhishing         AlertType = "phishing"
	AlertBruteForce       AlertType = "brute_force"
	AlertSuspiciousLogin  AlertType = "suspicious_login"
	AlertDataExfiltration AlertType = "data_exfiltration"
	AlertNetworkAnomaly   AlertType = "network_anomaly"
	AlertInsiderThreat    AlertType = "insider_threat"
	AlertPrivilegeEsc     AlertType = "privilege_escalation"
	AlertLateralMovement  AlertType = "lateral_movement"
	AlertCommandControl   AlertType = "command_and_control"
	AlertUnknown          AlertType = "unknown"
)

// AlertStatus tracks an alert through the pipeline.
type AlertStatus string

const (
	StatusNew           AlertStatus = "new"
	StatusInProgress    AlertStatus = "in_progress"
	StatusFalsePositive AlertStatus = "false_positive"
	StatusResolved      AlertStatus = "resolved"
	StatusEscalated     AlertStatus = "escalated"
)

// Response actions recommended by the coordinator.
const (
	ActionMonitor          = "monitor"
	ActionInvestigate      = "investigate"
	ActionContain          = "contain"
	ActionIsolateHost      = "isolate_host"
	ActionBlockIP          = "block_ip"
	ActionDisableUser      = "disable_user"
	ActionEscalate         = "escalate"
	ActionAutoResolve      = "auto_resolve"
	ActionNotifyAnalyst    = "notify_analyst"
	ActionCreateIncident   = "create_incident"
	ActionPreserveEvidence = "preserve_evidence"
)

// SecurityAlert is a normalized alert from any upstream detection
// system. Analysis fields are filled in as the pipeline progresses.
type SecurityAlert struct {
	AlertID      string    `json:"alert_id" gorm:"primaryKey"`
	Timestamp    time.Time `json:"timestamp"`
	SourceSystem string    `json:"source_system"`
	AlertType    AlertType `json:"alert_type"`
	Description  string    `json:"description"`

	SourceIP        string `json:"source_ip,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	SourcePort      int    `json:"source_port,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`
	Protocol        string `json:"protocol,omitempty"`

	UserID      string `json:"user_id,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`

	Tags []string `json:"tags,omitempty" gorm:"serializer:json"`

	Status             AlertStatus `json:"status"`
	IsFalsePositive    *bool       `json:"is_false_positive,omitempty"`
	Severity           Severity    `json:"severity,omitempty"`
	ConfidenceScore    float64     `json:"confidence_score,omitempty"`
	RecommendedActions []string    `json:"recommended_actions,omitempty" gorm:"serializer:json"`

	WorkflowID string `json:"workflow_id,omitempty" gorm:"index"`
}

// NewAlert builds a minimally valid alert with generated id and
// timestamp.
func NewAlert(sourceSystem string, alertType AlertType, description string) *SecurityAlert {
	return &SecurityAlert{
		AlertID:      uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		SourceSystem: sourceSystem,
		AlertType:    alertType,
		Description:  description,
		Status:       StatusNew,
	}
}

// AlertFromMap decodes an alert from a generic payload map, applying
// defaults for missing identity fields and tolerating unknown types.
func AlertFromMap(data map[string]any) (*SecurityAlert, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding alert data: %w", err)
	}
	var alert SecurityAlert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return nil, fmt.Errorf("decoding alert: %w", err)
	}
	alert.normalize()
	return &alert, nil
}

// Map re-encodes the alert as a payload-friendly map.
func (a *SecurityAlert) Map() map[string]any {
	raw, _ := json.Marshal(a)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func (a *SecurityAlert) normalize() {
	if a.AlertID == "" {
		a.AlertID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.SourceSystem == "" {
		a.SourceSystem = "unknown"
	}
	if a.Description == "" {
		a.Description = "unclassified alert"
	}
	if !knownAlertType(a.AlertType) {
		a.AlertType = AlertUnknown
	}
	if a.Status == "" {
		a.Status = StatusNew
	}
}

func knownAlertType(t AlertType) bool {
	switch t {
	case AlertMalware, AlertPhishing, AlertBruteForce, AlertSuspiciousLogin,
		AlertDataExfiltration, AlertNetworkAnomaly, AlertInsiderThreat,
		AlertPrivilegeEsc, AlertLateralMovement, AlertCommandControl, AlertUnknown:
		return true
	}
	return false
}

// HasTag reports whether the alert carries the given tag.
func (a *SecurityAlert) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
