package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Capability names targeted by the built-in alert triage pipeline.
const (
	CapProcessAlert       = "process_alert"
	CapCheckFalsePositive = "check_false_positive"
	CapAnalyzeSeverity    = "analyze_severity"
	CapGatherContext      = "gather_context"
	CapCoordinateResponse = "coordinate_response"
)

// AlertTriageID is the template key of the built-in definition.
const AlertTriageID = "alert_triage"

// AlertTriageDefinition returns the built-in alert triage pipeline:
// reception → false-positive check → severity analysis → context
// gathering → response coordination.
func AlertTriageDefinition() *Definition {
	return &Definition{
		WorkflowID:  AlertTriageID,
		Name:        "Alert Triage Workflow",
		Description: "Complete alert triage and response workflow",
		Steps: []Step{
			{
				StepID:      "alert_reception",
				Capability:  CapProcessAlert,
				TaskName:    "process_alert",
				Description: "Receive and normalize incoming alert",
				Timeout:     30 * time.Second,
			},
			{
				StepID:       "false_positive_check",
				Capability:   CapCheckFalsePositive,
				TaskName:     "check_false_positive",
				Description:  "Check if alert is false positive",
				Dependencies: []string{"alert_reception"},
				Timeout:      60 * time.Second,
			},
			{
				StepID:       "severity_analysis",
				Capability:   CapAnalyzeSeverity,
				TaskName:     "analyze_severity",
				Description:  "Analyze alert severity and priority",
				Dependencies: []string{"false_positive_check"},
				Timeout:      45 * time.Second,
			},
			{
				StepID:       "context_gathering",
				Capability:   CapGatherContext,
				TaskName:     "gather_context",
				Description:  "Gather additional context and intelligence",
				Dependencies: []string{"severity_analysis"},
				Timeout:      90 * time.Second,
			},
			{
				StepID:       "response_coordination",
				Capability:   CapCoordinateResponse,
				TaskName:     "coordinate_response",
				Description:  "Coordinate appropriate response actions",
				Dependencies: []string{"context_gathering"},
				Timeout:      120 * time.Second,
			},
		},
		MaxParallelSteps: 2,
		RetryPolicy: RetryPolicy{
			MaxRetries:         3,
			BaseDelay:          5 * time.Second,
			ExponentialBackoff: true,
		},
	}
}

// LoadDefinitions reads additional workflow definitions from a YAML
// file. Every loaded definition is validated before being returned.
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definitions file: %w", err)
	}

	var doc struct {
		Workflows []*Definition `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing definitions file %s: %w", path, err)
	}

	for _, def := range doc.Workflows {
		applyDefaults(def)
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Workflows, nil
}

// UnmarshalYAML accepts human-readable timeouts ("30s", "2m") in
// definition files.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		StepID       string   `yaml:"step_id"`
		Capability   string   `yaml:"capability"`
		TaskName     string   `yaml:"task_name"`
		Description  string   `yaml:"description"`
		Dependencies []string `yaml:"dependencies"`
		Timeout      string   `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.StepID = raw.StepID
	s.Capability = raw.Capability
	s.TaskName = raw.TaskName
	s.Description = raw.Description
	s.Dependencies = raw.Dependencies
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("step %q: invalid timeout %q: %w", raw.StepID, raw.Timeout, err)
		}
		s.Timeout = d
	}
	return nil
}

// UnmarshalYAML accepts a human-readable base delay ("5s") in
// definition files.
func (p *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries         int    `yaml:"max_retries"`
		BaseDelay          string `yaml:"base_delay"`
		ExponentialBackoff bool   `yaml:"exponential_backoff"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.MaxRetries = raw.MaxRetries
	p.ExponentialBackoff = raw.ExponentialBackoff
	if raw.BaseDelay != "" {
		d, err := time.ParseDuration(raw.BaseDelay)
		if err != nil {
			return fmt.Errorf("retry policy: invalid base_delay %q: %w", raw.BaseDelay, err)
		}
		p.BaseDelay = d
	}
	return nil
}

func applyDefaults(def *Definition) {
	if def.MaxParallelSteps <= 0 {
		def.MaxParallelSteps = 1
	}
	if def.RetryPolicy.MaxRetries == 0 && def.RetryPolicy.BaseDelay == 0 {
		def.RetryPolicy = RetryPolicy{
			MaxRetries:         3,
			BaseDelay:          5 * time.Second,
			ExponentialBackoff: true,
		}
	}
	for i := range def.Steps {
		if def.Steps[i].Timeout <= 0 {
			def.Steps[i].Timeout = 60 * time.Second
		}
	}
}
