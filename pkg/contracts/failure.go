// Package contracts defines the shared data model of the self-healing loop:
// failure events raised by the pipeline runtime, fix proposals produced by
// the model, ledger records tracking each proposal, and approval events
// coming back from operators.
package contracts

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidEvent is returned when a failure event is missing identifiers.
var ErrInvalidEvent = errors.New("contracts: invalid failure event")

// FailureEvent is raised by the pipeline runtime when a step fails.
// All text fields are untrusted and are only ever embedded as data.
type FailureEvent struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	ExecutionID  string `json:"execution_id"`
	NodeName     string `json:"node_name"`
	ErrorMessage string `json:"error_message"`
	ErrorStack   string `json:"error_stack,omitempty"`
	Severity     string `json:"severity"`
	Timestamp    string `json:"timestamp"`
	ExecutionURL string `json:"execution_url,omitempty"`
}

// Validate checks that the event can be keyed and traced back to a workflow.
func (e FailureEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.WorkflowID) == "" {
		missing = append(missing, "workflow_id")
	}
	if strings.TrimSpace(e.ExecutionID) == "" {
		missing = append(missing, "execution_id")
	}
	if len(missing) > 0 {
		return errors.Join(ErrInvalidEvent, errors.New("missing "+strings.Join(missing, ", ")))
	}
	return nil
}

// SeverityOrDefault returns the severity, or "Unknown" when the runtime sent none.
func (e FailureEvent) SeverityOrDefault() string {
	if e.Severity == "" {
		return "Unknown"
	}
	return e.Severity
}

// DiagnosticContext is the evidence gathered for one failure: the failing
// definition and the execution trace. Both are opaque JSON documents.
type DiagnosticContext struct {
	Definition json.RawMessage `json:"definition"`
	Trace      json.RawMessage `json:"trace"`
}
