package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ledger record.
type Status string

const (
	StatusPending Status = "Pending"
	StatusApplied Status = "Applied"
	StatusFailed  Status = "Failed"
	StatusSkipped Status = "Skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition encodes the ledger state machine. Only Pending has
// successors; terminal states are absorbing.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// LedgerRecord is the durable row tracking one proposal through approval.
// The proposal summary fields are stored flat; Operations holds the
// serialized fix_operations array.
type LedgerRecord struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	NodeName     string          `json:"node_name"`
	ErrorMessage string          `json:"error_message"`
	Severity     string          `json:"severity"`
	ExecutionURL string          `json:"execution_url,omitempty"`
	Analysis     string          `json:"analysis"`
	FixSummary   string          `json:"fix_summary"`
	Operations   json.RawMessage `json:"operations"`
	Confidence   Confidence      `json:"confidence"`
	Risk         string          `json:"risk"`
	ProposalHash string          `json:"proposal_hash"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	AppliedAt         *time.Time `json:"applied_at,omitempty"`
	ResultText        string     `json:"result_text,omitempty"`
	ExternalReference string     `json:"external_reference,omitempty"`
	RevisionRef       string     `json:"revision_ref,omitempty"`

	// Claim state. Only meaningful while Pending.
	ClaimedBy    string     `json:"-"`
	ClaimedUntil *time.Time `json:"-"`
}

// NewLedgerRecord builds a Pending record for a diagnosed failure.
func NewLedgerRecord(ev FailureEvent, p FixProposal, now time.Time) (*LedgerRecord, error) {
	ops, err := p.EncodeOperations()
	if err != nil {
		return nil, err
	}
	hash, err := p.Hash()
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	return &LedgerRecord{
		ID:           uuid.NewString(),
		ExecutionID:  ev.ExecutionID,
		WorkflowID:   ev.WorkflowID,
		WorkflowName: ev.WorkflowName,
		NodeName:     ev.NodeName,
		ErrorMessage: ev.ErrorMessage,
		Severity:     ev.SeverityOrDefault(),
		ExecutionURL: ev.ExecutionURL,
		Analysis:     p.Analysis,
		FixSummary:   p.FixSummary,
		Operations:   ops,
		Confidence:   ParseConfidence(string(p.Confidence)),
		Risk:         p.Risk,
		ProposalHash: hash,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Proposal reconstructs the proposal embedded in the record.
func (r *LedgerRecord) Proposal() (FixProposal, error) {
	ops, err := DecodeOperations(r.Operations)
	if err != nil {
		return FixProposal{}, fmt.Errorf("record %s: %w", r.ExecutionID, err)
	}
	return FixProposal{
		Analysis:   r.Analysis,
		FixSummary: r.FixSummary,
		Operations: ops,
		Confidence: r.Confidence,
		Risk:       r.Risk,
	}, nil
}

// ClaimLive reports whether an unexpired claim is held at now.
func (r *LedgerRecord) ClaimLive(now time.Time) bool {
	return r.ClaimedBy != "" && r.ClaimedUntil != nil && r.ClaimedUntil.After(now)
}
