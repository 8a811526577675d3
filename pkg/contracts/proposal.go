package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// Confidence is the model's self-reported confidence in a proposal.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence normalizes free-form confidence text. Anything that is
// not high or medium is treated as low.
func ParseConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// OpUpdateNode is the only operation type the patch engine applies.
const OpUpdateNode = "updateNode"

// FixOperation is one declarative edit against a single node, addressed
// by node name. Updates maps editable node fields to new values; only the
// "parameters" field is ever applied.
type FixOperation struct {
	Type     string         `json:"type"`
	NodeName string         `json:"nodeName"`
	Updates  map[string]any `json:"updates,omitempty"`
}

// Parameters returns updates.parameters, or nil when absent or not an object.
func (op FixOperation) Parameters() map[string]any {
	params, _ := op.Updates["parameters"].(map[string]any)
	return params
}

// FixProposal is the structured result of a diagnosis.
// Zero operations means the model found no actionable fix.
type FixProposal struct {
	Analysis   string         `json:"analysis"`
	FixSummary string         `json:"fix_summary"`
	Operations []FixOperation `json:"fix_operations"`
	Confidence Confidence     `json:"confidence"`
	Risk       string         `json:"risk"`

	// Fallback is set when the model output could not be parsed.
	Fallback bool `json:"-"`
}

// HasOperations reports whether the proposal carries anything to apply.
func (p FixProposal) HasOperations() bool {
	return len(p.Operations) > 0
}

// EncodeOperations serializes the operations as stored in the ledger.
// A nil slice encodes as "[]".
func (p FixProposal) EncodeOperations() (json.RawMessage, error) {
	ops := p.Operations
	if ops == nil {
		ops = []FixOperation{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode operations: %w", err)
	}
	return raw, nil
}

// Hash returns the SHA-256 of the RFC 8785 canonical form of the proposal.
func (p FixProposal) Hash() (string, error) {
	if p.Operations == nil {
		p.Operations = []FixOperation{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal proposal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize proposal: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
