package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureEvent_Validate(t *testing.T) {
	ev := FailureEvent{WorkflowID: "wf-1", ExecutionID: "exec-1"}
	require.NoError(t, ev.Validate())

	err := FailureEvent{WorkflowID: "wf-1"}.Validate()
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Contains(t, err.Error(), "execution_id")

	err = FailureEvent{}.Validate()
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Contains(t, err.Error(), "workflow_id, execution_id")
}

func TestParseConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ParseConfidence("HIGH"))
	assert.Equal(t, ConfidenceMedium, ParseConfidence(" medium "))
	assert.Equal(t, ConfidenceLow, ParseConfidence("low"))
	assert.Equal(t, ConfidenceLow, ParseConfidence(""))
	assert.Equal(t, ConfidenceLow, ParseConfidence("certain"))
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusApplied, StatusFailed, StatusSkipped}
	for _, from := range all {
		for _, to := range all {
			want := from == StatusPending && to != StatusPending
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, Status("Archived").Valid())
}

func TestDecodeOperations(t *testing.T) {
	raw := []byte(`[{"type":"updateNode","nodeName":"HTTP Request","updates":{"parameters":{"timeout":30000,"url":"https://x"}}}]`)
	ops, err := DecodeOperations(raw)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpUpdateNode, ops[0].Type)
	assert.Equal(t, "HTTP Request", ops[0].NodeName)
	assert.Equal(t, json.Number("30000"), ops[0].Parameters()["timeout"])

	ops, err = DecodeOperations([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.NotNil(t, ops)
}

func TestDecodeOperations_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{{`,
		"object":            `{"type":"updateNode"}`,
		"missing type":      `[{"nodeName":"A"}]`,
		"nodeName number":   `[{"type":"updateNode","nodeName":7}]`,
		"parameters string": `[{"type":"updateNode","nodeName":"A","updates":{"parameters":"x"}}]`,
		"null":              `null`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOperations([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedOperations)
		})
	}
}

func TestLedgerRecord_ProposalRoundTrip(t *testing.T) {
	ev := FailureEvent{
		WorkflowID:   "wf-1",
		WorkflowName: "Orders Sync",
		ExecutionID:  "exec-42",
		NodeName:     "HTTP Request",
		ErrorMessage: "Timeout",
	}
	p := FixProposal{
		Analysis:   "upstream is slow",
		FixSummary: "raise timeout",
		Operations: []FixOperation{{
			Type:     OpUpdateNode,
			NodeName: "HTTP Request",
			Updates:  map[string]any{"parameters": map[string]any{"timeout": 30000}},
		}},
		Confidence: "High",
		Risk:       "low",
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	rec, err := NewLedgerRecord(ev, p, now)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "Unknown", rec.Severity)
	assert.Equal(t, ConfidenceHigh, rec.Confidence)
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.NotEmpty(t, rec.ID)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, rec.ProposalHash)

	got, err := rec.Proposal()
	require.NoError(t, err)
	assert.Equal(t, "raise timeout", got.FixSummary)
	require.Len(t, got.Operations, 1)
	assert.Equal(t, json.Number("30000"), got.Operations[0].Parameters()["timeout"])
}

func TestFixProposal_HashStable(t *testing.T) {
	a := FixProposal{Analysis: "a", Operations: []FixOperation{{
		Type: OpUpdateNode, NodeName: "N",
		Updates: map[string]any{"parameters": map[string]any{"b": 1, "a": "<x>"}},
	}}}
	b := FixProposal{Analysis: "a", Operations: []FixOperation{{
		Type: OpUpdateNode, NodeName: "N",
		Updates: map[string]any{"parameters": map[string]any{"a": "<x>", "b": 1}},
	}}}
	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b.Analysis = "b"
	hc, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestUpstreamError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewUpstreamError("n8n", 502, cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "n8n: status 502: connection reset", err.Error())

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 502, ue.StatusCode)
}
