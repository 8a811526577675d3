package debugger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autofix/pkg/approval"
	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
	"github.com/Mindburn-Labs/autofix/pkg/diagnosis"
	"github.com/Mindburn-Labs/autofix/pkg/idempotency"
	"github.com/Mindburn-Labs/autofix/pkg/llm"
	"github.com/Mindburn-Labs/autofix/pkg/store/ledger"
)

const workflowJSON = `{
  "id": "wf-1",
  "name": "Orders Sync",
  "updatedAt": "2025-01-02T00:00:00Z",
  "nodes": [
    {"name": "HTTP Request", "type": "n8n-nodes-base.httpRequest",
     "parameters": {"url": "https://api.example.com/orders", "timeout": 10000},
     "credentials": {"httpHeaderAuth": {"id": "7", "name": "Orders API"}}}
  ]
}`

const executionJSON = `{"id":"42","data":{"resultData":{"error":{"message":"ETIMEDOUT"}}}}`

const modelText = "Here is the fix:\n```json\n" + `{
  "analysis": "The upstream API is slow.",
  "fix_summary": "Raise the HTTP timeout to 30s.",
  "fix_operations": [
    {"type": "updateNode", "nodeName": "HTTP Request",
     "updates": {"parameters": {"timeout": 30000}, "credentials": {"httpHeaderAuth": {"id": "999"}}}}
  ],
  "confidence": "high",
  "risk": "Low"
}` + "\n```"

type fakeRuntime struct {
	mu       sync.Mutex
	workflow string
	wfErr    error
	execErr  error
	puts     []definition.Document
}

func (f *fakeRuntime) GetWorkflowRaw(ctx context.Context, id string) (json.RawMessage, error) {
	if f.wfErr != nil {
		return nil, f.wfErr
	}
	return json.RawMessage(f.workflow), nil
}

func (f *fakeRuntime) GetExecution(ctx context.Context, id string) (json.RawMessage, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return json.RawMessage(executionJSON), nil
}

func (f *fakeRuntime) GetWorkflow(ctx context.Context, id string) (definition.Document, error) {
	return definition.Decode([]byte(f.workflow))
}

func (f *fakeRuntime) UpdateWorkflow(ctx context.Context, id string, doc definition.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, doc)
	return nil
}

type fakeModel struct {
	text string
	err  error
	reqs []llm.Request
}

func (f *fakeModel) Complete(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": f.text}},
	})
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	proposals []contracts.LedgerRecord
	texts     []string
}

func (f *fakeAnnouncer) SendProposal(ctx context.Context, rec contracts.LedgerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposals = append(f.proposals, rec)
	return nil
}

func (f *fakeAnnouncer) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func failure() contracts.FailureEvent {
	return contracts.FailureEvent{
		WorkflowID:   "wf-1",
		WorkflowName: "Orders Sync",
		ExecutionID:  "42",
		NodeName:     "HTTP Request",
		ErrorMessage: "ETIMEDOUT",
		Severity:     "High",
		Timestamp:    "2025-01-02T00:00:00Z",
	}
}

type fixture struct {
	runtime   *fakeRuntime
	model     *fakeModel
	ledger    *ledger.MemoryLedger
	announcer *fakeAnnouncer
	debugger  *Debugger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runtime:   &fakeRuntime{workflow: workflowJSON},
		model:     &fakeModel{text: modelText},
		ledger:    ledger.NewMemoryLedger(),
		announcer: &fakeAnnouncer{},
	}
	d, err := New(Config{
		Runtime:   f.runtime,
		Model:     f.model,
		Builder:   diagnosis.Builder{Model: "test-model", MaxTokens: 1024},
		Ledger:    f.ledger,
		Announcer: f.announcer,
		Once:      idempotency.NewMemoryStore(time.Hour),
	})
	require.NoError(t, err)
	f.debugger = d
	return f
}

func TestHandleFailure_RecordsProposal(t *testing.T) {
	f := newFixture(t)

	rec, err := f.debugger.HandleFailure(context.Background(), failure())
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, rec.Status)
	assert.Equal(t, contracts.ConfidenceHigh, rec.Confidence)
	assert.Equal(t, "Raise the HTTP timeout to 30s.", rec.FixSummary)

	require.Len(t, f.model.reqs, 1)
	req := f.model.reqs[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 1024, req.MaxTokens)
	assert.Contains(t, req.Messages[0].Content, "ETIMEDOUT")
	assert.Contains(t, req.Messages[0].Content, `"resultData"`, "trace is not narrowed past resultData")

	stored, err := f.ledger.FindByExecutionID(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, rec.ProposalHash, stored.ProposalHash)
	require.Len(t, f.announcer.proposals, 1)
	assert.Equal(t, "42", f.announcer.proposals[0].ExecutionID)
}

func TestHandleFailure_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)

	_, err := f.debugger.HandleFailure(context.Background(), failure())
	require.NoError(t, err)
	_, err = f.debugger.HandleFailure(context.Background(), failure())
	assert.ErrorIs(t, err, ErrDuplicateFailure)

	assert.Len(t, f.model.reqs, 1)
	assert.Len(t, f.announcer.proposals, 1)
}

func TestHandleFailure_PendingRecordWithoutDedupeStore(t *testing.T) {
	f := newFixture(t)
	f.debugger.cfg.Once = nil

	_, err := f.debugger.HandleFailure(context.Background(), failure())
	require.NoError(t, err)
	_, err = f.debugger.HandleFailure(context.Background(), failure())
	assert.ErrorIs(t, err, ErrDuplicateFailure)
	assert.Len(t, f.announcer.proposals, 1)
}

func TestHandleFailure_ProseResponseFallsBack(t *testing.T) {
	f := newFixture(t)
	f.model.text = strings.Repeat("I think the node timed out. ", 40)

	rec, err := f.debugger.HandleFailure(context.Background(), failure())
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfidenceLow, rec.Confidence)
	assert.Len(t, []rune(rec.Analysis), 500)
	assert.JSONEq(t, `[]`, string(rec.Operations))
	assert.Len(t, f.announcer.proposals, 1)
}

func TestHandleFailure_UpstreamErrors(t *testing.T) {
	down := contracts.NewUpstreamError("n8n", 502, errors.New("bad gateway"))

	t.Run("definition", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.wfErr = down
		_, err := f.debugger.HandleFailure(context.Background(), failure())
		assert.ErrorIs(t, err, contracts.ErrUpstreamUnavailable)
		assert.Empty(t, f.model.reqs)
		require.Len(t, f.announcer.texts, 1)
		assert.Contains(t, f.announcer.texts[0], "could not analyze")
	})

	t.Run("model", func(t *testing.T) {
		f := newFixture(t)
		f.model.err = contracts.NewUpstreamError("anthropic", 529, errors.New("overloaded"))
		_, err := f.debugger.HandleFailure(context.Background(), failure())
		assert.ErrorIs(t, err, contracts.ErrUpstreamUnavailable)
		_, ferr := f.ledger.FindByExecutionID(context.Background(), "42")
		assert.ErrorIs(t, ferr, ledger.ErrNotFound)
	})

	t.Run("execution trace degrades", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.execErr = down
		rec, err := f.debugger.HandleFailure(context.Background(), failure())
		require.NoError(t, err)
		assert.NotNil(t, rec)
		assert.Empty(t, f.announcer.texts)
	})
}

func TestHandleFailure_InvalidEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.debugger.HandleFailure(context.Background(), contracts.FailureEvent{WorkflowID: "wf-1"})
	assert.ErrorIs(t, err, contracts.ErrInvalidEvent)
}

// A timeout failure is diagnosed, approved and applied with the credential
// binding intact even though the model tried to change it.
func TestTimeoutScenario_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.debugger.HandleFailure(ctx, failure())
	require.NoError(t, err)

	m, err := approval.NewMachine(approval.Config{
		Ledger:      f.ledger,
		Definitions: f.runtime,
		Notifier:    f.announcer,
	})
	require.NoError(t, err)

	decision, id, err := approval.ParseCallback("fix:42")
	require.NoError(t, err)
	out, err := m.Handle(ctx, contracts.ApprovalEvent{ExecutionID: id, Decision: decision, AckToken: "cb-1"})
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeApplied, out)

	require.Len(t, f.runtime.puts, 1)
	node, ok := f.runtime.puts[0].FindNode("HTTP Request")
	require.True(t, ok)
	assert.Equal(t, json.Number("30000"), node.Parameters()["timeout"])
	assert.Equal(t, map[string]any{"httpHeaderAuth": map[string]any{"id": "7", "name": "Orders API"}}, node["credentials"])
	assert.NotContains(t, f.runtime.puts[0], "updatedAt")

	rec, err := f.ledger.FindByExecutionID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApplied, rec.Status)
	assert.Contains(t, rec.ResultText, `Updated HTTP Request: {"timeout":10000,"url":"https://api.example.com/orders"} -> {"timeout":30000,"url":"https://api.example.com/orders"}`)
}
