package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

type captured struct {
	path string
	body map[string]any
}

func fakeBotAPI(t *testing.T, ok bool) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		calls = append(calls, captured{path: r.URL.Path, body: body})
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTelegram_SendProposal(t *testing.T) {
	srv, calls := fakeBotAPI(t, true)
	tg := NewTelegram(TelegramConfig{BotToken: "123:abc", ChatID: "-100", BaseURL: srv.URL})

	rec := contracts.LedgerRecord{
		ExecutionID:  "exec:42",
		WorkflowName: "Orders <Sync>",
		NodeName:     "HTTP Request",
		Severity:     "High",
		ErrorMessage: "Timeout",
		Analysis:     "slow upstream",
		FixSummary:   "raise timeout",
		Confidence:   contracts.ConfidenceHigh,
		Risk:         "low",
		ExecutionURL: "https://n8n.example.com/execution/42",
	}
	require.NoError(t, tg.SendProposal(context.Background(), rec))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bot123:abc/sendMessage", call.path)
	assert.Equal(t, "-100", call.body["chat_id"])
	assert.Equal(t, "HTML", call.body["parse_mode"])
	text := call.body["text"].(string)
	assert.Contains(t, text, "<b>Workflow:</b> Orders &lt;Sync&gt;")
	assert.Contains(t, text, `<a href="https://n8n.example.com/execution/42">View Execution</a>`)

	kb := call.body["reply_markup"].(map[string]any)["inline_keyboard"].([]any)[0].([]any)
	require.Len(t, kb, 2)
	assert.Equal(t, "Apply Fix", kb[0].(map[string]any)["text"])
	assert.Equal(t, "fix:exec:42", kb[0].(map[string]any)["callback_data"])
	assert.Equal(t, "Skip", kb[1].(map[string]any)["text"])
	assert.Equal(t, "skip:exec:42", kb[1].(map[string]any)["callback_data"])
}

func TestTelegram_AnswerCallback(t *testing.T) {
	srv, calls := fakeBotAPI(t, true)
	tg := NewTelegram(TelegramConfig{BotToken: "t", ChatID: "1", BaseURL: srv.URL})

	require.NoError(t, tg.AnswerCallback(context.Background(), "q-1", "Processing..."))
	require.Len(t, *calls, 1)
	assert.Equal(t, "/bott/answerCallbackQuery", (*calls)[0].path)
	assert.Equal(t, "q-1", (*calls)[0].body["callback_query_id"])
}

func TestTelegram_APIError(t *testing.T) {
	srv, _ := fakeBotAPI(t, false)
	tg := NewTelegram(TelegramConfig{BotToken: "t", ChatID: "1", BaseURL: srv.URL})

	err := tg.Send(context.Background(), "hi")
	require.ErrorIs(t, err, contracts.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegram_RequiresToken(t *testing.T) {
	err := NewTelegram(TelegramConfig{}).Send(context.Background(), "hi")
	assert.Error(t, err)
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Fix skipped for execution 42", SkippedMessage("42"))
	assert.Equal(t, "<b>Fix Failed</b>\n\nUnknown error", FailedMessage(""))

	msg := AppliedMessage("Orders", "Updated A: {} -> {\"x\":1}", true, "")
	assert.Contains(t, msg, "Credentials preserved: Yes")
	assert.Contains(t, msg, "GitHub Issue: N/A")
	assert.Contains(t, msg, "Updated A: {} -&gt; {&#34;x&#34;:1}")

	assert.Contains(t, AppliedMessage("Orders", "", false, "u"), "Credentials preserved: N/A")
}

func TestMessages_StayUnderTelegramLimit(t *testing.T) {
	long := strings.Repeat("x", 10000)
	rec := contracts.LedgerRecord{
		WorkflowName: long,
		NodeName:     long,
		Severity:     long,
		ErrorMessage: long,
		Analysis:     long,
		FixSummary:   long,
		Confidence:   contracts.ConfidenceHigh,
		Risk:         long,
		ExecutionURL: "https://n8n.example.com/execution/" + long,
	}
	ev := contracts.FailureEvent{WorkflowName: long, ExecutionID: long, ErrorMessage: long}

	msgs := map[string]string{
		"proposal":  ProposalMessage(rec),
		"applied":   AppliedMessage(long, long, true, long),
		"failed":    FailedMessage(long),
		"skipped":   SkippedMessage(long),
		"diagnosis": DiagnosisFailedMessage(ev, long),
	}
	for name, msg := range msgs {
		assert.LessOrEqual(t, utf8.RuneCountInString(msg), MaxMessageChars, name)
	}

	assert.Contains(t, msgs["proposal"], strings.Repeat("x", maxAnalysis-1)+"…")
	assert.NotContains(t, msgs["proposal"], "View Execution", "oversized link dropped")
	assert.Contains(t, ProposalMessage(contracts.LedgerRecord{ExecutionURL: "https://n8n/e/1"}), "View Execution")
}
