package notify

import (
	"html"
	"strings"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

// MaxMessageChars is Telegram's limit on a message's text.
const MaxMessageChars = 4096

// Per-field caps keep every rendered message under MaxMessageChars.
const (
	maxNameChars    = 200
	maxErrorChars   = 200
	maxAnalysis     = 1200
	maxFixSummary   = 600
	maxRiskChars    = 300
	maxURLChars     = 500
	maxDetailChars  = 3000
	maxChangesChars = 3000
)

// ProposalMessage renders the operator prompt for a Pending record.
func ProposalMessage(rec contracts.LedgerRecord) string {
	var b strings.Builder
	b.WriteString("<b>Auto-Debugger Analysis</b>\n\n")
	b.WriteString("<b>Workflow:</b> " + esc(truncate(rec.WorkflowName, maxNameChars)) + "\n")
	b.WriteString("<b>Failed Node:</b> " + esc(truncate(rec.NodeName, maxNameChars)) + "\n")
	b.WriteString("<b>Severity:</b> " + esc(truncate(rec.Severity, maxNameChars)) + "\n")
	b.WriteString("<b>Error:</b> " + esc(truncate(rec.ErrorMessage, maxErrorChars)) + "\n\n")
	b.WriteString("<b>Analysis:</b>\n" + esc(truncate(rec.Analysis, maxAnalysis)) + "\n\n")
	b.WriteString("<b>Proposed Fix:</b>\n" + esc(truncate(rec.FixSummary, maxFixSummary)) + "\n\n")
	b.WriteString("<b>Confidence:</b> " + esc(string(rec.Confidence)) + "\n")
	b.WriteString("<b>Risk:</b> " + esc(truncate(rec.Risk, maxRiskChars)) + "\n")
	// A cut URL would be a broken link.
	if rec.ExecutionURL != "" && len([]rune(rec.ExecutionURL)) <= maxURLChars {
		b.WriteString("\n<a href=\"" + esc(rec.ExecutionURL) + "\">View Execution</a>")
	}
	return b.String()
}

// AppliedMessage confirms a successful application.
func AppliedMessage(workflowName, changes string, credentialsPreserved bool, issueURL string) string {
	preserved := "N/A"
	if credentialsPreserved {
		preserved = "Yes"
	}
	if issueURL == "" {
		issueURL = "N/A"
	}
	return "<b>Fix Applied Successfully</b>\n\n" +
		"Workflow: " + esc(truncate(workflowName, maxNameChars)) + "\n" +
		"Changes: " + esc(truncate(changes, maxChangesChars)) + "\n" +
		"Credentials preserved: " + preserved + "\n\n" +
		"GitHub Issue: " + esc(truncate(issueURL, maxURLChars))
}

// FailedMessage reports a failed application.
func FailedMessage(detail string) string {
	if detail == "" {
		detail = "Unknown error"
	}
	return "<b>Fix Failed</b>\n\n" + esc(truncate(detail, maxDetailChars))
}

// SkippedMessage confirms a decline.
func SkippedMessage(executionID string) string {
	return "Fix skipped for execution " + esc(truncate(executionID, maxNameChars))
}

// DiagnosisFailedMessage tells the operator no proposal could be produced.
func DiagnosisFailedMessage(ev contracts.FailureEvent, detail string) string {
	return "<b>Auto-Debugger could not analyze a failure</b>\n\n" +
		"<b>Workflow:</b> " + esc(truncate(ev.WorkflowName, maxNameChars)) + "\n" +
		"<b>Execution:</b> " + esc(truncate(ev.ExecutionID, maxNameChars)) + "\n" +
		"<b>Error:</b> " + esc(truncate(ev.ErrorMessage, maxErrorChars)) + "\n\n" +
		esc(truncate(detail, maxDetailChars))
}

func esc(s string) string {
	return html.EscapeString(s)
}

// truncate cuts s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
