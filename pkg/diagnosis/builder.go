// Package diagnosis turns a failure into a model request and the model's
// answer back into a FixProposal.
package diagnosis

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/llm"
)

// MaxTraceChars bounds the serialized execution trace embedded in a prompt.
const MaxTraceChars = 15000

// Builder assembles fix requests. The zero value uses the default model.
type Builder struct {
	Model     string
	MaxTokens int
}

// Build renders the prompt for one failure. It performs no I/O.
func (b Builder) Build(ev contracts.FailureEvent, dc contracts.DiagnosticContext) llm.Request {
	model := b.Model
	if model == "" {
		model = llm.DefaultModel
	}
	maxTokens := b.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}

	stack := ev.ErrorStack
	if stack == "" {
		stack = "N/A"
	}

	var sb strings.Builder
	sb.WriteString("You are an n8n workflow debugger. Analyze this workflow error and propose a fix.\n\n")
	sb.WriteString("## Error Details\n")
	sb.WriteString("- Workflow: " + ev.WorkflowName + " (ID: " + ev.WorkflowID + ")\n")
	sb.WriteString("- Failed Node: " + ev.NodeName + "\n")
	sb.WriteString("- Error: " + ev.ErrorMessage + "\n")
	sb.WriteString("- Stack: " + stack + "\n")
	sb.WriteString("- Severity: " + ev.Severity + "\n\n")
	sb.WriteString("## Workflow JSON\n```json\n" + indent(dc.Definition) + "\n```\n\n")
	sb.WriteString("## Execution Data\n```json\n" + truncateRunes(indent(dc.Trace), MaxTraceChars) + "\n```\n\n")
	sb.WriteString(instructions)

	return llm.Request{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []llm.Message{{Role: "user", Content: sb.String()}},
	}
}

const instructions = `## Instructions
Respond with ONLY valid JSON (no markdown, no code blocks) in this exact format:
{
  "analysis": "Human-readable root cause explanation (2-3 sentences)",
  "fix_summary": "What changes need to be made",
  "fix_operations": [
    {
      "type": "updateNode",
      "nodeName": "Node Name Here",
      "updates": {
        "parameters": { "only_changed_params": "here" }
      }
    }
  ],
  "confidence": "high|medium|low",
  "risk": "Description of what could go wrong"
}

Rules:
- Only include parameters that need to change
- If no fix possible, return empty fix_operations and explain in analysis
- Never include credential changes`

// DiagnosticContextFrom selects the prompt evidence from the raw runtime
// documents: the definition's node list and the execution's result data,
// falling back to the whole document when those keys are absent.
func DiagnosticContextFrom(workflow, execution json.RawMessage) contracts.DiagnosticContext {
	return contracts.DiagnosticContext{
		Definition: pick(workflow, "nodes"),
		Trace:      pick(execution, "data", "resultData"),
	}
}

func pick(raw json.RawMessage, path ...string) json.RawMessage {
	cur := raw
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return raw
		}
		next, ok := obj[key]
		if !ok || isNull(next) {
			return raw
		}
		cur = next
	}
	return cur
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// indent pretty-prints with two spaces. Non-JSON input is returned as text.
func indent(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null"
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return string(raw)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func truncateRunes(s string, n int) string {
	if n < 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
