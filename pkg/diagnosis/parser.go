package diagnosis

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
)

const (
	fallbackAnalysisChars = 500
	fallbackSummary       = "Could not parse structured response from model"
	fallbackRisk          = "Response was not in expected JSON format"
)

// fenceRe captures the language tag and body of each fenced block.
var fenceRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \\t]*\\n?(.*?)\\s*```")

// ExtractText returns the text of the first content block of a Messages API
// envelope. Any other shape yields the whole envelope as compact JSON text.
func ExtractText(raw json.RawMessage) string {
	var env struct {
		Content []struct {
			Text *string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Content) > 0 && env.Content[0].Text != nil {
		return *env.Content[0].Text
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

// ParseProposal extracts a proposal from model output. It never fails:
// unusable output yields a low-confidence fallback with no operations.
func ParseProposal(text string) contracts.FixProposal {
	for _, body := range candidates(text) {
		if p, ok := decodeProposal(body); ok {
			return p
		}
	}
	return Fallback(text)
}

// candidates lists the bodies worth decoding, in order: json-tagged fences,
// then other fences, then the whole text.
func candidates(text string) []string {
	var tagged, other []string
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if strings.EqualFold(m[1], "json") {
			tagged = append(tagged, m[2])
		} else {
			other = append(other, m[2])
		}
	}
	return append(append(tagged, other...), text)
}

// ParseResponse is ExtractText followed by ParseProposal.
func ParseResponse(raw json.RawMessage) contracts.FixProposal {
	return ParseProposal(ExtractText(raw))
}

// Fallback is the proposal recorded when model output cannot be parsed.
func Fallback(text string) contracts.FixProposal {
	return contracts.FixProposal{
		Analysis:   truncateRunes(text, fallbackAnalysisChars),
		FixSummary: fallbackSummary,
		Operations: []contracts.FixOperation{},
		Confidence: contracts.ConfidenceLow,
		Risk:       fallbackRisk,
		Fallback:   true,
	}
}

func decodeProposal(body string) (contracts.FixProposal, bool) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return contracts.FixProposal{}, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return contracts.FixProposal{}, false
	}

	ops := []contracts.FixOperation{}
	rawOps, ok := obj["fix_operations"]
	if !ok || isNull(rawOps) {
		rawOps = obj["operations"]
	}
	if !isNull(rawOps) {
		decoded, err := contracts.DecodeOperations(rawOps)
		if err != nil {
			return contracts.FixProposal{}, false
		}
		ops = decoded
	}

	return contracts.FixProposal{
		Analysis:   stringField(obj["analysis"]),
		FixSummary: stringField(obj["fix_summary"]),
		Operations: ops,
		Confidence: contracts.ParseConfidence(stringField(obj["confidence"])),
		Risk:       stringField(obj["risk"]),
	}, true
}

// stringField reads a JSON string; other JSON values are kept as their text.
func stringField(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
