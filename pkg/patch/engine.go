// Package patch merges approved fix operations into a live definition.
//
// The engine only ever touches node parameters. Credential bindings are
// snapshotted before any edit and written back afterwards, and
// server-managed fields are stripped so the result can be sent as an update.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
)

var (
	ErrNoOperations      = errors.New("patch: no fix operations to apply")
	ErrMalformedProposal = errors.New("patch: malformed proposal")
)

const changePreviewChars = 100

// Result is the outcome of a successful application.
type Result struct {
	Merged  definition.Document
	Changes []string
	// Skipped explains every operation, or part of one, that was not applied.
	Skipped              []string
	CredentialsPreserved bool
}

// Diff joins the change log one entry per line.
func (r Result) Diff() string {
	return strings.Join(r.Changes, "\n")
}

type Engine struct {
	policy *OperationPolicy
	logger *slog.Logger
}

// NewEngine returns an engine gated by policy. A nil policy allows all.
func NewEngine(policy *OperationPolicy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default().With("component", "patch")
	}
	return &Engine{policy: policy, logger: logger}
}

// ApplyEncoded decodes a stored operations array and applies it.
func (e *Engine) ApplyEncoded(def definition.Document, opsJSON []byte) (Result, error) {
	ops, err := contracts.DecodeOperations(opsJSON)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedProposal, err)
	}
	return e.Apply(def, contracts.FixProposal{Operations: ops})
}

// Apply merges the proposal into a copy of def. def is never modified.
func (e *Engine) Apply(def definition.Document, p contracts.FixProposal) (res Result, err error) {
	if !p.HasOperations() {
		return Result{}, ErrNoOperations
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("%w: %v", ErrMalformedProposal, r)
		}
	}()

	creds, err := definition.ExtractCredentials(def)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot credentials: %w", err)
	}
	merged, err := def.Clone()
	if err != nil {
		return Result{}, err
	}

	res = Result{Merged: merged, Changes: []string{}, Skipped: []string{}}
	for i, op := range p.Operations {
		if op.Type != contracts.OpUpdateNode {
			res.Skipped = append(res.Skipped, fmt.Sprintf("operation %d: unsupported type %q", i, op.Type))
			continue
		}
		node, ok := merged.FindNode(op.NodeName)
		if op.NodeName == "" || !ok {
			res.Skipped = append(res.Skipped, fmt.Sprintf("operation %d: node %q not found", i, op.NodeName))
			continue
		}
		for _, key := range ignoredKeys(op) {
			res.Skipped = append(res.Skipped, fmt.Sprintf("operation %d: %s.%s is not editable", i, op.NodeName, key))
		}
		params := op.Parameters()
		if params == nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("operation %d: no parameter updates for %q", i, op.NodeName))
			continue
		}
		allowed, err := e.policy.Allow(op, node)
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			e.logger.Warn("operation denied by policy", "node", op.NodeName, "policy", e.policy.String())
			res.Skipped = append(res.Skipped, fmt.Sprintf("operation %d: denied by policy for %q", i, op.NodeName))
			continue
		}

		before := preview(node["parameters"])
		target := node.Parameters()
		for k, v := range params {
			target[k] = v
		}
		res.Changes = append(res.Changes,
			"Updated "+op.NodeName+": "+before+" -> "+preview(target))
	}

	if err := definition.RestoreCredentials(merged, creds); err != nil {
		return Result{}, fmt.Errorf("restore credentials: %w", err)
	}
	merged.StripVolatile()
	res.CredentialsPreserved = !creds.Empty()
	return res, nil
}

func ignoredKeys(op contracts.FixOperation) []string {
	var keys []string
	for k := range op.Updates {
		if k != "parameters" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func preview(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	r := []rune(string(raw))
	if len(r) > changePreviewChars {
		r = r[:changePreviewChars]
	}
	return string(r)
}
