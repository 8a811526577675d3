package patch

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
)

// OperationPolicy gates individual operations with a CEL expression.
//
// The expression sees two variables:
//
//	op   {type, nodeName, parameters}
//	node {name, type}
//
// and must evaluate to a bool. Example:
//
//	!(node.type in ["n8n-nodes-base.code", "n8n-nodes-base.function"])
type OperationPolicy struct {
	expr string
	prg  cel.Program
}

// NewOperationPolicy compiles expr. An empty expression allows everything.
func NewOperationPolicy(expr string) (*OperationPolicy, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("op", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("node", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile policy: expression must return bool, got %s", out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program policy: %w", err)
	}
	return &OperationPolicy{expr: expr, prg: prg}, nil
}

// Allow evaluates the policy for one operation. A nil policy allows all.
func (p *OperationPolicy) Allow(op contracts.FixOperation, node definition.Node) (bool, error) {
	if p == nil {
		return true, nil
	}
	params, err := plain(op.Parameters())
	if err != nil {
		return false, err
	}
	out, _, err := p.prg.Eval(map[string]any{
		"op": map[string]any{
			"type":       op.Type,
			"nodeName":   op.NodeName,
			"parameters": params,
		},
		"node": map[string]any{
			"name": node.Name(),
			"type": node.Type(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval policy: result not bool")
	}
	return allowed, nil
}

func (p *OperationPolicy) String() string {
	if p == nil {
		return "allow-all"
	}
	return p.expr
}

// plain converts json.Number values to float64 so CEL sees native types.
func plain(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
