package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autofix/pkg/contracts"
	"github.com/Mindburn-Labs/autofix/pkg/definition"
)

const liveWorkflow = `{
  "id": "wf-1",
  "name": "Orders Sync",
  "active": true,
  "createdAt": "2025-01-01T00:00:00Z",
  "updatedAt": "2025-01-02T00:00:00Z",
  "versionId": "3f1c",
  "nodes": [
    {"name": "Webhook", "type": "n8n-nodes-base.webhook", "parameters": {"path": "orders"}},
    {"name": "HTTP Request", "type": "n8n-nodes-base.httpRequest",
     "parameters": {"url": "https://api.example.com/orders", "timeout": 10000},
     "credentials": {"httpHeaderAuth": {"id": "7", "name": "Orders API"}}},
    {"name": "Transform", "type": "n8n-nodes-base.code", "parameters": {"jsCode": "return items;"}}
  ],
  "connections": {}
}`

func load(t *testing.T) definition.Document {
	t.Helper()
	doc, err := definition.Decode([]byte(liveWorkflow))
	require.NoError(t, err)
	return doc
}

func updateNode(name string, params map[string]any) contracts.FixOperation {
	return contracts.FixOperation{
		Type:     contracts.OpUpdateNode,
		NodeName: name,
		Updates:  map[string]any{"parameters": params},
	}
}

func TestApply_TimeoutScenario(t *testing.T) {
	def := load(t)
	before, err := def.Encode()
	require.NoError(t, err)

	res, err := NewEngine(nil, nil).Apply(def, contracts.FixProposal{
		Operations: []contracts.FixOperation{updateNode("HTTP Request", map[string]any{"timeout": 30000})},
	})
	require.NoError(t, err)

	node, ok := res.Merged.FindNode("HTTP Request")
	require.True(t, ok)
	assert.EqualValues(t, 30000, node.Parameters()["timeout"])
	assert.Equal(t, "https://api.example.com/orders", node.Parameters()["url"])

	creds, err := json.Marshal(node["credentials"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"httpHeaderAuth":{"id":"7","name":"Orders API"}}`, string(creds))

	for _, k := range definition.VolatileFields {
		assert.NotContains(t, res.Merged, k)
	}
	assert.Equal(t, "Orders Sync", res.Merged["name"])
	assert.True(t, res.CredentialsPreserved)

	require.Len(t, res.Changes, 1)
	assert.Equal(t,
		`Updated HTTP Request: {"timeout":10000,"url":"https://api.example.com/orders"} -> {"timeout":30000,"url":"https://api.example.com/orders"}`,
		res.Changes[0])
	assert.Empty(t, res.Skipped)

	after, err := def.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "input must not be mutated")
}

func TestApply_NoOperations(t *testing.T) {
	def := load(t)
	before, _ := def.Encode()

	_, err := NewEngine(nil, nil).Apply(def, contracts.FixProposal{})
	assert.ErrorIs(t, err, ErrNoOperations)

	_, err = NewEngine(nil, nil).ApplyEncoded(def, []byte(`[]`))
	assert.ErrorIs(t, err, ErrNoOperations)

	after, _ := def.Encode()
	assert.Equal(t, string(before), string(after))
}

func TestApply_SkipsUnmatchedAndUnsupported(t *testing.T) {
	res, err := NewEngine(nil, nil).Apply(load(t), contracts.FixProposal{
		Operations: []contracts.FixOperation{
			updateNode("Renamed Node", map[string]any{"x": 1}),
			{Type: "deleteNode", NodeName: "Webhook"},
			{Type: contracts.OpUpdateNode, NodeName: "Webhook", Updates: map[string]any{"name": "Hook"}},
			updateNode("Webhook", map[string]any{"path": "orders-v2"}),
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Changes, 1)
	assert.Contains(t, res.Changes[0], "Updated Webhook:")
	assert.Len(t, res.Skipped, 4)
	assert.Contains(t, res.Skipped[0], `node "Renamed Node" not found`)
	assert.Contains(t, res.Skipped[1], `unsupported type "deleteNode"`)
	assert.Contains(t, res.Skipped[2], "Webhook.name is not editable")
	assert.Contains(t, res.Skipped[3], "no parameter updates")

	hook, _ := res.Merged.FindNode("Webhook")
	assert.Equal(t, "orders-v2", hook.Parameters()["path"])
}

func TestApply_CredentialTamperIgnored(t *testing.T) {
	res, err := NewEngine(nil, nil).Apply(load(t), contracts.FixProposal{
		Operations: []contracts.FixOperation{{
			Type:     contracts.OpUpdateNode,
			NodeName: "HTTP Request",
			Updates: map[string]any{
				"parameters":  map[string]any{"credentials": "param named credentials is fine"},
				"credentials": map[string]any{"httpHeaderAuth": map[string]any{"id": "666"}},
			},
		}, {
			Type:     contracts.OpUpdateNode,
			NodeName: "Webhook",
			Updates:  map[string]any{"credentials": map[string]any{"x": "y"}},
		}},
	})
	require.NoError(t, err)

	node, _ := res.Merged.FindNode("HTTP Request")
	raw, _ := json.Marshal(node["credentials"])
	assert.JSONEq(t, `{"httpHeaderAuth":{"id":"7","name":"Orders API"}}`, string(raw))

	hook, _ := res.Merged.FindNode("Webhook")
	assert.NotContains(t, hook, "credentials")
	assert.Contains(t, res.Skipped, "operation 0: HTTP Request.credentials is not editable")
}

func TestApply_NoCredentials(t *testing.T) {
	def, err := definition.Decode([]byte(`{"nodes":[{"name":"A","parameters":{}}]}`))
	require.NoError(t, err)
	res, err := NewEngine(nil, nil).Apply(def, contracts.FixProposal{
		Operations: []contracts.FixOperation{updateNode("A", map[string]any{"k": "v"})},
	})
	require.NoError(t, err)
	assert.False(t, res.CredentialsPreserved)
}

func TestApply_NullCredentialsKept(t *testing.T) {
	def, err := definition.Decode([]byte(`{"nodes":[
	  {"name":"A","parameters":{},"credentials":null},
	  {"name":"A","parameters":{},"credentials":{"slackApi":{"id":"4"}}}
	]}`))
	require.NoError(t, err)
	res, err := NewEngine(nil, nil).Apply(def, contracts.FixProposal{
		Operations: []contracts.FixOperation{updateNode("A", map[string]any{"k": "v"})},
	})
	require.NoError(t, err)

	nodes := res.Merged.Nodes()
	require.Len(t, nodes, 2)
	v, has := nodes[0]["credentials"]
	assert.True(t, has)
	assert.Nil(t, v)
	raw, _ := json.Marshal(nodes[1]["credentials"])
	assert.JSONEq(t, `{"slackApi":{"id":"4"}}`, string(raw))
	assert.True(t, res.CredentialsPreserved)
}

func TestApply_ChangePreviewTruncated(t *testing.T) {
	def, err := definition.Decode([]byte(`{"nodes":[{"name":"A"}]}`))
	require.NoError(t, err)
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'ü'
	}
	res, err := NewEngine(nil, nil).Apply(def, contracts.FixProposal{
		Operations: []contracts.FixOperation{updateNode("A", map[string]any{"body": string(long)})},
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	after := []rune(res.Changes[0][len("Updated A: null -> "):])
	assert.Len(t, after, 100)
}

func TestApplyEncoded_Malformed(t *testing.T) {
	def := load(t)
	for _, raw := range []string{`{not json`, `{"type":"updateNode"}`, `[{"nodeName":"A"}]`} {
		_, err := NewEngine(nil, nil).ApplyEncoded(def, []byte(raw))
		assert.ErrorIs(t, err, ErrMalformedProposal, raw)
	}
}

func TestApplyEncoded_KeepsNumbersExact(t *testing.T) {
	res, err := NewEngine(nil, nil).ApplyEncoded(load(t),
		[]byte(`[{"type":"updateNode","nodeName":"HTTP Request","updates":{"parameters":{"timeout":9007199254740993}}}]`))
	require.NoError(t, err)
	raw, err := res.Merged.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timeout":9007199254740993`)
}

func TestApply_Policy(t *testing.T) {
	policy, err := NewOperationPolicy(`node.type != "n8n-nodes-base.code"`)
	require.NoError(t, err)

	res, err := NewEngine(policy, nil).Apply(load(t), contracts.FixProposal{
		Operations: []contracts.FixOperation{
			updateNode("Transform", map[string]any{"jsCode": "return [];"}),
			updateNode("HTTP Request", map[string]any{"timeout": 30000}),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Contains(t, res.Changes[0], "HTTP Request")
	assert.Contains(t, res.Skipped[0], "denied by policy")

	code, _ := res.Merged.FindNode("Transform")
	assert.Equal(t, "return items;", code.Parameters()["jsCode"])
}

func TestOperationPolicy_ParameterAccess(t *testing.T) {
	policy, err := NewOperationPolicy(`!has(op.parameters.timeout) || op.parameters.timeout <= 60000.0`)
	require.NoError(t, err)

	ok, err := policy.Allow(updateNode("A", map[string]any{"timeout": json.Number("30000")}), definition.Node{"name": "A"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = policy.Allow(updateNode("A", map[string]any{"timeout": json.Number("120000")}), definition.Node{"name": "A"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewOperationPolicy(t *testing.T) {
	p, err := NewOperationPolicy("")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, "allow-all", p.String())

	_, err = NewOperationPolicy(`op.nodeName +`)
	assert.Error(t, err)

	_, err = NewOperationPolicy(`"not a bool"`)
	assert.Error(t, err)
}
