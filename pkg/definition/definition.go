// Package definition handles pipeline definition documents as opaque JSON.
//
// A definition is a JSON object with a "nodes" array. Each node is an object
// carrying at least "name", and optionally "type", "parameters" and
// "credentials". Everything else is passed through untouched.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDocument is returned when a payload is not a JSON object.
var ErrInvalidDocument = errors.New("definition: invalid document")

// Document is a decoded definition. Numbers are json.Number.
type Document map[string]any

// Node is one element of the "nodes" array.
type Node map[string]any

// VolatileFields are server-managed keys that must not be sent back on update.
var VolatileFields = []string{"id", "createdAt", "updatedAt", "versionId"}

// Decode parses raw JSON into a Document, preserving numeric precision.
func Decode(raw []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: null document", ErrInvalidDocument)
	}
	return doc, nil
}

// Encode serializes the document as compact JSON.
func (d Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Clone returns a deep copy through a JSON round trip.
func (d Document) Clone() (Document, error) {
	raw, err := d.Encode()
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Nodes returns the node objects in document order. Non-object entries are
// ignored. The returned maps alias the document.
func (d Document) Nodes() []Node {
	list, _ := d["nodes"].([]any)
	nodes := make([]Node, 0, len(list))
	for _, item := range list {
		switch n := item.(type) {
		case map[string]any:
			nodes = append(nodes, Node(n))
		case Node:
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// FindNode returns the first node whose name equals name.
func (d Document) FindNode(name string) (Node, bool) {
	for _, n := range d.Nodes() {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}

// Name returns the node name, or "" when absent.
func (n Node) Name() string {
	s, _ := n["name"].(string)
	return s
}

// Type returns the node type, or "" when absent.
func (n Node) Type() string {
	s, _ := n["type"].(string)
	return s
}

// Parameters returns the node's parameter object, creating it when missing
// or not an object.
func (n Node) Parameters() map[string]any {
	if p, ok := n["parameters"].(map[string]any); ok {
		return p
	}
	p := map[string]any{}
	n["parameters"] = p
	return p
}

// StripVolatile removes server-managed top-level fields in place.
func (d Document) StripVolatile() {
	for _, k := range VolatileFields {
		delete(d, k)
	}
}
