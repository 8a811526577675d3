package definition

import (
	"bytes"
	"encoding/json"
)

// CredentialMap snapshots the credential state of every node, by position in
// the nodes array, so nodes that share a name keep their own bindings.
// Bindings are stored as raw JSON so later edits to the document cannot
// reach them.
type CredentialMap []credentialState

type credentialState struct {
	name    string
	present bool
	raw     json.RawMessage
}

// ExtractCredentials snapshots every node's "credentials" key, including an
// explicit null and the absence of the key.
func ExtractCredentials(d Document) (CredentialMap, error) {
	nodes := d.Nodes()
	creds := make(CredentialMap, len(nodes))
	for i, n := range nodes {
		creds[i].name = n.Name()
		c, ok := n["credentials"]
		if !ok {
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		creds[i].present = true
		creds[i].raw = raw
	}
	return creds, nil
}

// RestoreCredentials puts back the snapshotted state of every node that is
// still at its snapshot position, dropping any binding added since. Nodes the
// snapshot does not cover are left alone.
func RestoreCredentials(d Document, creds CredentialMap) error {
	for i, n := range d.Nodes() {
		if i >= len(creds) || creds[i].name != n.Name() {
			continue
		}
		if !creds[i].present {
			delete(n, "credentials")
			continue
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(creds[i].raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return err
		}
		n["credentials"] = v
	}
	return nil
}

// Empty reports whether no node carried a non-null binding.
func (c CredentialMap) Empty() bool {
	for _, s := range c {
		if s.present && !bytes.Equal(s.raw, []byte("null")) {
			return false
		}
	}
	return true
}
