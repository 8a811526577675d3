package archive

import (
	"context"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/autofix/pkg/definition"
)

// Revisions archives definitions in canonical (RFC 8785) form so identical
// definitions map to the same reference regardless of key order.
type Revisions struct {
	store Store
}

func NewRevisions(store Store) *Revisions {
	return &Revisions{store: store}
}

// Save archives doc and returns its reference.
func (r *Revisions) Save(ctx context.Context, doc definition.Document) (string, error) {
	raw, err := doc.Encode()
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("archive: canonicalize definition: %w", err)
	}
	return r.store.Put(ctx, canon)
}

// Load returns a previously archived definition.
func (r *Revisions) Load(ctx context.Context, ref string) (definition.Document, error) {
	raw, err := r.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return definition.Decode(raw)
}
