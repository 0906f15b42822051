// Package collection provides typed read/write of whole-document JSON
// collections stored on the blob store. Each collection is a single object
// overwritten in full; there are no partial updates.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/config"
)

// ErrCorrupt is returned for unparseable documents when the store runs with
// the fail-on-corrupt policy.
var ErrCorrupt = errors.New("collection document is corrupt")

// Store pairs a blob store with a corrupt-read policy.
type Store struct {
	Blobs  blobstore.Store
	Policy config.CorruptPolicy
}

// New constructs a Store with the given policy.
func New(blobs blobstore.Store, policy config.CorruptPolicy) *Store {
	return &Store{Blobs: blobs, Policy: policy}
}

// Read fetches and decodes the document at path. A missing document yields
// def without error. A document that fails to decode yields def under the
// default policy (logged loudly, since this silently discards whatever was
// stored) or ErrCorrupt under the fail policy.
func Read[T any](ctx context.Context, s *Store, path string, def T) (T, error) {
	data, err := s.Blobs.Read(ctx, path)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return def, nil
		}
		return def, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		if s.Policy == config.CorruptFail {
			return def, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		log.Printf("collection %s is corrupt, serving empty default: %v", path, err)
		return def, nil
	}
	return out, nil
}

// Write encodes value and overwrites the document at path in a single store
// write, so readers observe either the old document or the new one.
func Write[T any](ctx context.Context, s *Store, path string, value T) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return s.Blobs.Write(ctx, path, data, "application/json")
}
