// Package storage abstracts the durable object store holding artifact bytes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrObjectMissing indicates an expected object is absent from the store.
var ErrObjectMissing = errors.New("storage: object missing")

// UploadResult reports where an uploaded object landed.
type UploadResult struct {
	Hash string
	Path string
}

// Store is the contract the exchange core depends on. Move must be idempotent:
// re-running an identical relocation is a no-op, never a duplicate.
type Store interface {
	// Upload persists a blob under a content-addressed path and returns its
	// digest and location. Blocking.
	Upload(ctx context.Context, ownerID uuid.UUID, name string, data []byte) (*UploadResult, error)
	// Delete removes an object, best-effort.
	Delete(ctx context.Context, path string) error
	// Exists reports whether the object is present.
	Exists(ctx context.Context, path string) (bool, error)
	// MoveArtifacts relocates every object of a container to the destination
	// owner's prefix, returning the new paths keyed by source path.
	MoveArtifacts(ctx context.Context, containerID uuid.UUID, destinationOwner uuid.UUID, paths []string) (map[string]string, error)
	// SignedURL produces a read-only URL valid for the TTL.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}
