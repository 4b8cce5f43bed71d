package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	moves   int
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Upload stores the blob under its content-addressed path.
func (m *Memory) Upload(ctx context.Context, ownerID uuid.UUID, name string, data []byte) (*UploadResult, error) {
	hash := HashBytes(data)
	path := ObjectPath(ownerID, hash, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[path] = buf
	return &UploadResult{Hash: hash, Path: path}, nil
}

// Delete removes the object if present.
func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

// Exists reports object presence.
func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

// MoveArtifacts relocates objects to the destination owner's prefix. Already
// relocated paths are skipped, matching the gateway's idempotent behaviour.
func (m *Memory) MoveArtifacts(ctx context.Context, containerID uuid.UUID, destinationOwner uuid.UUID, paths []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := make(map[string]string, len(paths))
	for _, path := range paths {
		dest := fmt.Sprintf("%s/%s", destinationOwner, path)
		if _, ok := m.objects[dest]; ok {
			moved[path] = dest
			continue
		}
		data, ok := m.objects[path]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrObjectMissing, path)
		}
		m.objects[dest] = data
		delete(m.objects, path)
		moved[path] = dest
		m.moves++
	}
	return moved, nil
}

// SignedURL fabricates a deterministic URL for the object.
func (m *Memory) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return "", ErrObjectMissing
	}
	return fmt.Sprintf("memory://%s?ttl=%d", path, int(ttl.Seconds())), nil
}

// MoveCount returns how many physical relocations occurred. Tests use it to
// assert replayed moves are no-ops.
func (m *Memory) MoveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}
