package store

import (
	"context"
	"sync"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/models"
)

// MemoryBackend keeps the state in process memory.
// It is thread-safe and loses everything on exit.
type MemoryBackend struct {
	mu   sync.RWMutex
	snap *models.Snapshot
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snap: &models.Snapshot{}}
}

// Load returns a deep copy of the state.
func (m *MemoryBackend) Load(ctx context.Context) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Clone(), nil
}

// Save stores a deep copy of snap if its version is current.
func (m *MemoryBackend) Save(ctx context.Context, snap *models.Snapshot) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Version != m.snap.Version {
		return 0, errors.ErrVersionConflict
	}
	next := snap.Clone()
	next.Version = m.snap.Version + 1
	m.snap = next
	return next.Version, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
