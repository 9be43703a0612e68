package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudcode/cloudcode/pkg/models"
)

// MemoryStore keeps workspace records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.Workspace
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.Workspace), now: time.Now}
}

func (m *MemoryStore) Claim(_ context.Context, id, language string) (*models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	ws, ok := m.records[id]
	switch {
	case !ok:
		ws = models.Workspace{ID: id, CreatedAt: now}
	case ws.Status != models.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	ws.Language = language
	ws.Status = models.StatusProvisioning
	ws.Error = ""
	ws.UpdatedAt = now
	m.records[id] = ws
	return &ws, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status models.WorkspaceStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ws.Status = status
	ws.Error = errMsg
	ws.UpdatedAt = m.now().UTC()
	m.records[id] = ws
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &ws, nil
}
