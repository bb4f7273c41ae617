package keystore

import (
	"context"
	"sync"

	"companion/internal/domain"
)

// Memory is an in-process backend. Set applies a whole mutation under one
// lock.
type Memory struct {
	mu   sync.RWMutex
	data map[domain.KeyKind]map[string][]byte
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[domain.KeyKind]map[string][]byte)}
}

// Get implements domain.KeyBackend.
func (m *Memory) Get(_ context.Context, kind domain.KeyKind, ids []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := m.data[kind][id]; ok {
			out[id] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Set implements domain.KeyBackend.
func (m *Memory) Set(_ context.Context, data domain.KeyMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, entries := range data {
		byID := m.data[kind]
		if byID == nil {
			byID = make(map[string][]byte)
			m.data[kind] = byID
		}
		for id, v := range entries {
			if v == nil {
				delete(byID, id)
				continue
			}
			byID[id] = append([]byte(nil), v...)
		}
	}
	return nil
}

// Len returns the number of records of kind.
func (m *Memory) Len(kind domain.KeyKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[kind])
}

var _ domain.KeyBackend = (*Memory)(nil)
