// Package sessionstore persists the mapping from an agent name to the backend
// session id of its persistent conversation.
//
// Only persistent sessions are ever written here. Implementations must be safe
// for concurrent use.
package sessionstore

import (
	"context"
	"sync"
)

// Store maps agent names to external session ids.
type Store interface {
	// Get returns the stored id and whether one exists.
	Get(ctx context.Context, name string) (string, bool, error)
	Put(ctx context.Context, name, sessionID string) error
	// Delete removes a mapping. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
	// List returns a snapshot of every mapping.
	List(ctx context.Context) (map[string]string, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessions[name]
	return id, ok, nil
}

func (m *Memory) Put(ctx context.Context, name, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[name] = sessionID
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
	return nil
}

func (m *Memory) List(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out, nil
}
