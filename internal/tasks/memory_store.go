package tasks

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory task store for development and tests.
type MemoryStore struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[t.ID] = clone(t)
	return nil
}

// clone copies the slices a caller might append to. Part data maps are
// shared; the runtime never mutates them after creation.
func clone(t *Task) *Task {
	cp := *t
	cp.Artifacts = append([]Artifact(nil), t.Artifacts...)
	cp.History = append([]Message(nil), t.History...)
	if t.Status.Message != nil {
		msg := *t.Status.Message
		cp.Status.Message = &msg
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
