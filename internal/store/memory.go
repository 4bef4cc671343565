package store

import (
	"context"
	"sort"
	"sync"

	"photoflow/internal/domain"
)

// Memory is a non-durable store used when the durable backend cannot be
// opened; the scheduler keeps working, the queue just won't survive restart.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task)}
}

func (m *Memory) Load(ctx context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

func (m *Memory) Put(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
