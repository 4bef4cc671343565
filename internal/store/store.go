// Package store is the persistence collaborator for the task queue. A Store
// durably round-trips tasks so the queue survives process restarts; the
// in-memory implementation backs degraded (non-durable) mode.
package store

import (
	"context"
	"fmt"

	"photoflow/internal/domain"
)

type Store interface {
	// Load returns all persisted tasks in seq order.
	Load(ctx context.Context) ([]domain.Task, error)
	// Put inserts or replaces a task by id.
	Put(ctx context.Context, t domain.Task) error
	// Delete removes tasks by id; missing ids are not an error.
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// Open builds a store for the given driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(path)
	case "bolt":
		return OpenBolt(path)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
