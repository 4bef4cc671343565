// Package queue holds the ordered, durable collection of analysis tasks.
// Ordering is (priority desc, seq asc); seq is assigned once at first
// enqueue and persisted, so equal-priority order is stable across restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"photoflow/internal/domain"
	"photoflow/internal/store"
)

var ErrInvalidType = errors.New("unknown task type")

type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*domain.Task
	byFp    map[string]string // fingerprint -> id, live tasks only
	nextSeq uint64
	st      store.Store
}

func New(st store.Store) *Queue {
	return &Queue{
		tasks:   make(map[string]*domain.Task),
		byFp:    make(map[string]string),
		nextSeq: 1,
		st:      st,
	}
}

// Restore loads persisted tasks. Tasks found RUNNING are demoted to PENDING:
// an interrupted run is presumed unfinished, never silently resumed.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	tasks, err := q.st.Load(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	demoted := 0
	for i := range tasks {
		t := tasks[i]
		if t.Status == domain.StatusRunning {
			t.Status = domain.StatusPending
			t.Progress = 0
			t.StartedAt = nil
			demoted++
			q.persist(ctx, &t)
		}
		tt := t
		q.tasks[t.ID] = &tt
		if !t.Status.Terminal() {
			q.byFp[t.Fingerprint()] = t.ID
		}
		if t.Seq >= q.nextSeq {
			q.nextSeq = t.Seq + 1
		}
	}
	return demoted, nil
}

// Enqueue inserts a new task, or returns the existing live task with the
// same type+payload (idempotent insert). The bool reports whether the task
// already existed.
func (q *Queue) Enqueue(ctx context.Context, typ domain.TaskType, payload json.RawMessage, priority int) (domain.Task, bool, error) {
	if !typ.Valid() {
		return domain.Task{}, false, ErrInvalidType
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	probe := domain.Task{Type: typ, Payload: payload}
	if id, ok := q.byFp[probe.Fingerprint()]; ok {
		if t, ok := q.tasks[id]; ok && !t.Status.Terminal() {
			return *t, true, nil
		}
	}

	t := &domain.Task{
		ID:        "tsk_" + uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Priority:  priority,
		Seq:       q.nextSeq,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	q.nextSeq++
	q.tasks[t.ID] = t
	q.byFp[t.Fingerprint()] = t.ID
	q.persist(ctx, t)
	return *t, false, nil
}

// DequeueNext returns a copy of the highest-priority PENDING task without
// mutating it, or false if none qualifies. The scheduler pairs this with
// MarkRunning under its own serialization.
func (q *Queue) DequeueNext() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *domain.Task
	for _, t := range q.tasks {
		if t.Status != domain.StatusPending {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.Seq < best.Seq) {
			best = t
		}
	}
	if best == nil {
		return domain.Task{}, false
	}
	return *best, true
}

// MarkRunning transitions a PENDING task to RUNNING and returns a copy.
func (q *Queue) MarkRunning(ctx context.Context, id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != domain.StatusPending {
		return domain.Task{}, false
	}
	now := time.Now().UTC()
	t.Status = domain.StatusRunning
	t.StartedAt = &now
	q.persist(ctx, t)
	return *t, true
}

// UpdateProgress records cooperative progress for a RUNNING task.
func (q *Queue) UpdateProgress(ctx context.Context, id string, percent int) {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != domain.StatusRunning {
		return
	}
	t.Progress = percent
	q.persist(ctx, t)
}

// Complete transitions a RUNNING task to COMPLETED.
func (q *Queue) Complete(ctx context.Context, id string) (domain.Task, bool) {
	return q.finish(ctx, id, domain.StatusCompleted, "")
}

// Fail transitions a RUNNING task to FAILED with the terminal error.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) (domain.Task, bool) {
	return q.finish(ctx, id, domain.StatusFailed, errMsg)
}

func (q *Queue) finish(ctx context.Context, id string, status domain.TaskStatus, errMsg string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != domain.StatusRunning {
		return domain.Task{}, false
	}
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	t.Error = errMsg
	if status == domain.StatusCompleted {
		t.Progress = 100
	}
	delete(q.byFp, t.Fingerprint())
	q.persist(ctx, t)
	return *t, true
}

// Retry puts a failed attempt back at its original priority and seq, so
// FIFO position within the priority class is preserved.
func (q *Queue) Retry(ctx context.Context, id, errMsg string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != domain.StatusRunning {
		return domain.Task{}, false
	}
	t.Status = domain.StatusPending
	t.RetryCount++
	t.Progress = 0
	t.StartedAt = nil
	t.Error = errMsg
	q.persist(ctx, t)
	return *t, true
}

// Requeue resets the given tasks to a fresh PENDING attempt. RUNNING tasks
// are skipped; terminal tasks are revived (a user-forced refresh is the one
// sanctioned exit from terminal state). Returns how many were reset.
func (q *Queue) Requeue(ctx context.Context, ids []string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range ids {
		t, ok := q.tasks[id]
		if !ok || t.Status == domain.StatusRunning {
			continue
		}
		t.Status = domain.StatusPending
		t.Progress = 0
		t.RetryCount = 0
		t.Error = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		q.byFp[t.Fingerprint()] = t.ID
		q.persist(ctx, t)
		n++
	}
	return n
}

// Clear cancels all PENDING and PAUSED tasks. RUNNING tasks are left to
// finish naturally. Returns how many were cancelled.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status != domain.StatusPending && t.Status != domain.StatusPaused {
			continue
		}
		now := time.Now().UTC()
		t.Status = domain.StatusCancelled
		t.CompletedAt = &now
		delete(q.byFp, t.Fingerprint())
		q.persist(ctx, t)
		n++
	}
	return n
}

// PauseAll marks PENDING tasks PAUSED (user pause). Resource pauses do not
// touch task state; they are an engine condition that clears on its own.
func (q *Queue) PauseAll(ctx context.Context) {
	q.setAll(ctx, domain.StatusPending, domain.StatusPaused)
}

// ResumeAll marks PAUSED tasks PENDING again.
func (q *Queue) ResumeAll(ctx context.Context) {
	q.setAll(ctx, domain.StatusPaused, domain.StatusPending)
}

func (q *Queue) setAll(ctx context.Context, from, to domain.TaskStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == from {
			t.Status = to
			q.persist(ctx, t)
		}
	}
}

// Get returns a copy of a task by id.
func (q *Queue) Get(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// Len counts non-terminal tasks (PENDING + PAUSED + RUNNING).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// HasPending reports whether any task is waiting for a slot.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == domain.StatusPending {
			return true
		}
	}
	return false
}

// Snapshot returns copies of all tasks ordered by (priority desc, seq asc).
func (q *Queue) Snapshot() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Stats returns per-status counts and cumulative completed run time.
func (q *Queue) Stats() domain.TaskStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s domain.TaskStats
	for _, t := range q.tasks {
		switch t.Status {
		case domain.StatusPending:
			s.Pending++
		case domain.StatusPaused:
			s.Paused++
		case domain.StatusRunning:
			s.Running++
		case domain.StatusCompleted:
			s.Completed++
			s.TotalTime += t.RunDuration()
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// PruneTerminal drops terminal tasks older than the cutoff from memory and
// the store. Returns how many were removed.
func (q *Queue) PruneTerminal(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, t := range q.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(q.tasks, id)
	}
	if len(ids) > 0 {
		if err := q.st.Delete(ctx, ids); err != nil {
			log.Warn().Err(err).Int("count", len(ids)).Msg("prune: store delete failed")
		}
	}
	return len(ids)
}

// persist writes one task through to the store. Called with q.mu held.
// A save failure is logged, not fatal: the queue keeps working in memory.
func (q *Queue) persist(ctx context.Context, t *domain.Task) {
	if err := q.st.Put(ctx, *t); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("queue: persist failed")
	}
}
