// Package progress derives observer-facing progress figures from queue
// snapshots plus a bounded history of completed-task durations.
package progress

import (
	"sync"
	"time"

	"photoflow/internal/domain"
)

const historyPerType = 20

// Aggregator keeps a moving window of completion durations per task type.
// Summaries are pure functions of a queue snapshot plus that history.
type Aggregator struct {
	mu        sync.Mutex
	durations map[domain.TaskType][]time.Duration
}

func NewAggregator() *Aggregator {
	return &Aggregator{durations: make(map[domain.TaskType][]time.Duration)}
}

// Observe records a completed task's run time.
func (a *Aggregator) Observe(typ domain.TaskType, d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.durations[typ], d)
	if len(h) > historyPerType {
		h = h[len(h)-historyPerType:]
	}
	a.durations[typ] = h
}

type Summary struct {
	TotalProgress float64
	Current       *domain.Task
	ETA           time.Duration
	HasETA        bool
}

// Summarize computes total progress (mean over non-terminal tasks), the
// current task (RUNNING with highest progress, earliest start on ties) and
// the remaining-time estimate. ETA is omitted until at least one completion
// has been observed.
func (a *Aggregator) Summarize(tasks []domain.Task) Summary {
	var s Summary

	sum := 0
	active := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		active++
		sum += t.Progress

		if t.Status != domain.StatusRunning {
			continue
		}
		if s.Current == nil || t.Progress > s.Current.Progress ||
			(t.Progress == s.Current.Progress && startedBefore(t, s.Current)) {
			cp := *t
			s.Current = &cp
		}
	}
	if active > 0 {
		s.TotalProgress = float64(sum) / float64(active)
	}

	eta, ok := a.estimate(tasks)
	s.ETA, s.HasETA = eta, ok
	return s
}

func startedBefore(a, b *domain.Task) bool {
	if a.StartedAt == nil || b.StartedAt == nil {
		return a.StartedAt != nil
	}
	return a.StartedAt.Before(*b.StartedAt)
}

// estimate sums, per non-terminal task, the average historical duration of
// its type scaled by the fraction of work left. Types with no history fall
// back to the overall average.
func (a *Aggregator) estimate(tasks []domain.Task) (time.Duration, bool) {
	a.mu.Lock()
	avgs := make(map[domain.TaskType]time.Duration, len(a.durations))
	var all time.Duration
	n := 0
	for typ, hist := range a.durations {
		var total time.Duration
		for _, d := range hist {
			total += d
		}
		avgs[typ] = total / time.Duration(len(hist))
		all += total
		n += len(hist)
	}
	a.mu.Unlock()

	if n == 0 {
		return 0, false
	}
	overall := all / time.Duration(n)

	var eta time.Duration
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Terminal() {
			continue
		}
		avg, ok := avgs[t.Type]
		if !ok {
			avg = overall
		}
		remaining := float64(100-t.Progress) / 100
		eta += time.Duration(float64(avg) * remaining)
	}
	return eta, true
}
