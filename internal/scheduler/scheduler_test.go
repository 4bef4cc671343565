package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"photoflow/internal/domain"
	"photoflow/internal/queue"
	"photoflow/internal/resource"
	"photoflow/internal/store"
	"photoflow/internal/worker"
)

var goodStatus = domain.ResourceStatus{
	BatteryLevel: 0.9,
	Charging:     true,
	MemoryUsage:  0.3,
	Thermal:      domain.ThermalNominal,
}

// blockExec parks every task until release is signalled (one receive per
// task, or close to release all).
type blockExec struct {
	started chan string
	release chan struct{}
}

func newBlockExec() *blockExec {
	return &blockExec{started: make(chan string, 16), release: make(chan struct{})}
}

func (e *blockExec) Run(ctx context.Context, t *domain.Task, inv worker.Invocation) error {
	e.started <- t.ID
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type failExec struct{ attempts atomic.Int32 }

func (e *failExec) Run(ctx context.Context, t *domain.Task, inv worker.Invocation) error {
	e.attempts.Add(1)
	return fmt.Errorf("model crashed")
}

type harness struct {
	sched  *Scheduler
	q      *queue.Queue
	poller *resource.Poller
	block  *blockExec
	fail   *failExec
}

func newHarness(t *testing.T, settings domain.Settings) *harness {
	t.Helper()
	q := queue.New(store.NewMemory())
	block := newBlockExec()
	fail := &failExec{}
	reg := worker.Registry{
		domain.TypePhotoAnalysis: block,
		domain.TypeFaceDetection: fail,
	}
	pool := worker.NewPool(reg, 32)
	// Hour-long interval: resource changes only happen via poller.Set.
	poller := resource.NewPoller(resource.Static{Status: goodStatus}, time.Hour)

	sched := New(Config{DrainTimeout: 100 * time.Millisecond}, q, pool, poller, settings)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})
	return &harness{sched: sched, q: q, poller: poller, block: block, fail: fail}
}

func (h *harness) enqueue(t *testing.T, typ domain.TaskType, i int) domain.Task {
	t.Helper()
	tk, err := h.sched.Enqueue(context.Background(),
		typ, json.RawMessage(fmt.Sprintf(`{"photos":["p%d.jpg"]}`, i)), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return tk
}

func (h *harness) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.block.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no task started")
		return ""
	}
}

func (h *harness) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case id := <-h.block.started:
		t.Fatalf("unexpected task start: %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAdmissionPassRespectsCeiling(t *testing.T) {
	s := domain.DefaultSettings()
	s.MaxConcurrent = 2
	h := newHarness(t, s)

	for i := 0; i < 5; i++ {
		h.enqueue(t, domain.TypePhotoAnalysis, i)
	}

	// Admission runs synchronously on enqueue: exactly 2 running, 3 pending.
	st := h.sched.Stats()
	if st.Running != 2 || st.Pending != 3 {
		t.Fatalf("stats = %+v, want 2 running / 3 pending", st)
	}
	h.awaitStart(t)
	h.awaitStart(t)
	h.assertNoStart(t)

	close(h.block.release)
	waitFor(t, "all completed", func() bool { return h.sched.Stats().Completed == 5 })

	ps := h.sched.State()
	if ps.State != domain.StateIdle || ps.QueueLength != 0 {
		t.Fatalf("state = %+v, want idle with empty queue", ps)
	}
}

func TestQueueLengthCountsNonTerminal(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())

	for i := 0; i < 3; i++ {
		h.enqueue(t, domain.TypePhotoAnalysis, i)
	}
	st := h.sched.Stats()
	if got := h.sched.State().QueueLength; got != st.Pending+st.Paused+st.Running {
		t.Fatalf("queue length %d != pending+paused+running %d", got, st.Pending+st.Paused+st.Running)
	}
	if got := h.sched.State().QueueLength; got != 3 {
		t.Fatalf("queue length = %d, want 3", got)
	}

	close(h.block.release)
	waitFor(t, "drain", func() bool { return h.sched.State().QueueLength == 0 })
}

func TestDuplicateEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())
	a := h.enqueue(t, domain.TypePhotoAnalysis, 1)
	b := h.enqueue(t, domain.TypePhotoAnalysis, 1)
	if a.ID != b.ID {
		t.Fatalf("duplicate enqueue created new task %s vs %s", b.ID, a.ID)
	}
	if got := h.sched.State().QueueLength; got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
	close(h.block.release)
}

func TestRetryLimitThenFailedExactlyOnce(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())

	tk := h.enqueue(t, domain.TypeFaceDetection, 1)
	waitFor(t, "failure recorded", func() bool { return h.sched.Stats().Failed == 1 })

	// 1 initial attempt + 2 retries.
	if got := h.fail.attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	got, ok := h.sched.Task(tk.ID)
	if !ok || got.Status != domain.StatusFailed || got.RetryCount != 2 {
		t.Fatalf("task = %+v, want failed with retry_count 2", got)
	}
	if got.Error == "" {
		t.Fatal("terminal error not recorded")
	}

	// A permanent failure never halts the scheduler.
	h.enqueue(t, domain.TypePhotoAnalysis, 2)
	h.awaitStart(t)
	close(h.block.release)
	waitFor(t, "later task completes", func() bool { return h.sched.Stats().Completed == 1 })
	if h.sched.Stats().Failed != 1 {
		t.Fatalf("failed count changed: %+v", h.sched.Stats())
	}
}

func TestLowBatteryPausesAdmission(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())

	h.enqueue(t, domain.TypePhotoAnalysis, 1)
	h.awaitStart(t)

	low := goodStatus
	low.BatteryLevel = 0.05
	low.Charging = false
	h.poller.Set(low)
	waitFor(t, "resource pause", func() bool {
		return h.sched.State().State == domain.StatePausedResource
	})

	// New work queues up but nothing is admitted.
	h.enqueue(t, domain.TypePhotoAnalysis, 2)
	h.assertNoStart(t)

	// The in-flight task finishing does not re-open admission either.
	h.block.release <- struct{}{}
	waitFor(t, "first completes", func() bool { return h.sched.Stats().Completed == 1 })
	h.assertNoStart(t)
	if st := h.sched.Stats(); st.Running != 0 || st.Pending != 1 {
		t.Fatalf("stats = %+v, want 0 running / 1 pending", st)
	}

	// Clearing the condition auto-resumes with no user action.
	h.poller.Set(goodStatus)
	h.awaitStart(t)
	waitFor(t, "active state", func() bool {
		return h.sched.State().State == domain.StateActive
	})
	h.block.release <- struct{}{}
	waitFor(t, "second completes", func() bool { return h.sched.Stats().Completed == 2 })
}

func TestChargingOverridesLowBattery(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())

	low := goodStatus
	low.BatteryLevel = 0.05
	low.Charging = true
	h.poller.Set(low)

	h.enqueue(t, domain.TypePhotoAnalysis, 1)
	h.awaitStart(t)
	if got := h.sched.State().State; got != domain.StateActive {
		t.Fatalf("state = %s, want active while charging", got)
	}
	close(h.block.release)
}

func TestResumeCannotOverrideResourceViolation(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())
	ctx := context.Background()

	hot := goodStatus
	hot.Thermal = domain.ThermalCritical
	h.poller.Set(hot)
	waitFor(t, "resource pause", func() bool {
		return h.sched.State().State == domain.StatePausedResource
	})

	h.sched.Pause(ctx)
	if got := h.sched.State().State; got != domain.StatePausedUser {
		t.Fatalf("state = %s, want paused_user", got)
	}

	h.sched.Resume(ctx)
	if got := h.sched.State().State; got != domain.StatePausedResource {
		t.Fatalf("resume during violation gave %s, want paused_resource", got)
	}

	h.poller.Set(goodStatus)
	waitFor(t, "idle after clear", func() bool {
		return h.sched.State().State == domain.StateIdle
	})
}

func TestThermalRoundTrip(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())

	h.enqueue(t, domain.TypePhotoAnalysis, 1)
	h.awaitStart(t)

	hot := goodStatus
	hot.Thermal = domain.ThermalCritical
	h.poller.Set(hot)
	waitFor(t, "thermal pause", func() bool {
		return h.sched.State().State == domain.StatePausedResource
	})
	h.enqueue(t, domain.TypePhotoAnalysis, 2)
	h.assertNoStart(t)

	h.poller.Set(goodStatus)
	waitFor(t, "auto resume", func() bool {
		return h.sched.State().State == domain.StateActive
	})
	h.awaitStart(t)
	close(h.block.release)
	waitFor(t, "drain", func() bool { return h.sched.Stats().Completed == 2 })
}

func TestUserPauseMarksTasksAndResumeRestores(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())
	ctx := context.Background()

	s := domain.DefaultSettings()
	s.MaxConcurrent = 1
	if _, err := h.sched.UpdateSettings(domain.SettingsPatch{MaxConcurrent: &s.MaxConcurrent}); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	h.enqueue(t, domain.TypePhotoAnalysis, 1)
	h.awaitStart(t)
	waiting := h.enqueue(t, domain.TypePhotoAnalysis, 2)

	h.sched.Pause(ctx)
	got, _ := h.sched.Task(waiting.ID)
	if got.Status != domain.StatusPaused {
		t.Fatalf("pending task after pause = %s, want paused", got.Status)
	}
	if got := h.sched.State().State; got != domain.StatePausedUser {
		t.Fatalf("state = %s", got)
	}

	h.sched.Resume(ctx)
	got, _ = h.sched.Task(waiting.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("task after resume = %s, want pending", got.Status)
	}
	close(h.block.release)
	waitFor(t, "drain", func() bool { return h.sched.Stats().Completed == 2 })
}

func TestIntensityShrinkLetsInFlightFinish(t *testing.T) {
	s := domain.DefaultSettings()
	s.MaxConcurrent = 2
	h := newHarness(t, s)

	for i := 0; i < 3; i++ {
		h.enqueue(t, domain.TypePhotoAnalysis, i)
	}
	h.awaitStart(t)
	h.awaitStart(t)

	low := domain.IntensityLow
	if _, err := h.sched.UpdateSettings(domain.SettingsPatch{Intensity: &low}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if got := h.sched.Settings().Ceiling(); got != 1 {
		t.Fatalf("ceiling = %d, want 1", got)
	}

	// Both in-flight tasks finish; no replacement while count >= new ceiling.
	h.block.release <- struct{}{}
	waitFor(t, "first completes", func() bool { return h.sched.Stats().Completed == 1 })
	h.assertNoStart(t)
	if st := h.sched.Stats(); st.Running != 1 {
		t.Fatalf("running = %d, want 1", st.Running)
	}

	// Once in-flight drops below the ceiling, exactly one task is admitted.
	h.block.release <- struct{}{}
	waitFor(t, "second completes", func() bool { return h.sched.Stats().Completed == 2 })
	h.awaitStart(t)
	if st := h.sched.Stats(); st.Running != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v, want exactly 1 running", st)
	}

	h.block.release <- struct{}{}
	waitFor(t, "drain", func() bool { return h.sched.Stats().Completed == 3 })
}

func TestClearCancelsPendingOnly(t *testing.T) {
	s := domain.DefaultSettings()
	s.MaxConcurrent = 1
	h := newHarness(t, s)
	ctx := context.Background()

	h.enqueue(t, domain.TypePhotoAnalysis, 1)
	h.awaitStart(t)
	h.enqueue(t, domain.TypePhotoAnalysis, 2)
	h.enqueue(t, domain.TypePhotoAnalysis, 3)

	if n := h.sched.Clear(ctx); n != 2 {
		t.Fatalf("cleared = %d, want 2", n)
	}
	st := h.sched.Stats()
	if st.Cancelled != 2 || st.Running != 1 {
		t.Fatalf("stats = %+v", st)
	}

	// The running task's terminal outcome is unaffected.
	h.block.release <- struct{}{}
	waitFor(t, "running completes", func() bool { return h.sched.Stats().Completed == 1 })
	waitFor(t, "idle", func() bool { return h.sched.State().State == domain.StateIdle })
}

func TestSubscribersSeeTransitions(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())
	ctx := context.Background()

	ch, unsubscribe := h.sched.Subscribe(8)
	defer unsubscribe()

	h.sched.Pause(ctx)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ps := <-ch:
			if ps.State == domain.StatePausedUser {
				h.sched.Resume(ctx)
				return
			}
		case <-deadline:
			t.Fatal("no paused_user notification")
		}
	}
}

func TestRequeueRevivesFailedTask(t *testing.T) {
	h := newHarness(t, domain.DefaultSettings())
	ctx := context.Background()

	tk := h.enqueue(t, domain.TypeFaceDetection, 1)
	waitFor(t, "failure", func() bool { return h.sched.Stats().Failed == 1 })

	if n := h.sched.Requeue(ctx, []string{tk.ID}); n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	// The revived task runs again (and fails again, it is the failing type).
	waitFor(t, "re-ran", func() bool { return h.fail.attempts.Load() >= 4 })
}
