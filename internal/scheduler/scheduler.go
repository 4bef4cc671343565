// Package scheduler owns the background-processing state machine. It decides
// on every event (enqueue, completion, settings change, resource change)
// whether tasks may start and how many run at once. All state mutation is
// serialized behind one mutex; task bodies run unsynchronized in their own
// goroutines and talk back only via progress and result messages.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"photoflow/internal/domain"
	"photoflow/internal/progress"
	"photoflow/internal/queue"
	"photoflow/internal/resource"
	"photoflow/internal/worker"
)

type Config struct {
	// MaxRetries is how many times a failed task is re-enqueued before it
	// is marked FAILED.
	MaxRetries int
	// DrainTimeout bounds how long Stop waits for running tasks to finish
	// before cancelling their context.
	DrainTimeout time.Duration
	// PublishEvery throttles progress-driven observer notifications.
	// State transitions always go out immediately.
	PublishEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.PublishEvery <= 0 {
		c.PublishEvery = 250 * time.Millisecond
	}
	return c
}

type Scheduler struct {
	cfg  Config
	q    *queue.Queue
	pool *worker.Pool
	mon  resource.Monitor
	agg  *progress.Aggregator

	mu           sync.Mutex
	settings     domain.Settings
	state        domain.EngineState
	userPaused   bool
	stopped      bool
	inflight     map[string]struct{}
	lastResource domain.ResourceStatus

	subsMu  sync.Mutex
	subs    []chan domain.ProcessingState
	limiter *rate.Limiter

	runCtx    context.Context
	runCancel context.CancelFunc
	resCh     <-chan domain.ResourceStatus
	resUnsub  func()
	stopCh    chan struct{}
	loopDone  chan struct{}
}

func New(cfg Config, q *queue.Queue, pool *worker.Pool, mon resource.Monitor, settings domain.Settings) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		q:        q,
		pool:     pool,
		mon:      mon,
		agg:      progress.NewAggregator(),
		settings: settings,
		state:    domain.StateIdle,
		inflight: make(map[string]struct{}),
		limiter:  rate.NewLimiter(rate.Every(cfg.PublishEvery), 1),
		runCtx:   context.Background(),
	}
}

// Start takes the initial resource snapshot, admits whatever the policy
// allows and begins consuming events.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.resCh, s.resUnsub = s.mon.Subscribe(4)

	s.mu.Lock()
	s.lastResource = s.mon.Snapshot()
	s.recomputeLocked()
	s.admitLocked()
	state := s.state
	s.mu.Unlock()

	go s.loop()
	log.Info().Str("state", string(state)).Int("queue_length", s.q.Len()).Msg("scheduler started")
	s.publish(true)
}

// Stop halts admissions and lets running tasks finish up to DrainTimeout;
// only then is their context cancelled. There is no hard kill.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.resUnsub != nil
	s.mu.Unlock()
	if !started {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	if err := s.pool.Wait(drainCtx); err != nil {
		log.Warn().Dur("drain_timeout", s.cfg.DrainTimeout).Msg("scheduler: drain timed out, cancelling run context")
		s.runCancel()
		_ = s.pool.Wait(ctx)
	}

	// Book-keep any results still buffered so finished work is not
	// demoted to PENDING on the next start.
	for {
		select {
		case res := <-s.pool.Results():
			s.handleResult(res)
			continue
		default:
		}
		break
	}

	close(s.stopCh)
	<-s.loopDone
	s.resUnsub()
	s.runCancel()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stopCh:
			return
		case res := <-s.pool.Results():
			s.handleResult(res)
		case st, ok := <-s.resCh:
			if !ok {
				return
			}
			s.handleResource(st)
		}
	}
}

// Enqueue inserts a task (idempotent on type+payload) and wakes the
// admission pass. It never blocks on execution.
func (s *Scheduler) Enqueue(ctx context.Context, typ domain.TaskType, payload json.RawMessage, priority int) (domain.Task, error) {
	t, existing, err := s.q.Enqueue(ctx, typ, payload, priority)
	if err != nil {
		return domain.Task{}, err
	}
	if existing {
		log.Debug().Str("task_id", t.ID).Str("type", string(typ)).Msg("enqueue: duplicate, returning existing task")
		return t, nil
	}

	s.mu.Lock()
	s.recomputeLocked()
	s.admitLocked()
	s.mu.Unlock()

	log.Info().Str("task_id", t.ID).Str("type", string(typ)).Int("priority", priority).Msg("task enqueued")
	s.publish(true)
	return t, nil
}

// Pause suspends processing until Resume. Pending tasks are marked PAUSED;
// running tasks park at their next yield checkpoint.
func (s *Scheduler) Pause(ctx context.Context) {
	s.mu.Lock()
	if s.userPaused {
		s.mu.Unlock()
		return
	}
	s.userPaused = true
	s.q.PauseAll(ctx)
	s.recomputeLocked()
	s.mu.Unlock()
	log.Info().Msg("processing paused by user")
	s.publish(true)
}

// Resume lifts a user pause. If a resource policy is still violated the
// scheduler lands in PAUSED_RESOURCE instead of ACTIVE: a user resume
// cannot override the device.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	if !s.userPaused {
		s.mu.Unlock()
		return
	}
	s.userPaused = false
	s.q.ResumeAll(ctx)
	s.recomputeLocked()
	s.admitLocked()
	state := s.state
	s.mu.Unlock()
	log.Info().Str("state", string(state)).Msg("user resume")
	s.publish(true)
}

// UpdateSettings applies a partial settings update atomically. Invalid
// patches are rejected with no partial mutation. A lowered ceiling admits
// no replacements until in-flight count drops below it; a raised one takes
// effect immediately.
func (s *Scheduler) UpdateSettings(patch domain.SettingsPatch) (domain.Settings, error) {
	s.mu.Lock()
	next, err := patch.Apply(s.settings)
	if err != nil {
		s.mu.Unlock()
		return s.settings, err
	}
	s.settings = next
	s.recomputeLocked()
	s.admitLocked()
	s.mu.Unlock()

	log.Info().Str("intensity", string(next.Intensity)).Int("ceiling", next.Ceiling()).Msg("settings updated")
	s.publish(true)
	return next, nil
}

// Settings returns the current processing policy.
func (s *Scheduler) Settings() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Clear cancels all pending and paused tasks; running tasks finish
// naturally. Returns how many were cancelled.
func (s *Scheduler) Clear(ctx context.Context) int {
	n := s.q.Clear(ctx)
	s.mu.Lock()
	s.recomputeLocked()
	s.mu.Unlock()
	log.Info().Int("cancelled", n).Msg("queue cleared")
	s.publish(true)
	return n
}

// Requeue resets the given non-running tasks to fresh PENDING attempts
// (forced refresh) and wakes admission.
func (s *Scheduler) Requeue(ctx context.Context, ids []string) int {
	n := s.q.Requeue(ctx, ids)
	if n == 0 {
		return 0
	}
	s.mu.Lock()
	s.recomputeLocked()
	s.admitLocked()
	s.mu.Unlock()
	s.publish(true)
	return n
}

// Stats exposes queue statistics.
func (s *Scheduler) Stats() domain.TaskStats { return s.q.Stats() }

// Task looks up a task by id.
func (s *Scheduler) Task(id string) (domain.Task, bool) { return s.q.Get(id) }

// State builds the current ProcessingState aggregate.
func (s *Scheduler) State() domain.ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers an observer that receives ProcessingState on every
// change. The returned func unsubscribes and closes the channel.
func (s *Scheduler) Subscribe(buffer int) (<-chan domain.ProcessingState, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan domain.ProcessingState, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	unsubscribe := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				last := len(s.subs) - 1
				s.subs[i] = s.subs[last]
				s.subs[last] = nil
				s.subs = s.subs[:last]
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// --- event handling ---

func (s *Scheduler) handleResult(res worker.Result) {
	s.mu.Lock()
	delete(s.inflight, res.TaskID)

	transition := false
	if res.Err == nil {
		if t, ok := s.q.Complete(s.runCtx, res.TaskID); ok {
			s.agg.Observe(t.Type, res.Duration)
			log.Info().Str("task_id", t.ID).Str("type", string(t.Type)).
				Dur("dur", res.Duration).Msg("task completed")
		}
		transition = true
	} else {
		t, _ := s.q.Get(res.TaskID)
		if t.RetryCount < s.cfg.MaxRetries {
			if _, ok := s.q.Retry(s.runCtx, res.TaskID, res.Err.Error()); ok {
				log.Warn().Str("task_id", res.TaskID).Err(res.Err).
					Int("retry", t.RetryCount+1).Int("retry_max", s.cfg.MaxRetries).Msg("task failed, retrying")
			}
		} else {
			if _, ok := s.q.Fail(s.runCtx, res.TaskID, res.Err.Error()); ok {
				log.Error().Str("task_id", res.TaskID).Err(res.Err).Msg("task failed permanently")
				transition = true
			}
		}
	}

	s.recomputeLocked()
	s.admitLocked()
	s.mu.Unlock()
	s.publish(transition)
}

func (s *Scheduler) handleResource(st domain.ResourceStatus) {
	s.mu.Lock()
	prev := s.state
	s.lastResource = st
	s.recomputeLocked()
	if s.state == domain.StateActive {
		s.admitLocked()
	}
	cur := s.state
	s.mu.Unlock()

	if cur != prev {
		if cur == domain.StatePausedResource {
			s.mu.Lock()
			reason := s.settings.Violation(st)
			s.mu.Unlock()
			log.Warn().Str("reason", reason).Msg("processing paused by resource policy")
		} else if prev == domain.StatePausedResource {
			log.Info().Str("state", string(cur)).Msg("resource pressure cleared")
		}
	}
	s.publish(cur != prev)
}

// recomputeLocked derives the engine state. Precedence: a user pause wins
// over everything, then resource policy, then work availability.
func (s *Scheduler) recomputeLocked() {
	switch {
	case s.userPaused:
		s.state = domain.StatePausedUser
	case s.settings.Violation(s.lastResource) != "":
		s.state = domain.StatePausedResource
	case len(s.inflight) > 0 || s.q.HasPending():
		s.state = domain.StateActive
	default:
		s.state = domain.StateIdle
	}
}

// admitLocked dispatches pending tasks until no free slot or no pending
// work remains. Higher priority always starts first; FIFO within equal
// priority via the persisted sequence.
func (s *Scheduler) admitLocked() {
	if s.state != domain.StateActive || s.stopped {
		return
	}
	ceiling := s.settings.Ceiling()
	for len(s.inflight) < ceiling {
		next, ok := s.q.DequeueNext()
		if !ok {
			break
		}
		claimed, ok := s.q.MarkRunning(s.runCtx, next.ID)
		if !ok {
			continue
		}
		s.inflight[claimed.ID] = struct{}{}
		id := claimed.ID
		inv := worker.Invocation{
			Report:      func(pct int) { s.onProgress(id, pct) },
			ShouldYield: s.shouldYield,
			YieldFor:    s.settings.Intensity.YieldInterval(),
		}
		log.Debug().Str("task_id", id).Str("type", string(claimed.Type)).
			Int("running", len(s.inflight)).Int("ceiling", ceiling).Msg("task admitted")
		s.pool.Dispatch(s.runCtx, claimed, inv)
	}
	if len(s.inflight) == 0 && !s.q.HasPending() {
		s.state = domain.StateIdle
	}
}

func (s *Scheduler) onProgress(id string, pct int) {
	s.q.UpdateProgress(s.runCtx, id, pct)
	s.publish(false)
}

// shouldYield is the cooperative pause probe handed to task bodies.
func (s *Scheduler) shouldYield() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Paused()
}

func (s *Scheduler) snapshotLocked() domain.ProcessingState {
	tasks := s.q.Snapshot()
	sum := s.agg.Summarize(tasks)
	ps := domain.ProcessingState{
		State:         s.state,
		Processing:    len(s.inflight) > 0,
		QueueLength:   s.q.Len(),
		TotalProgress: sum.TotalProgress,
		CurrentTask:   sum.Current,
		HasETA:        sum.HasETA,
		Resource:      s.lastResource,
	}
	if sum.HasETA {
		ps.ETASeconds = sum.ETA.Seconds()
	}
	return ps
}

// publish fans the current aggregate out to observers. Progress-driven
// publishes are rate limited; transitions bypass the limiter. Slow
// observers lose the oldest buffered state, never the newest.
func (s *Scheduler) publish(transition bool) {
	if !transition && !s.limiter.Allow() {
		return
	}
	s.mu.Lock()
	ps := s.snapshotLocked()
	s.mu.Unlock()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ps:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ps:
			default:
			}
		}
	}
}
