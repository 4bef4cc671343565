// Package worker runs opaque task bodies in execution slots and reports one
// terminal outcome per task back to the scheduler. Cancellation is
// cooperative: bodies see a context and a yield probe, never a hard kill.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"photoflow/internal/domain"
)

// Invocation carries the callbacks a task body uses to cooperate with the
// scheduler: progress reporting, a yield probe checked at natural
// checkpoints, and the back-off interval to sleep when asked to yield.
type Invocation struct {
	Report      func(percent int)
	ShouldYield func() bool
	YieldFor    time.Duration
}

// Pause blocks at a checkpoint while the scheduler is paused. It returns
// ctx.Err() on shutdown so bodies unwind instead of spinning.
func (inv Invocation) Pause(ctx context.Context) error {
	for inv.ShouldYield() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inv.YieldFor):
		}
	}
	return nil
}

// Executor is an opaque task body.
type Executor interface {
	Run(ctx context.Context, t *domain.Task, inv Invocation) error
}

// Registry maps task types to their executors.
type Registry map[domain.TaskType]Executor

// Result is the single terminal outcome of one slot.
type Result struct {
	TaskID   string
	Type     domain.TaskType
	Err      error
	Duration time.Duration
}

// Pool launches one goroutine per admitted task. The admission ceiling is
// the scheduler's job; the pool owns execution, panic containment and
// outcome delivery.
type Pool struct {
	registry Registry
	results  chan Result
	wg       sync.WaitGroup
}

func NewPool(registry Registry, buffer int) *Pool {
	if buffer <= 0 {
		buffer = 16
	}
	return &Pool{registry: registry, results: make(chan Result, buffer)}
}

// Results delivers one Result per dispatched task.
func (p *Pool) Results() <-chan Result { return p.results }

// Dispatch starts a slot for the task. The outcome always arrives on
// Results, even when the body panics or no executor is registered.
func (p *Pool) Dispatch(ctx context.Context, t domain.Task, inv Invocation) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		err := p.run(ctx, &t, inv)
		p.results <- Result{TaskID: t.ID, Type: t.Type, Err: err, Duration: time.Since(start)}
	}()
}

func (p *Pool) run(ctx context.Context, t *domain.Task, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_id", t.ID).Any("panic", r).
				Str("stack", string(debug.Stack())).Msg("worker: task body panicked")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	exec, ok := p.registry[t.Type]
	if !ok {
		return fmt.Errorf("no executor for task type %q", t.Type)
	}
	log.Debug().Str("task_id", t.ID).Str("type", string(t.Type)).Msg("worker: slot started")
	return exec.Run(ctx, t, inv)
}

// Wait blocks until all in-flight slots finish or the context expires.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
