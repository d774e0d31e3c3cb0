// Package worker runs tasks on a bounded set of goroutines that share one
// queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/queue"
)

var ErrPoolStopped = errors.New("worker: pool stopped")

// Task is a unit of work. Run must return promptly once ctx is done.
type Task interface {
	Run(ctx context.Context) error
}

// Status is the terminal state of a task.
type Status string

const (
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
)

// Pool is a set of workers consuming a shared priority queue.
type Pool struct {
	name    string
	emitter *events.Emitter
	queue   *queue.Queue[Task]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers []*Worker
	pending int
	settled chan struct{}
	wg      sync.WaitGroup

	finished  atomic.Int64
	failed    atomic.Int64
	suspended atomic.Int64
}

// NewPool creates a pool bound to ctx. name tags every event it emits.
func NewPool(ctx context.Context, name string, emitter *events.Emitter) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		name:    name,
		emitter: emitter,
		queue:   queue.New[Task](),
		ctx:     ctx,
		cancel:  cancel,
		settled: make(chan struct{}),
	}
}

// Feed queues a task from outside the pool. It blocks while the queue holds
// twice as many tasks as there are workers, so a long task source is read
// only as fast as the workers consume it.
func (p *Pool) Feed(ctx context.Context, task Task, priority int) error {
	limit := max(2*p.Size(), 1)
	if err := p.queue.WaitRoom(ctx, limit); err != nil {
		if errors.Is(err, queue.ErrClosed) || p.ctx.Err() != nil {
			return ErrPoolStopped
		}
		return err
	}
	return p.Push(task, priority)
}

// Push queues a task without waiting. Lower priorities run first. Running
// tasks use it to queue follow-up work.
func (p *Pool) Push(task Task, priority int) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	if err := p.queue.Push(task, priority); err != nil {
		p.done()
		return err
	}
	return nil
}

// Spawn starts one worker.
func (p *Pool) Spawn() *Worker {
	ctx, cancel := context.WithCancel(p.ctx)
	w := &Worker{pool: p, ctx: ctx, cancel: cancel}

	p.mu.Lock()
	w.id = len(p.workers)
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.loop()
	}()
	return w
}

// SpawnMany starts n workers, at least one.
func (p *Pool) SpawnMany(n int) {
	for range max(n, 1) {
		p.Spawn()
	}
}

// Size is the number of workers spawned so far.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// WaitIdle blocks until every pushed task has completed, including tasks
// pushed by running tasks, or until the pool is stopped.
func (p *Pool) WaitIdle(ctx context.Context) error {
	for {
		if p.ctx.Err() != nil {
			return ErrPoolStopped
		}

		p.mu.Lock()
		pending, settled := p.pending, p.settled
		p.mu.Unlock()

		if pending == 0 {
			return nil
		}
		select {
		case <-settled:
		case <-p.ctx.Done():
			return ErrPoolStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Join closes the queue and waits for every worker to exit.
func (p *Pool) Join() {
	p.queue.Close()
	p.wg.Wait()
}

// Stop cancels every running task and makes workers exit. Idempotent.
func (p *Pool) Stop() {
	p.cancel()
	p.queue.Close()
}

// Stopped reports whether Stop was called.
func (p *Pool) Stopped() bool {
	return p.ctx.Err() != nil
}

// Queued is the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return p.queue.Len()
}

// Pending is the number of tasks pushed but not yet completed.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Counts returns how many tasks finished, failed and were suspended.
func (p *Pool) Counts() (finished, failed, suspended int64) {
	return p.finished.Load(), p.failed.Load(), p.suspended.Load()
}

func (p *Pool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending--
	if p.pending == 0 {
		close(p.settled)
		p.settled = make(chan struct{})
	}
}

// Worker runs tasks from its pool one at a time.
type Worker struct {
	pool   *Pool
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

// Stop cancels the current task and makes the worker exit.
func (w *Worker) Stop() {
	w.cancel()
}

func (w *Worker) loop() {
	p := w.pool
	for {
		if w.ctx.Err() != nil {
			w.drainOnStop()
			return
		}

		task, ok := p.queue.TryPop()
		if !ok {
			p.emitter.Emit(events.Event{Type: events.WorkerIdle, Target: p.name})
			task, ok = p.queue.Next(w.ctx)
			if !ok {
				w.drainOnStop()
				return
			}
		}

		p.emitter.Emit(events.Event{Type: events.NextTask, Target: p.name, Task: describe(task)})
		status, err := w.run(task)
		switch status {
		case StatusFinished:
			p.finished.Add(1)
			p.emitter.Emit(events.Event{Type: events.TaskFinished, Target: p.name, Task: describe(task)})
		case StatusSuspended:
			p.suspended.Add(1)
		default:
			p.failed.Add(1)
			slog.Warn("task failed", "pool", p.name, "task", describe(task), "error", err)
			p.emitter.Emit(events.Event{Type: events.TaskFailed, Target: p.name, Task: describe(task), Err: err})
		}
		p.done()
	}
}

// drainOnStop settles queued tasks that will never run so WaitIdle returns.
func (w *Worker) drainOnStop() {
	p := w.pool
	if p.ctx.Err() == nil && w.ctx.Err() == nil {
		return
	}
	for range p.queue.Drain() {
		p.suspended.Add(1)
		p.done()
	}
}

func (w *Worker) run(task Task) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
			status = StatusFailed
		}
	}()

	err = task.Run(w.ctx)
	switch {
	case err == nil:
		return StatusFinished, nil
	case w.ctx.Err() != nil:
		return StatusSuspended, err
	default:
		return StatusFailed, err
	}
}

func describe(task Task) string {
	if s, ok := task.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", task)
}
