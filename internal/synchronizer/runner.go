package synchronizer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/queue"
)

// Result is the outcome of one target.
type Result struct {
	Target string
	Status Status
	Counts Counts
	Err    error
}

// Runner executes queued targets one at a time in the order they were added.
type Runner struct {
	emitter *events.Emitter
	targets *queue.Queue[*Target]
	runID   string

	mu      sync.Mutex
	current *Target
	stopped atomic.Bool
}

func NewRunner(emitter *events.Emitter) *Runner {
	return &Runner{
		emitter: emitter,
		targets: queue.New[*Target](),
		runID:   uuid.NewString(),
	}
}

// ID identifies this run in logs.
func (r *Runner) ID() string {
	return r.runID
}

// Add queues a target behind the ones already added.
func (r *Runner) Add(t *Target) error {
	return r.targets.Push(t, 0)
}

// Len is the number of targets waiting to run.
func (r *Runner) Len() int {
	return r.targets.Len()
}

// Current is the running target, or nil.
func (r *Runner) Current() *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run drains the queue. A failed target does not stop the run; Stop or a
// done ctx suspends the current target and every target still queued.
func (r *Runner) Run(ctx context.Context) []Result {
	var results []Result
	for {
		t, ok := r.targets.TryPop()
		if !ok {
			return results
		}
		r.mu.Lock()
		r.current = t
		r.mu.Unlock()
		if r.stopped.Load() || ctx.Err() != nil {
			t.Stop()
		}

		t.setStatus(StatusPending)
		r.emitter.Emit(events.Event{Type: events.NextTarget, Target: t.Name})
		slog.Info("next target", "run", r.runID, "target", t.Name)

		status, err := t.Run(ctx)
		if err != nil {
			slog.Error("target failed", "run", r.runID, "target", t.Name, "error", err)
			r.emitter.Emit(events.Event{Type: events.Error, Target: t.Name, Err: err})
		}
		results = append(results, Result{Target: t.Name, Status: status, Counts: t.Counts(), Err: err})

		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}
}

// Stop suspends the current target and every queued one. Idempotent.
func (r *Runner) Stop() {
	r.stopped.Store(true)
	if t := r.Current(); t != nil {
		t.Stop()
	}
}
