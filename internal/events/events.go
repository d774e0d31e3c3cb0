// Package events carries progress and error notifications from the sync
// engine to its observers.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	NextTarget    Type = "next_target"
	TargetStatus  Type = "target_status"
	StageChanged  Type = "stage_changed"
	NextTask      Type = "next_task"
	TaskFinished  Type = "task_finished"
	TaskFailed    Type = "task_failed"
	WorkerIdle    Type = "worker_idle"
	Uploaded      Type = "uploaded_changed"
	Downloaded    Type = "downloaded_changed"
	NodeScanned   Type = "node_scanned"
	DuplicateSeen Type = "duplicate_seen"
	DuplicateGone Type = "duplicate_removed"
	Error         Type = "error"
)

// Event is a single notification. Fields not relevant to Type are zero.
type Event struct {
	Type   Type
	Time   time.Time
	Target string
	Task   string
	Stage  string
	Status string
	Path   string
	Bytes  int64
	Total  int64
	Err    error
}

func (e Event) String() string {
	s := fmt.Sprintf("%s target=%q", e.Type, e.Target)
	if e.Path != "" {
		s += fmt.Sprintf(" path=%q", e.Path)
	}
	if e.Err != nil {
		s += fmt.Sprintf(" error=%q", e.Err)
	}
	return s
}

// Handler receives events on the emitter's goroutine.
type Handler func(Event)

type subscription struct {
	typ Type
	fn  Handler
}

// Emitter dispatches events synchronously to registered handlers. A panic in
// one handler is logged and does not reach the emitter or other handlers.
// The zero value is ready to use; a nil *Emitter drops every event.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

// NewEmitter returns an emitter without handlers.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// On registers fn for events of type t and returns a function that removes it.
func (e *Emitter) On(t Type, fn Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[int]subscription)
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = subscription{typ: t, fn: fn}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// OnAny registers fn for every event.
func (e *Emitter) OnAny(fn Handler) func() {
	return e.On("", fn)
}

// Emit delivers ev to every matching handler.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.subs))
	for _, s := range e.subs {
		if s.typ == "" || s.typ == ev.Type {
			handlers = append(handlers, s.fn)
		}
	}
	e.mu.RUnlock()

	for _, fn := range handlers {
		call(fn, ev)
	}
}

func call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", ev.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(ev)
}
