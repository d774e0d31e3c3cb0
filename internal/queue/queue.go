// Package queue provides the priority queues that feed worker pools.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue: closed")

// Item is a single item in the priority queue
type Item[T any] struct {
	Value    T
	Priority int
	seq      uint64
	index    int
}

// priorityQueueHeap implements heap.Interface. Lower priority values come
// first; equal priorities keep insertion order.
type priorityQueueHeap[T any] []*Item[T]

func (pqh priorityQueueHeap[T]) Len() int {
	return len(pqh)
}

func (pqh priorityQueueHeap[T]) Less(i, j int) bool {
	if pqh[i].Priority != pqh[j].Priority {
		return pqh[i].Priority < pqh[j].Priority
	}
	return pqh[i].seq < pqh[j].seq
}

func (pqh priorityQueueHeap[T]) Swap(i, j int) {
	pqh[i], pqh[j] = pqh[j], pqh[i]
	pqh[i].index = i
	pqh[j].index = j
}

func (pqh *priorityQueueHeap[T]) Push(x any) {
	item := x.(*Item[T])
	item.index = len(*pqh)
	*pqh = append(*pqh, item)
}

func (pqh *priorityQueueHeap[T]) Pop() any {
	old := *pqh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pqh = old[0 : n-1]
	return item
}

// Queue is a thread-safe priority queue whose consumers can block until an
// item is pushed or the queue is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	heap   priorityQueueHeap[T]
	seq    uint64
	closed bool
	dirty  chan struct{}
	// room is closed and replaced whenever an item leaves the queue.
	room chan struct{}
}

// New creates an empty open queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{dirty: make(chan struct{}), room: make(chan struct{})}
	heap.Init(&q.heap)
	return q
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Push adds value with the given priority and wakes waiting consumers.
func (q *Queue[T]) Push(value T, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.heap, &Item[T]{Value: value, Priority: priority, seq: q.seq})
	q.signalLocked()
	return nil
}

// Close stops accepting items. Queued items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.signalLocked()
		q.signalRoomLocked()
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// TryPop removes the first item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&q.heap).(*Item[T])
	q.signalRoomLocked()
	return item.Value, true
}

// Next blocks until an item is available. It returns false once the queue is
// closed and drained, or when ctx is done.
func (q *Queue[T]) Next(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			item := heap.Pop(&q.heap).(*Item[T])
			q.signalRoomLocked()
			q.mu.Unlock()
			return item.Value, true
		}
		closed, dirty := q.closed, q.dirty
		q.mu.Unlock()

		var zero T
		if closed {
			return zero, false
		}
		select {
		case <-ctx.Done():
			return zero, false
		case <-dirty:
		}
	}
}

// Drain removes and returns every queued item in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		items = append(items, heap.Pop(&q.heap).(*Item[T]).Value)
	}
	if len(items) > 0 {
		q.signalRoomLocked()
	}
	return items
}

// WaitRoom blocks while limit or more items are queued. It returns ErrClosed
// once the queue is closed and ctx.Err() when ctx is done.
func (q *Queue[T]) WaitRoom(ctx context.Context, limit int) error {
	for {
		q.mu.Lock()
		n, closed, room := q.heap.Len(), q.closed, q.room
		q.mu.Unlock()

		switch {
		case closed:
			return ErrClosed
		case n < limit:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-room:
		}
	}
}

func (q *Queue[T]) signalLocked() {
	close(q.dirty)
	q.dirty = make(chan struct{})
}

func (q *Queue[T]) signalRoomLocked() {
	close(q.room)
	q.room = make(chan struct{})
}
