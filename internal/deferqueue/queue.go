// Package deferqueue implements the core's concurrent task queue: the
// MPMC `(fn, arg1, arg2)` queue every connection callback and user task is
// routed through, plus the timer wheel backing RunEvery.
//
// The drain/swap shape (pendingCreate/pendingProcessing in the teacher's
// watcher.loop) and the container/heap timer wheel are both adapted
// directly from gaio/watcher.go.
package deferqueue

import (
	"container/heap"
	"sync"
	"time"
)

// Task is one deferred unit of work: a function plus its two opaque
// arguments, mirroring the C core's `(fn, arg1, arg2)` triple.
type Task struct {
	Fn func(u1, u2 interface{})
	U1 interface{}
	U2 interface{}
}

// Queue is a non-blocking MPMC task queue. Any goroutine, including ones
// running inside a signal-unsafe context's notification path, may Defer;
// only Perform (called by worker/reactor goroutines) invokes tasks.
type Queue struct {
	mu      sync.Mutex
	pending []Task
	closed  bool

	notify chan struct{} // buffered 1; coalesces wakeups like a self-pipe

	// idle back-off state for Wait's progressive throttle.
	backoff time.Duration

	wheel wheel
}

const (
	minBackoff = 100 * time.Microsecond
	maxBackoff = 4 * time.Millisecond
)

// New creates an empty, open queue.
func New() *Queue {
	q := &Queue{notify: make(chan struct{}, 1)}
	q.wheel.init()
	return q
}

// Defer enqueues fn(u1, u2) for later execution by Perform. Returns false
// if the queue has been closed. Non-blocking and safe from any goroutine.
func (q *Queue) Defer(fn func(u1, u2 interface{}), u1, u2 interface{}) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, Task{Fn: fn, U1: u1, U2: u2})
	q.mu.Unlock()

	q.wake()
	return true
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Perform drains and runs every task currently queued, returning how many
// ran. Tasks enqueued by a running task are picked up on the next Perform,
// never re-entered into the same pass, matching the teacher's swap-then-run
// shape so a storm of re-deferred work cannot starve the drain loop.
func (q *Queue) Perform() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = make([]Task, 0, len(batch))
	q.mu.Unlock()

	for i := range batch {
		batch[i].Fn(batch[i].U1, batch[i].U2)
	}
	if len(batch) > 0 {
		q.backoff = 0
	}
	return len(batch)
}

// Close marks the queue closed; further Defer calls fail. Already-queued
// tasks are left for a final Perform.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Wait blocks until work is deferred, a timer fires, or timeout elapses,
// whichever comes first. It applies a doubling back-off (capped at
// maxBackoff) when repeatedly called with nothing to do, so an idle
// reactor thread does not spin the OS scheduler.
func (q *Queue) Wait(timeout time.Duration) {
	if q.backoff == 0 {
		q.backoff = minBackoff
	}
	wait := q.backoff
	if timeout > 0 && timeout < wait {
		wait = timeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-q.notify:
	case <-timer.C:
		q.backoff *= 2
		if q.backoff > maxBackoff {
			q.backoff = maxBackoff
		}
	}
}

// heapEntry is one scheduled RunEvery task.
type heapEntry struct {
	deadline     time.Time
	intervalMs   int64
	repetitions  int // 0 = forever
	fired        int
	task         func()
	onFinish     func()
	canceled     bool
	index        int
}

type wheel struct {
	mu      sync.Mutex
	entries timerHeap
}

func (w *wheel) init() {
	w.entries = timerHeap{}
	heap.Init(&w.entries)
}

// Handle lets a caller cancel a RunEvery schedule.
type Handle struct {
	entry *heapEntry
	w     *wheel
}

// Cancel stops future firings. on_finish still fires exactly once, either
// now (if the entry hadn't already finished) or it already has.
func (h *Handle) Cancel() {
	h.w.mu.Lock()
	already := h.entry.canceled
	h.entry.canceled = true
	h.w.mu.Unlock()
	if !already && h.entry.onFinish != nil {
		h.entry.onFinish()
	}
}

// RunEvery schedules task to run every intervalMs milliseconds.
// repetitions == 0 means forever. onFinish fires exactly once, when the
// timer is canceled or exhausted, even if task itself errors (task has no
// return value here by design: task signals retry/stop via onFinish or by
// calling Handle.Cancel from within itself through a closure).
func (q *Queue) RunEvery(intervalMs int64, repetitions int, task func(), onFinish func()) *Handle {
	e := &heapEntry{
		deadline:    time.Now().Add(time.Duration(intervalMs) * time.Millisecond),
		intervalMs:  intervalMs,
		repetitions: repetitions,
		task:        task,
		onFinish:    onFinish,
	}
	q.wheel.mu.Lock()
	heap.Push(&q.wheel.entries, e)
	q.wheel.mu.Unlock()
	q.wake()
	return &Handle{entry: e, w: &q.wheel}
}

// FireDue runs every timer entry whose deadline has passed, deferring each
// one's task through Defer so it executes under the same discipline as any
// other reactor-scheduled callback (never invoked inline from here).
func (q *Queue) FireDue(now time.Time) {
	q.wheel.mu.Lock()
	var due []*heapEntry
	for q.wheel.entries.Len() > 0 {
		e := q.wheel.entries[0]
		if e.canceled {
			heap.Pop(&q.wheel.entries)
			continue
		}
		if now.Before(e.deadline) {
			break
		}
		heap.Pop(&q.wheel.entries)
		due = append(due, e)
	}
	q.wheel.mu.Unlock()

	for _, e := range due {
		e := e
		q.Defer(func(interface{}, interface{}) { e.task() }, nil, nil)

		e.fired++
		q.wheel.mu.Lock()
		already := e.canceled
		finished := already || (e.repetitions > 0 && e.fired >= e.repetitions)
		if finished {
			// mark finished so a later Cancel does not fire onFinish again
			e.canceled = true
		}
		q.wheel.mu.Unlock()
		if finished {
			if !already && e.onFinish != nil {
				q.Defer(func(interface{}, interface{}) { e.onFinish() }, nil, nil)
			}
			continue
		}
		e.deadline = now.Add(time.Duration(e.intervalMs) * time.Millisecond)
		q.wheel.mu.Lock()
		heap.Push(&q.wheel.entries, e)
		q.wheel.mu.Unlock()
	}
}

// NextDeadline returns the nearest pending timer deadline and true, or the
// zero time and false if no timers are scheduled. Used by the reactor loop
// to bound its poll timeout (spec.md §4.F step 2).
func (q *Queue) NextDeadline() (time.Time, bool) {
	q.wheel.mu.Lock()
	defer q.wheel.mu.Unlock()
	if q.wheel.entries.Len() == 0 {
		return time.Time{}, false
	}
	return q.wheel.entries[0].deadline, true
}

// timerHeap implements container/heap.Interface, grounded on the
// teacher's timedHeap (gaio/watcher.go).
type timerHeap []*heapEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
