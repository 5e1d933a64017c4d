package query

import (
	"sync/atomic"

	"github.com/nebulastream/nes/pkg/engine"
)

// queueCapacity bounds how many tasks may sit ahead of a pipeline before its
// upstream producer blocks on enqueue, giving the engine natural
// backpressure instead of unbounded buffering (spec.md §5).
const queueCapacity = 1024

// pipelineQueue is the single task queue feeding one pipeline. Exactly one
// worker goroutine drains it at a time, which is what lets
// ExecutablePipeline.Execute/Reconfigure run without their own locking
// (spec.md §4.8, §5 "at most one worker per pipeline at a time").
//
// Grounded on codefang's gitlib.Worker: one channel, one exclusive
// consumer. runnable generalizes that shape to a pool of N workers sharing
// many such queues (spec.md §5 "a fixed pool of worker threads pulls
// runnable pipelines"), using a dirty bit so a queue is never enqueued onto
// the shared runnable channel more than once while already scheduled.
type pipelineQueue struct {
	pipeline *engine.ExecutablePipeline
	tasks    chan task
	draining atomic.Bool
	runnable chan<- *pipelineQueue
}

func newPipelineQueue(p *engine.ExecutablePipeline, runnable chan<- *pipelineQueue) *pipelineQueue {
	return &pipelineQueue{
		pipeline: p,
		tasks:    make(chan task, queueCapacity),
		runnable: runnable,
	}
}

// enqueue posts t and, if this queue was idle, schedules it onto the shared
// runnable channel. Blocks only if the queue is at capacity.
func (q *pipelineQueue) enqueue(t task) {
	q.tasks <- t

	q.schedule()
}

func (q *pipelineQueue) schedule() {
	if q.draining.CompareAndSwap(false, true) {
		q.runnable <- q
	}
}

// purge discards every buffered task without executing it (spec.md §4.10
// HardEndOfStream). The queue is left idle; any task enqueued after purge
// schedules normally.
func (q *pipelineQueue) purge() {
	for {
		select {
		case <-q.tasks:
		default:
			return
		}
	}
}

// pop removes and returns one task, and reports whether a task was
// available. A worker calls this once per runnable-channel receive, so at
// most one task per pipeline is in flight at a time.
func (q *pipelineQueue) pop() (task, bool) {
	select {
	case t := <-q.tasks:
		return t, true
	default:
		return task{}, false
	}
}

// reschedule is called by the worker after handling one task. If more work
// is waiting it re-enters the runnable channel immediately; otherwise it
// clears the dirty bit, re-checking for a race against a concurrent enqueue
// that observed draining still set.
func (q *pipelineQueue) reschedule() {
	if len(q.tasks) > 0 {
		q.runnable <- q

		return
	}

	q.draining.Store(false)

	if len(q.tasks) > 0 && q.draining.CompareAndSwap(false, true) {
		q.runnable <- q
	}
}
