// The serialized queue is the only concurrency control in tiercache. Every engine operation is a task on one queue
// with one worker goroutine, so both cache tiers only ever see a single, totally ordered stream of reads and writes.
// Promotion from disk to memory relies on this: nothing can interleave between "read from disk" and "insert into
// memory" for the same key.

package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrQueueClosed is returned when submitting work to a queue that has been closed.
var ErrQueueClosed = errors.New("serial queue is closed")

var queuePendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tiercache_queue_pending_tasks",
	Help: "Number of tasks waiting in or running on a serial queue.",
}, []string{"queue"})

// SerialQueue runs submitted tasks one at a time in FIFO order on a dedicated worker goroutine.
type SerialQueue struct {
	name   string
	mux    sync.RWMutex // Guards `closed` against concurrent submissions; never held by the worker.
	closed bool
	tasks  chan func()
	worker sync.WaitGroup
}

// NewSerialQueue starts a queue named `name` (used in metrics and logs) buffering up to `depth` pending tasks.
// Submissions block while the buffer is full.
func NewSerialQueue(name string, depth int) *SerialQueue {
	if depth < 0 {
		utils.RaiseInvariant("queue", "negative_depth", "Got a negative serial queue depth.", "depth", depth)
		depth = 0
	}
	q := &SerialQueue{name: name, tasks: make(chan func(), depth)}
	q.worker.Add(1)
	go q.run()
	return q
}

// run is the worker loop. It exits once the task channel is closed and drained.
func (q *SerialQueue) run() {
	defer q.worker.Done()
	pending := queuePendingTasks.WithLabelValues(q.name)
	for task := range q.tasks {
		q.execute(task)
		pending.Dec()
	}
}

// execute runs one task, containing panics so a single bad task can't kill the worker.
func (q *SerialQueue) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			utils.RaiseInvariant("queue", "task_panicked", "A serial queue task panicked.",
				"queue", q.name, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Async queues `task` and returns without waiting for it to run.
// Tasks must not submit to their own queue synchronously; with a full buffer that deadlocks the worker.
func (q *SerialQueue) Async(task func()) error {
	if task == nil {
		utils.RaiseInvariant("queue", "nil_task", "A nil task was submitted.", "queue", q.name)
		return errors.New("expected a non-nil task")
	}
	q.mux.RLock()
	defer q.mux.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	queuePendingTasks.WithLabelValues(q.name).Inc()
	q.tasks <- task
	return nil
}

// Sync queues `task` and blocks until it has run. Every task queued before it has finished by then, and no task
// queued after it starts before it returns. Must not be called from a task of the same queue.
func (q *SerialQueue) Sync(task func()) error {
	if task == nil {
		utils.RaiseInvariant("queue", "nil_task", "A nil task was submitted.", "queue", q.name)
		return errors.New("expected a non-nil task")
	}
	finished := make(chan struct{})
	if err := q.Async(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Close stops accepting tasks, waits for every queued task to finish and stops the worker. It is idempotent.
func (q *SerialQueue) Close() {
	q.mux.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mux.Unlock()
	q.worker.Wait()
}
