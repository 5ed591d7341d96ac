package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopStarted is returned by Run when the loop already has a goroutine driving it.
var ErrLoopStarted = errors.New("loop was already started")

// Loop is an executor whose tasks run on whichever goroutine calls Run, one at a time and in submission order.
// It stands in for a "main"/UI thread: the embedder owns the loop goroutine and receives every cache completion on it.
type Loop struct { // Implements Executor.
	tasks   chan func()
	done    chan struct{} // Closed once Run returns.
	runOnce sync.Once
}

var _ Executor = (*Loop)(nil)

// NewLoop is the constructor for Loop. `depth` is the number of tasks that can wait before Execute blocks.
func NewLoop(depth int) *Loop {
	if depth < 0 {
		depth = 0
	}
	return &Loop{tasks: make(chan func(), depth), done: make(chan struct{})}
}

// Execute queues the task for the loop goroutine. Tasks submitted after the loop stopped are dropped.
func (l *Loop) Execute(task func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case <-l.done:
	case l.tasks <- task:
	}
}

// Run executes queued tasks until the context is cancelled. Run may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		return ErrLoopStarted
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-l.tasks:
			task()
		}
	}
}
