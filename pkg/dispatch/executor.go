// Tiercache hands results back to callers through executors: "run this callback on that execution context".
// Keeping callbacks off the cache's own worker means a slow consumer can never stall the next cache operation.

package dispatch

// Executor runs tasks on some execution context.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) { f(task) }

var (
	// Inline runs the task immediately on the calling goroutine. When used for cache completions, the callback runs
	// on the cache worker and delays every queued operation behind it; only use it for callbacks that just signal.
	Inline Executor = ExecutorFunc(func(task func()) { task() })
	// Goroutine runs each task on a fresh goroutine. This is the default completion executor.
	Goroutine Executor = ExecutorFunc(func(task func()) { go task() })
)
