// The engine composes a bounded memory tier and a durable disk tier behind one asynchronous API. All operations run
// on a single serialized queue, so the tiers are never touched concurrently and same-key operations take effect in
// submission order. Results come back through completions run on a caller-chosen executor.
//
// Fetch flow:  memory hit -> touch & return;  memory miss -> disk read -> promote into memory & return;  else miss.
// Store flow:  memory insert (cost = payload bytes) -> best effort disk write -> completion.
// Cleanup:     clear memory -> delete disk entries whose last access is older than the retention window.

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/codec"
	"github.com/nobletooth/tiercache/pkg/dispatch"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/storage"
)

var (
	// ErrConfiguration is returned by New for unusable options, e.g. a cache directory that can't be created.
	ErrConfiguration = errors.New("invalid cache configuration")
	// ErrCodec is reported to store completions when the object could not be encoded. Nothing was stored.
	ErrCodec = errors.New("failed to encode cache object")
	// ErrDiskWrite is reported to store completions when the disk write failed. The item is still cached in memory.
	ErrDiskWrite = errors.New("failed to persist cache item")
	// ErrClosed is reported to completions of operations submitted after Close.
	ErrClosed = errors.New("cache engine is closed")
	// ErrInternal is reported to store completions when the operation panicked. Whether anything was stored is unknown.
	ErrInternal = errors.New("cache operation failed internally")
)

// Operation names used for latency tracking.
const (
	opStore   = "store"
	opFetch   = "fetch"
	opRemove  = "remove"
	opKeys    = "keys"
	opCleanup = "cleanup"
)

// StoreCompletion receives the stored item. `err` is diagnostic: with ErrDiskWrite the item is still returned and
// served from memory, with ErrCodec, ErrClosed or ErrInternal the item is nil.
type StoreCompletion func(item *Item, err error)

// FetchCompletion receives the fetched item, or found=false on a miss.
type FetchCompletion func(item *Item, found bool)

// SweepResult summarizes one Cleanup pass.
type SweepResult struct {
	Scanned     int  // Disk entries looked at.
	Deleted     int  // Stale entries removed.
	Skipped     int  // Entries whose metadata couldn't be read or that couldn't be deleted.
	DiskSkipped bool // Another process held the sweep lock; only the memory tier was cleared.
}

// Engine is a two tier blob cache. Safe for concurrent use.
type Engine struct {
	namespace string
	retention time.Duration // Zero disables cleanup.
	codec     codec.Codec
	callbacks dispatch.Executor
	now       func() time.Time
	queue     *dispatch.SerialQueue
	latency   *metrics.LatencyTracker
	closeOnce sync.Once
	closeErr  error

	// Owned by the queue worker.
	memory cache.Layer[string, *Item]
	disk   *storage.DiskTier
}

// New opens the disk tier and starts the engine worker. Errors wrap ErrConfiguration.
func New(opts Options) (*Engine, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	latency, err := metrics.NewLatencyTracker(opts.LatencyAccuracy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	disk, err := storage.NewDiskTier(opts.CacheDir, opts.Namespace, opts.Disk)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open disk tier: %w", ErrConfiguration, err)
	}

	e := &Engine{
		namespace: opts.Namespace,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		codec:     opts.Codec,
		callbacks: opts.Callbacks,
		now:       opts.Now,
		latency:   latency,
		disk:      disk,
	}
	e.memory, err = cache.New[string, *Item](opts.EvictionPolicy, opts.MemoryBudgetBytes, e.onEvict)
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	e.queue = dispatch.NewSerialQueue("engine_"+opts.Namespace, opts.QueueDepth)
	slog.Info("Opened cache engine.", "namespace", opts.Namespace, "dir", disk.Dir(),
		"memoryBudgetBytes", opts.MemoryBudgetBytes, "policy", opts.EvictionPolicy,
		"retentionDays", opts.RetentionDays)
	return e, nil
}

// onEvict runs on the worker whenever the memory tier drops an item for capacity.
func (e *Engine) onEvict(key string, item *Item) {
	evictionsMetric.WithLabelValues(e.namespace).Inc()
	slog.Debug("Evicted item from memory.", "namespace", e.namespace, "key", key, "bytes", len(item.Bytes))
}

func (e *Engine) executor(opts []CallOption) dispatch.Executor {
	call := callOptions{executor: e.callbacks}
	for _, opt := range opts {
		opt(&call)
	}
	return call.executor
}

// submit queues `task` on the worker. When the engine is closed, `onClosed` is run on `executor` instead.
func (e *Engine) submit(executor dispatch.Executor, task func(), onClosed func()) {
	if err := e.queue.Async(task); err != nil {
		executor.Execute(onClosed)
	}
}

// completer fires the completion of one task on its executor, at most once.
type completer struct {
	executor dispatch.Executor
	fired    bool
}

func (c *completer) fire(completion func()) {
	if c.fired {
		return
	}
	c.fired = true
	c.executor.Execute(completion)
}

// recoverWith fires `fail` if the deferring task panicked before completing. The panic is passed on to the queue,
// which reports it.
func (c *completer) recoverWith(fail func()) {
	if r := recover(); r != nil {
		c.fire(fail)
		panic(r)
	}
}

// Store caches a copy of `data` under `key`, replacing any previous value. `done` may be nil.
func (e *Engine) Store(key string, data []byte, done StoreCompletion, opts ...CallOption) {
	data = bytes.Clone(data)
	e.storeWith(key, func() ([]byte, any, error) { return data, nil, nil }, done, opts)
}

// StoreObject encodes `object` with the engine codec and caches the result under `key`. The completion's item keeps
// `object` as its decoded value.
func (e *Engine) StoreObject(key string, object any, done StoreCompletion, opts ...CallOption) {
	e.storeWith(key, func() ([]byte, any, error) {
		data, err := e.codec.Encode(object)
		return data, object, err
	}, done, opts)
}

func (e *Engine) storeWith(key string, encode func() ([]byte, any, error), done StoreCompletion, opts []CallOption) {
	if done == nil {
		done = func(*Item, error) {}
	}
	executor := e.executor(opts)
	e.submit(executor, func() {
		completion := &completer{executor: executor}
		defer completion.recoverWith(func() { done(nil, ErrInternal) })
		defer e.latency.Since(opStore, time.Now())
		data, decoded, err := encode()
		if err != nil {
			slog.Warn("Failed to encode cache object.", "namespace", e.namespace, "key", key, "error", err)
			completion.fire(func() { done(nil, fmt.Errorf("%w: %w", ErrCodec, err)) })
			return
		}
		item, err := e.store(key, data, decoded)
		completion.fire(func() { done(item, err) })
	}, func() { done(nil, ErrClosed) })
}

// store runs on the worker.
func (e *Engine) store(key string, data []byte, decoded any) (*Item, error) {
	if decoded == nil {
		decoded = e.decode(key, data)
	}
	item := newItem(key, data, decoded, e.now())
	e.addToMemory(item)

	if err := e.disk.Write(key, data, item.Created()); err != nil {
		diskErrorsMetric.WithLabelValues(e.namespace, "write").Inc()
		slog.Warn("Failed to write cache item to disk.", "namespace", e.namespace, "key", key, "error", err)
		return item.snapshot(), fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	return item.snapshot(), nil
}

// decode runs the codec, substituting its default value on failure.
func (e *Engine) decode(key string, data []byte) any {
	decoded, err := e.codec.Decode(data)
	if err != nil {
		slog.Warn("Failed to decode cache item.", "namespace", e.namespace, "key", key, "error", err)
		return e.codec.Default()
	}
	return decoded
}

func (e *Engine) addToMemory(item *Item) {
	e.memory.Add(item.Key, item, int64(len(item.Bytes)))
	memoryCostMetric.WithLabelValues(e.namespace).Set(float64(e.memory.Cost()))
}

// Fetch looks `key` up in memory, then on disk. Disk hits are promoted into memory.
func (e *Engine) Fetch(key string, done FetchCompletion, opts ...CallOption) {
	if done == nil {
		done = func(*Item, bool) {}
	}
	executor := e.executor(opts)
	e.submit(executor, func() {
		completion := &completer{executor: executor}
		defer completion.recoverWith(func() { done(nil, false) })
		defer e.latency.Since(opFetch, time.Now())
		item, found := e.fetch(key)
		completion.fire(func() { done(item, found) })
	}, func() { done(nil, false) })
}

// fetch runs on the worker.
func (e *Engine) fetch(key string) (*Item, bool /*found*/) {
	now := e.now()
	if item, found := e.memory.Get(key); found {
		item.touch(now)
		e.touchDisk(key, item.LastUsed())
		lookupsMetric.WithLabelValues(e.namespace, lookupMemoryHit).Inc()
		return item.snapshot(), true
	}

	entry, err := e.disk.Read(key)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			diskErrorsMetric.WithLabelValues(e.namespace, "read").Inc()
			slog.Warn("Failed to read cache item from disk.", "namespace", e.namespace, "key", key, "error", err)
		}
		lookupsMetric.WithLabelValues(e.namespace, lookupMiss).Inc()
		return nil, false
	}

	created := entry.Created
	if created.IsZero() {
		created = now
	}
	item := newItem(key, entry.Data, e.decode(key, entry.Data), created)
	item.touch(now)
	e.addToMemory(item)
	e.touchDisk(key, item.LastUsed())
	lookupsMetric.WithLabelValues(e.namespace, lookupDiskHit).Inc()
	slog.Debug("Promoted item from disk.", "namespace", e.namespace, "key", key, "bytes", len(entry.Data))
	return item.snapshot(), true
}

// touchDisk records an access on disk. Failures don't affect the fetch.
func (e *Engine) touchDisk(key string, accessed time.Time) {
	err := e.disk.Touch(key, accessed)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrKeyNotFound): // Memory-only item, e.g. after a failed disk write.
		slog.Debug("Skipped touching item missing from disk.", "namespace", e.namespace, "key", key)
	default:
		diskErrorsMetric.WithLabelValues(e.namespace, "touch").Inc()
		slog.Warn("Failed to touch cache item on disk.", "namespace", e.namespace, "key", key, "error", err)
	}
}

// Remove drops `key` from both tiers. Removing an absent key is fine. `done` may be nil.
func (e *Engine) Remove(key string, done func(), opts ...CallOption) {
	if done == nil {
		done = func() {}
	}
	executor := e.executor(opts)
	e.submit(executor, func() {
		completion := &completer{executor: executor}
		defer completion.recoverWith(done)
		defer e.latency.Since(opRemove, time.Now())
		if e.memory.Remove(key) {
			memoryCostMetric.WithLabelValues(e.namespace).Set(float64(e.memory.Cost()))
		}
		if err := e.disk.Delete(key); err != nil {
			diskErrorsMetric.WithLabelValues(e.namespace, "delete").Inc()
			slog.Warn("Failed to delete cache item from disk.", "namespace", e.namespace, "key", key, "error", err)
		}
		completion.fire(done)
	}, done)
}

// Keys lists the persisted keys in lexical order.
func (e *Engine) Keys(done func(keys []string), opts ...CallOption) {
	if done == nil {
		return
	}
	executor := e.executor(opts)
	e.submit(executor, func() {
		completion := &completer{executor: executor}
		defer completion.recoverWith(func() { done(nil) })
		defer e.latency.Since(opKeys, time.Now())
		keys := slices.Collect(e.disk.Keys())
		completion.fire(func() { done(keys) })
	}, func() { done(nil) })
}

// Cleanup clears the memory tier and deletes disk entries not accessed within the retention window. It blocks until
// every previously submitted operation and the sweep itself are done. With zero retention it does nothing at all.
func (e *Engine) Cleanup() SweepResult {
	if e.retention == 0 {
		return SweepResult{}
	}
	var result SweepResult
	if err := e.queue.Sync(func() {
		defer e.latency.Since(opCleanup, time.Now())
		result = e.sweep()
	}); err != nil {
		slog.Warn("Skipped cleanup of a closed engine.", "namespace", e.namespace)
	}
	return result
}

// sweep runs on the worker.
func (e *Engine) sweep() SweepResult {
	e.memory.Purge()
	memoryCostMetric.WithLabelValues(e.namespace).Set(0)

	var result SweepResult
	unlock, acquired, err := e.disk.LockSweep()
	switch {
	case err != nil: // The sweep only deletes stale entries, so carry on without the lock.
		slog.Warn("Failed to take the sweep lock.", "namespace", e.namespace, "error", err)
	case !acquired:
		slog.Info("Skipped disk sweep, another process is sweeping.", "namespace", e.namespace)
		result.DiskSkipped = true
		return result
	default:
		defer unlock()
	}

	now := e.now()
	for key := range e.disk.Keys() {
		result.Scanned++
		meta, err := e.disk.Stat(key)
		if err != nil {
			result.Skipped++
			if !errors.Is(err, storage.ErrKeyNotFound) {
				diskErrorsMetric.WithLabelValues(e.namespace, "stat").Inc()
				slog.Warn("Skipped cache item with unreadable metadata.", "namespace", e.namespace, "key", key,
					"error", err)
			}
			continue
		}
		if now.Sub(meta.LastAccess) <= e.retention {
			continue
		}
		if err := e.disk.Delete(key); err != nil {
			result.Skipped++
			diskErrorsMetric.WithLabelValues(e.namespace, "delete").Inc()
			slog.Warn("Failed to delete stale cache item.", "namespace", e.namespace, "key", key, "error", err)
			continue
		}
		result.Deleted++
	}
	e.disk.RebuildKeyFilter()
	sweptMetric.WithLabelValues(e.namespace).Add(float64(result.Deleted))
	slog.Info("Swept stale cache items.", "namespace", e.namespace, "scanned", result.Scanned,
		"deleted", result.Deleted, "skipped", result.Skipped)
	return result
}

// LatencyStats returns latency quantiles of every operation the engine has run so far.
func (e *Engine) LatencyStats() []metrics.Stats {
	return e.latency.GetAllStats()
}

// Close waits for queued operations to finish and releases the disk tier. Later operations complete as misses or
// with ErrClosed. It is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.queue.Close()
		if err := e.disk.Close(); err != nil {
			e.closeErr = fmt.Errorf("failed to close disk tier: %w", err)
		}
		slog.Info("Closed cache engine.", "namespace", e.namespace)
	})
	return e.closeErr
}
