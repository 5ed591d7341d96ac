package port

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nobletooth/tiercache/pkg/dispatch"
	"github.com/nobletooth/tiercache/pkg/engine"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/scan"
	"github.com/nobletooth/tiercache/pkg/utils"
)

// Cache is the asynchronous cache API that ports serve.
type Cache interface {
	Store(key string, data []byte, done engine.StoreCompletion, opts ...engine.CallOption)
	Fetch(key string, done engine.FetchCompletion, opts ...engine.CallOption)
	Remove(key string, done func(), opts ...engine.CallOption)
	Keys(done func(keys []string), opts ...engine.CallOption)
	Cleanup() engine.SweepResult
	LatencyStats() []metrics.Stats
}

var _ Cache = (*engine.Engine)(nil)

// CacheBackend turns the cache completions into blocking calls for request/response ports, e.g. Redis.
// Completions run inline on the cache worker and only hand the result over to the waiting caller.
type CacheBackend struct {
	mux   sync.Mutex // Serializes read-then-write commands such as SET NX across connections.
	cache Cache
}

// NewCacheBackend is the constructor for CacheBackend.
func NewCacheBackend(cache Cache) (*CacheBackend, error) {
	if cache == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	return &CacheBackend{cache: cache}, nil
}

// Get returns the value of `key`, if cached.
func (cb *CacheBackend) Get(key string) ([]byte, bool /*found*/) {
	type result struct {
		value []byte
		found bool
	}
	results := make(chan result, 1)
	cb.cache.Fetch(key, func(item *engine.Item, found bool) {
		if !found {
			results <- result{}
			return
		}
		results <- result{value: item.Bytes, found: true}
	}, engine.On(dispatch.Inline))
	r := <-results
	return r.value, r.found
}

type existenceCheck uint8

const (
	noCheck     existenceCheck = iota
	ifNotExists                // NX
	ifExists                   // XX
)

var allExistenceChecks = []existenceCheck{noCheck, ifExists, ifNotExists}

type SetCommand struct {
	key       string
	value     []byte
	existence existenceCheck
	get       bool // The Redis GET option; if true, should return the previous value.
}

type SetResult struct {
	previousValue    []byte // Only set if the command requires the previous value.
	hasPreviousValue bool   // If true, the `key` specified in SetCommand had a previous value.
	couldSet         bool   // If true, the value was stored.
	err              error
}

// Set executes the given `cmd` and returns the previous value if required.
func (cb *CacheBackend) Set(cmd SetCommand) SetResult {
	if !slices.Contains(allExistenceChecks, cmd.existence) {
		utils.RaiseInvariant("backend", "unknown_set_existence_constraint",
			"Got an unknown existence constraint in the given set command.", "constraint", cmd.existence)
		return SetResult{err: fmt.Errorf("got unknown set constraint '%d'", cmd.existence)}
	}

	cb.mux.Lock()
	defer cb.mux.Unlock()

	var (
		prevValue    []byte
		hasPrevValue bool
	)
	if cmd.existence != noCheck || cmd.get {
		prevValue, hasPrevValue = cb.Get(cmd.key)
	}

	couldSet := cmd.existence == noCheck || // Set any way.
		(cmd.existence == ifNotExists && !hasPrevValue) || // NX; Set only if not exists.
		(cmd.existence == ifExists && hasPrevValue) // XX; Set only if exists.
	if couldSet {
		errs := make(chan error, 1)
		cb.cache.Store(cmd.key, cmd.value, func(_ *engine.Item, err error) { errs <- err }, engine.On(dispatch.Inline))
		// A failed disk write still leaves the value cached in memory, so only a closed cache fails the command.
		if err := <-errs; errors.Is(err, engine.ErrClosed) {
			return SetResult{err: fmt.Errorf("failed to set value: %w", err)}
		}
	}

	result := SetResult{couldSet: couldSet}
	if cmd.get { // Client wants the previous value returned.
		result.previousValue, result.hasPreviousValue = prevValue, hasPrevValue
	}
	return result
}

// Delete removes the given keys and returns how many of them existed.
func (cb *CacheBackend) Delete(keys ...string) int {
	cb.mux.Lock()
	defer cb.mux.Unlock()

	deleted := 0
	for _, key := range keys {
		if _, found := cb.Get(key); found {
			deleted++
		}
		done := make(chan struct{})
		cb.cache.Remove(key, func() { close(done) }, engine.On(dispatch.Inline))
		<-done
	}
	return deleted
}

// Exists returns how many of the given keys are cached. Repeated keys are counted once per occurrence.
func (cb *CacheBackend) Exists(keys ...string) int {
	count := 0
	for _, key := range keys {
		if _, found := cb.Get(key); found {
			count++
		}
	}
	return count
}

// Keys lists the persisted keys matching the glob `pattern`.
func (cb *CacheBackend) Keys(pattern string) ([]string, error) {
	results := make(chan []string, 1)
	cb.cache.Keys(func(keys []string) { results <- keys }, engine.On(dispatch.Inline))
	matches, err := scan.MatchGlob(pattern, slices.Values(<-results))
	if err != nil {
		return nil, err
	}
	return slices.Collect(matches), nil
}

// Cleanup runs a staleness sweep.
func (cb *CacheBackend) Cleanup() engine.SweepResult {
	return cb.cache.Cleanup()
}

// LatencyStats returns the cache operation latencies.
func (cb *CacheBackend) LatencyStats() []metrics.Stats {
	return cb.cache.LatencyStats()
}
