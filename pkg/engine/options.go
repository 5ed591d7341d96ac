package engine

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/codec"
	"github.com/nobletooth/tiercache/pkg/dispatch"
	"github.com/nobletooth/tiercache/pkg/metrics"
	"github.com/nobletooth/tiercache/pkg/storage"
)

var (
	cacheDir = flag.String("cache_dir", "",
		"Root directory of the disk tier. Defaults to <user cache dir>/tiercache.")
	namespace = flag.String("namespace", "default",
		"Isolates this cache's files from other caches under the same cache_dir.")
	memoryBudgetBytes = flag.Int64("memory_budget_bytes", 32<<20, /*32 MiB*/
		"Total payload bytes the memory tier may hold. Zero disables the memory tier.")
	retentionDays = flag.Int("retention_days", 30,
		"Cleanup deletes disk entries not accessed for this many days. Zero disables cleanup.")
	memoryEvictionPolicy = flag.String("memory_eviction_policy", string(cache.PolicyLRU),
		"Eviction policy of the memory tier: lru or clock.")
	queueDepth = flag.Int("queue_depth", 1024,
		"Number of operations that can wait for the engine worker before callers block.")
)

const (
	defaultLatencyAccuracy = 0.01
	// maxRetentionDays is the longest retention window a time.Duration can hold.
	maxRetentionDays = int(math.MaxInt64 / int64(24*time.Hour))
)

// Options configures an Engine. The zero value of each optional field picks its default.
type Options struct {
	CacheDir          string // Defaults to os.UserCacheDir()/tiercache.
	Namespace         string // Required. Must be a safe path component.
	MemoryBudgetBytes int64  // Zero disables the memory tier.
	RetentionDays     int    // Zero disables cleanup.
	EvictionPolicy    cache.Policy
	QueueDepth        int
	Disk              storage.DiskOptions
	LatencyAccuracy   float64           // Relative accuracy of LatencyStats quantiles.
	Codec             codec.Codec       // Defaults to codec.Raw.
	Callbacks         dispatch.Executor // Where completions run unless On overrides it. Defaults to Goroutine.
	Now               func() time.Time  // Defaults to time.Now.
}

// OptionsFromFlags builds Options out of the command line flags.
func OptionsFromFlags() (Options, error) {
	policy, err := cache.ParsePolicy(*memoryEvictionPolicy)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return Options{
		CacheDir:          *cacheDir,
		Namespace:         *namespace,
		MemoryBudgetBytes: *memoryBudgetBytes,
		RetentionDays:     *retentionDays,
		EvictionPolicy:    policy,
		QueueDepth:        *queueDepth,
		Disk:              storage.DiskOptionsFromFlags(),
		LatencyAccuracy:   metrics.RelativeAccuracyFromFlags(),
	}, nil
}

// withDefaults validates `o` and fills in its defaults.
func (o Options) withDefaults() (Options, error) {
	if o.Namespace == "" {
		return o, fmt.Errorf("%w: expected a non-empty namespace", ErrConfiguration)
	}
	if o.MemoryBudgetBytes < 0 {
		return o, fmt.Errorf("%w: expected non-negative memory budget, got %d", ErrConfiguration, o.MemoryBudgetBytes)
	}
	if o.RetentionDays < 0 || o.RetentionDays > maxRetentionDays {
		return o, fmt.Errorf("%w: expected retention days in [0, %d], got %d",
			ErrConfiguration, maxRetentionDays, o.RetentionDays)
	}
	if o.QueueDepth < 0 {
		return o, fmt.Errorf("%w: expected non-negative queue depth, got %d", ErrConfiguration, o.QueueDepth)
	}
	if o.CacheDir == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			return o, fmt.Errorf("%w: failed to determine the cache directory: %w", ErrConfiguration, err)
		}
		o.CacheDir = filepath.Join(userCacheDir, "tiercache")
	}
	if o.EvictionPolicy == "" {
		o.EvictionPolicy = cache.PolicyLRU
	}
	if o.LatencyAccuracy == 0 {
		o.LatencyAccuracy = defaultLatencyAccuracy
	}
	if o.Codec == nil {
		o.Codec = codec.Raw{}
	}
	if o.Callbacks == nil {
		o.Callbacks = dispatch.Goroutine
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}

// CallOption adjusts a single engine call.
type CallOption func(*callOptions)

type callOptions struct {
	executor dispatch.Executor
}

// On runs the call's completion on `executor` instead of Options.Callbacks.
func On(executor dispatch.Executor) CallOption {
	return func(o *callOptions) {
		if executor != nil {
			o.executor = executor
		}
	}
}
