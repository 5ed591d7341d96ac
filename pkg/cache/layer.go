// The memory tier keeps recently used cache items in memory so that hot keys never touch the disk. Every tier
// implementation is bounded by total cost (bytes) rather than entry count, since cached blobs vary wildly in size.
//
// Layers are NOT thread-safe. They are owned by the engine's serialized queue worker, which is the only goroutine
// allowed to call them.

package cache

import (
	"fmt"
	"strings"
)

// Layer defines the interface for a cost-bounded key-value cache.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found.
	// The lookup only updates bookkeeping that the eviction policy needs (recency / reference bits).
	Get(key K) (V, bool)
	// Add inserts or replaces a key-value pair costing `cost` units. It returns true if other entries were evicted
	// to make room. An entry costing more than the whole capacity is not stored at all.
	Add(key K, value V, cost int64) bool
	// Remove drops the given key, returning true if it was present. Removals never fire the eviction callback.
	Remove(key K) bool
	Keys() []K   // Returns a slice of all keys currently in the cache.
	Len() int    // Number of entries currently held.
	Cost() int64 // Sum of the costs of the held entries.
	Purge()      // Removes all items from the cache without firing the eviction callback.
}

// EvictionCallback is invoked synchronously for every entry dropped due to capacity pressure.
// It must not call back into the layer that is evicting.
type EvictionCallback[K comparable, V any] func(key K, value V)

// Policy selects the eviction algorithm of a memory tier.
type Policy string

const (
	PolicyLRU   Policy = "lru"   // Least recently used entries are evicted first.
	PolicyClock Policy = "clock" // Second-chance CLOCK sweep.
)

// ParsePolicy converts a flag value into a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch policy := Policy(strings.ToLower(strings.TrimSpace(value))); policy {
	case PolicyLRU, PolicyClock:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown memory eviction policy '%s'; expected lru/clock", value)
	}
}

// New builds a memory tier with the given policy bounded by `capacity` cost units.
// A non-positive capacity disables the memory tier; every lookup then misses.
func New[K comparable, V any](policy Policy, capacity int64, onEvict EvictionCallback[K, V]) (Layer[K, V], error) {
	if capacity <= 0 {
		return NewNoOp[K, V](), nil
	}
	switch policy {
	case PolicyLRU, "":
		return NewCostLRU(capacity, onEvict), nil
	case PolicyClock:
		return NewCostClock(capacity, onEvict), nil
	default:
		return nil, fmt.Errorf("unknown memory eviction policy '%s'", policy)
	}
}
