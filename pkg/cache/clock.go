// This module implements a cost-bounded CLOCK cache.
// Eviction Policy (CLOCK Algorithm):
// The cache uses a circular list of entries and a "hand" that sweeps over them. When an insertion would push the
// total cost over the capacity, the hand checks the entry it's pointing to:
//   - If the entry's reference bit is 'true', it sets it to 'false' and moves to the next entry.
//     This gives the entry a "second chance".
//   - If the entry's reference bit is 'false', it evicts that entry and moves on.
//
// The hand keeps sweeping until the new entry fits. Unlike LRU, a hit only flips a bit instead of relinking nodes.

package cache

import (
	"maps"
	"slices"

	"github.com/nobletooth/tiercache/pkg/utils"
)

// clockEntry represents a single entry in the cache.
type clockEntry[K comparable, V any] struct {
	key   K     // The cache key for this entry.
	value V     // The data stored for this key.
	cost  int64 // What the entry contributes to the total cost.
	// ref is the reference bit for the CLOCK algorithm. A value of 'true' indicates the entry has been recently
	// accessed and should be given a "second chance" before eviction.
	ref bool
}

// CostClock is a cost-bounded cache using the CLOCK (second chance) eviction algorithm. Not thread-safe.
type CostClock[K comparable, V any] struct { // Implements Layer.
	capacity  int64 // Maximum total cost.
	totalCost int64 // Current total cost of held entries.
	// hand is the "clock hand" that points to the next candidate for eviction in the circular list.
	hand  *linkedListNode[*clockEntry[K, V]]
	index map[K]*linkedListNode[*clockEntry[K, V]] // Provides lookup for an entry by its key.
	// circularBuffer allows the hand to sweep over keys for the CLOCK eviction.
	circularBuffer *linkedList[*clockEntry[K, V]]
	// onEvict is an optional callback executed when an entry is evicted due to capacity. It must not call any of
	// the cache methods.
	onEvict EvictionCallback[K, V]
}

var _ Layer[string, int] = (*CostClock[string, int])(nil)

// NewCostClock is the constructor for CostClock.
func NewCostClock[K comparable, V any](capacity int64, onEvict EvictionCallback[K, V]) *CostClock[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("clock", "non_positive_capacity",
			"Invalid capacity has been given to clock cache.", "capacity", capacity)
		capacity = 1
	}
	return &CostClock[K, V]{
		capacity:       capacity,
		index:          make(map[K]*linkedListNode[*clockEntry[K, V]]),
		circularBuffer: new(linkedList[*clockEntry[K, V]]),
		onEvict:        onEvict,
	}
}

// Get retrieves a value from the cache for a given key. Accessing an item with Get marks it as recently used by
// setting its reference bit to true.
func (c *CostClock[K, V]) Get(key K) (V, bool /*found*/) {
	entry, keyExists := c.index[key]
	if !keyExists {
		return *new(V), false
	}
	// Mark the entry as referenced (give it a second chance).
	entry.Value.ref = true
	return entry.Value.value, true
}

// Add inserts or updates a key-value pair in the cache. It returns true if an eviction occurred.
func (c *CostClock[K, V]) Add(key K, value V, cost int64) /*evictionOccurred*/ bool {
	if cost < 0 {
		utils.RaiseInvariant("clock", "negative_cost", "Got a negative entry cost.", "cost", cost)
		cost = 0
	}
	if cost > c.capacity { // Would never fit; drop any older version of the key.
		c.Remove(key)
		return false
	}

	// Update existing entry in place.
	if entry, keyExists := c.index[key]; keyExists {
		c.totalCost += cost - entry.Value.cost
		entry.Value.value = value
		entry.Value.cost = cost
		entry.Value.ref = false
		return c.evictUntilFits(0 /*incomingCost*/, entry)
	}

	evicted := c.evictUntilFits(cost, nil /*protected*/)
	entry := c.circularBuffer.PushBack(&clockEntry[K, V]{key: key, value: value, cost: cost})
	c.index[key] = entry
	c.totalCost += cost
	// Initialize clock hand if it's the first element.
	if c.hand == nil {
		c.hand = entry
	}
	return evicted
}

// evictUntilFits sweeps the hand until `incomingCost` more units fit. The `protected` node is never evicted.
func (c *CostClock[K, V]) evictUntilFits(incomingCost int64, protected *linkedListNode[*clockEntry[K, V]]) bool {
	evicted := false
	for c.totalCost+incomingCost > c.capacity {
		entry := c.hand
		if entry == nil || (entry == protected && c.circularBuffer.Len() == 1) {
			utils.RaiseInvariant("clock", "cost_accounting", "Total cost exceeds capacity with nothing to evict.",
				"totalCost", c.totalCost, "capacity", c.capacity)
			return evicted
		}
		if entry == protected || entry.Value.ref {
			// If the entry was referenced, give it a second chance by clearing its reference bit.
			entry.Value.ref = false
			c.hand = c.nextOf(entry)
			continue
		}
		// Evict this entry and advance the hand past it.
		c.unlink(entry)
		evicted = true
		if c.onEvict != nil {
			c.onEvict(entry.Value.key, entry.Value.value)
		}
	}
	return evicted
}

// nextOf returns the node following `entry`, wrapping around to the front at the end of the list.
func (c *CostClock[K, V]) nextOf(entry *linkedListNode[*clockEntry[K, V]]) *linkedListNode[*clockEntry[K, V]] {
	if next := entry.Next(); next != nil {
		return next
	}
	return c.circularBuffer.Front()
}

// unlink removes an entry from the buffer and the index, moving the hand if it points at the entry.
func (c *CostClock[K, V]) unlink(entry *linkedListNode[*clockEntry[K, V]]) {
	if c.hand == entry {
		c.hand = c.nextOf(entry)
	}
	c.circularBuffer.Remove(entry)
	delete(c.index, entry.Value.key)
	c.totalCost -= entry.Value.cost
	if c.circularBuffer.Len() == 0 {
		c.hand = nil
	}
}

func (c *CostClock[K, V]) Remove(key K) bool {
	entry, keyExists := c.index[key]
	if !keyExists {
		return false
	}
	c.unlink(entry)
	return true
}

func (c *CostClock[K, V]) Keys() []K {
	return slices.Collect(maps.Keys(c.index))
}

func (c *CostClock[K, V]) Len() int {
	return c.circularBuffer.Len()
}

func (c *CostClock[K, V]) Cost() int64 {
	return c.totalCost
}

func (c *CostClock[K, V]) Purge() {
	clear(c.index)
	c.circularBuffer.Clear()
	c.hand = nil
	c.totalCost = 0
}
