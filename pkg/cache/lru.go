// This module implements a cost-bounded LRU cache.
// Entries are kept in a linked list ordered by recency: the front is the most recently used entry and the back is
// the next eviction victim. Each entry carries a cost (the byte size of the cached blob) and the cache evicts from
// the back until the total cost fits the capacity again.

package cache

import (
	"maps"
	"slices"

	"github.com/nobletooth/tiercache/pkg/utils"
)

// costEntry is a single cached key-value pair and the cost it contributes to the layer.
type costEntry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
}

// CostLRU is a least-recently-used cache bounded by the total cost of its entries. Not thread-safe.
type CostLRU[K comparable, V any] struct { // Implements Layer.
	capacity  int64                                   // Maximum total cost.
	totalCost int64                                   // Current total cost of held entries.
	index     map[K]*linkedListNode[*costEntry[K, V]] // Provides lookup for an entry by its key.
	order     *linkedList[*costEntry[K, V]]           // Front is the most recently used entry.
	onEvict   EvictionCallback[K, V]                  // Optional; fired on capacity evictions only.
}

var _ Layer[string, int] = (*CostLRU[string, int])(nil)

// NewCostLRU is the constructor for CostLRU. The eviction callback may be nil.
func NewCostLRU[K comparable, V any](capacity int64, onEvict EvictionCallback[K, V]) *CostLRU[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("lru", "non_positive_capacity",
			"Invalid capacity has been given to lru cache.", "capacity", capacity)
		capacity = 1
	}
	return &CostLRU[K, V]{
		capacity: capacity,
		index:    make(map[K]*linkedListNode[*costEntry[K, V]]),
		order:    new(linkedList[*costEntry[K, V]]),
		onEvict:  onEvict,
	}
}

// Get returns the value of `key` and marks it as the most recently used entry.
func (c *CostLRU[K, V]) Get(key K) (V, bool /*found*/) {
	node, exists := c.index[key]
	if !exists {
		return *new(V), false
	}
	c.order.MoveToFront(node)
	return node.Value.value, true
}

// Add inserts or replaces `key`. The inserted entry always survives its own insertion.
func (c *CostLRU[K, V]) Add(key K, value V, cost int64) /*evictionOccurred*/ bool {
	if cost < 0 {
		utils.RaiseInvariant("lru", "negative_cost", "Got a negative entry cost.", "cost", cost)
		cost = 0
	}
	if cost > c.capacity { // Would never fit; make sure a stale version doesn't linger either.
		c.Remove(key)
		return false
	}

	if node, exists := c.index[key]; exists {
		c.totalCost += cost - node.Value.cost
		node.Value.value = value
		node.Value.cost = cost
		c.order.MoveToFront(node)
	} else {
		c.index[key] = c.order.PushFront(&costEntry[K, V]{key: key, value: value, cost: cost})
		c.totalCost += cost
	}

	// The front entry fits on its own, so this loop stops before reaching it.
	evicted := false
	for c.totalCost > c.capacity {
		victim := c.order.Back()
		if victim == nil || victim == c.order.Front() {
			utils.RaiseInvariant("lru", "cost_accounting", "Total cost exceeds capacity with nothing to evict.",
				"totalCost", c.totalCost, "capacity", c.capacity)
			break
		}
		c.drop(victim)
		evicted = true
		if c.onEvict != nil {
			c.onEvict(victim.Value.key, victim.Value.value)
		}
	}
	return evicted
}

// drop unlinks the given node and updates the cost accounting.
func (c *CostLRU[K, V]) drop(node *linkedListNode[*costEntry[K, V]]) {
	c.order.Remove(node)
	delete(c.index, node.Value.key)
	c.totalCost -= node.Value.cost
}

func (c *CostLRU[K, V]) Remove(key K) bool {
	node, exists := c.index[key]
	if !exists {
		return false
	}
	c.drop(node)
	return true
}

func (c *CostLRU[K, V]) Keys() []K {
	return slices.Collect(maps.Keys(c.index))
}

func (c *CostLRU[K, V]) Len() int {
	return c.order.Len()
}

func (c *CostLRU[K, V]) Cost() int64 {
	return c.totalCost
}

func (c *CostLRU[K, V]) Purge() {
	clear(c.index)
	c.order.Clear()
	c.totalCost = 0
}
