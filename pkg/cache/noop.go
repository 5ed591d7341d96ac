package cache

// NoOp is a Layer that holds nothing. It is used when the memory budget is zero.
type NoOp[K comparable, V any] struct{} // Implements Layer.

var _ Layer[string, int] = NoOp[string, int]{}

// NewNoOp is the constructor for NoOp.
func NewNoOp[K comparable, V any]() NoOp[K, V] {
	return NoOp[K, V]{}
}

func (NoOp[K, V]) Get(K) (V, bool) { return *new(V), false }
func (NoOp[K, V]) Add(K, V, int64) bool { return false }
func (NoOp[K, V]) Remove(K) bool { return false }
func (NoOp[K, V]) Keys() []K { return nil }
func (NoOp[K, V]) Len() int { return 0 }
func (NoOp[K, V]) Cost() int64 { return 0 }
func (NoOp[K, V]) Purge() {}
