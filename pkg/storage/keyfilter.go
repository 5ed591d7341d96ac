package storage

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// KeyFilter answers "is this key definitely not on disk?" without touching the filesystem. Keys are only ever added;
// deleted keys linger as false positives until the filter is rebuilt. It only learns about keys written through its own
// DiskTier, so payloads that other processes add after open stay invisible until the next rebuild (at open and after
// every sweep). Disable the filter when several writers share a namespace. A nil *KeyFilter is valid and reports every
// key as possibly present. Not thread-safe.
type KeyFilter struct {
	filter *bloom.BloomFilter
}

// NewKeyFilter sizes a bloom filter for `capacity` keys at `falsePositiveRate`. Returns nil when capacity is 0.
func NewKeyFilter(capacity uint, falsePositiveRate float64) *KeyFilter {
	if capacity == 0 {
		return nil
	}
	return &KeyFilter{filter: bloom.NewWithEstimates(capacity, falsePositiveRate)}
}

// Add records `key` as present.
func (f *KeyFilter) Add(key string) {
	if f == nil {
		return
	}
	f.filter.AddString(key)
}

// MayContain returns false only if `key` was never added since the last Reset.
func (f *KeyFilter) MayContain(key string) bool {
	if f == nil {
		return true
	}
	return f.filter.TestString(key)
}

// Reset forgets every key.
func (f *KeyFilter) Reset() {
	if f == nil {
		return
	}
	f.filter.ClearAll()
}
