package engine

import "time"

// Item is a cached blob as seen by completions. Items handed to callers are snapshots: later accesses don't change
// them, and callers must treat `Bytes` as read-only since it is shared with the cache.
type Item struct {
	Key      string
	Bytes    []byte
	Decoded  any // Produced by the engine codec unless supplied by the caller.
	created  time.Time
	lastUsed time.Time
}

func newItem(key string, bytes []byte, decoded any, created time.Time) *Item {
	return &Item{Key: key, Bytes: bytes, Decoded: decoded, created: created, lastUsed: created}
}

// Created is when the item was first stored. It survives memory eviction.
func (i *Item) Created() time.Time {
	return i.created
}

// LastUsed is the last time the item was stored or successfully fetched. Never before Created.
func (i *Item) LastUsed() time.Time {
	return i.lastUsed
}

// touch moves the last used time forward to `now`. It never goes backwards.
func (i *Item) touch(now time.Time) {
	if now.After(i.lastUsed) {
		i.lastUsed = now
	}
}

// snapshot copies the item for handing out of the engine worker.
func (i *Item) snapshot() *Item {
	snapshot := *i
	return &snapshot
}
