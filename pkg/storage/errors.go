package storage

import "errors"

var (
	// ErrKeyNotFound is returned when the disk tier holds no entry for a key. It is an expected outcome, not a failure.
	ErrKeyNotFound = errors.New("key was not found")
	// ErrCorrupted is returned when a payload doesn't match the size or checksum recorded in its metadata.
	ErrCorrupted = errors.New("cache entry is corrupted")
)
