//go:build !linux && !darwin

package storage

import (
	"io/fs"
	"time"
)

// accessTime falls back to the modification time where the access time isn't exposed portably.
func accessTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
