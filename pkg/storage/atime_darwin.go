//go:build darwin

package storage

import (
	"io/fs"
	"syscall"
	"time"
)

// accessTime returns the filesystem access time of `info`.
func accessTime(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atimespec.Sec, st.Atimespec.Nsec)
	}
	return info.ModTime()
}
