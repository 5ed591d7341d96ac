//go:build linux

package storage

import (
	"io/fs"
	"syscall"
	"time"
)

// accessTime returns the filesystem access time of `info`.
func accessTime(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
	}
	return info.ModTime()
}
