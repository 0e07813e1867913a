package scan

import (
	"os"
	"syscall"
	"time"
)

// atime extracts the last access time from a FileInfo, falling back to the
// modification time when the underlying filesystem does not expose one
// (in-memory filesystems return a nil Sys).
func atime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}
