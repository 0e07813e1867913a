//go:build !linux && !darwin

package scan

import (
	"os"
	"time"
)

// atime is a best-effort stand-in on platforms where stat does not expose a
// separate access time.
func atime(info os.FileInfo) time.Time {
	return info.ModTime()
}
