//go:build unix

package join

import (
	"os"

	"golang.org/x/sys/unix"
)

func setFileTimes(path string, info os.FileInfo) error {
	mtime := info.ModTime()
	ts := []unix.Timespec{
		unix.NsecToTimespec(mtime.UnixNano()), // atime
		unix.NsecToTimespec(mtime.UnixNano()), // mtime
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0)
}
