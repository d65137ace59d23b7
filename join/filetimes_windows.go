//go:build windows

package join

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

func setFileTimes(path string, info os.FileInfo) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	h, err := windows.CreateFile(p, windows.FILE_WRITE_ATTRIBUTES, windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	// Windows exposes a true creation time distinct from mtime; match the
	// source's timestamp there instead of its last-modified time.
	ft := windows.NsecToFiletime(info.ModTime().UnixNano())
	if attr, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		ft = windows.Filetime{LowDateTime: attr.CreationTime.LowDateTime, HighDateTime: attr.CreationTime.HighDateTime}
	}
	return windows.SetFileTime(h, &ft, nil, nil)
}
