//go:build linux

package localfs

import (
	"errors"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/shadowsync/internal/node"
)

// identity returns the device and inode of p. The device is the move scope:
// renames never cross it.
func identity(p string) (node.AltID, error) {
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return node.AltID{}, &os.PathError{Op: "lstat", Path: p, Err: err}
	}
	return node.AltID{
		Scope:    "dev" + strconv.FormatUint(uint64(st.Dev), 10),
		External: strconv.FormatUint(st.Ino, 10),
	}, nil
}

func renameNoReplace(from, to string) error {
	err := unix.Renameat2(unix.AT_FDCWD, from, unix.AT_FDCWD, to, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
		// File systems without RENAME_NOREPLACE support.
		if _, statErr := os.Lstat(to); statErr == nil {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: os.ErrExist}
		}
		return os.Rename(from, to)
	default:
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: err}
	}
}

// freeSpace reports the bytes available to unprivileged writers below dir.
func freeSpace(dir string) (int64, bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, false, &os.PathError{Op: "statfs", Path: dir, Err: err}
	}
	return int64(st.Bavail) * int64(st.Bsize), true, nil
}
