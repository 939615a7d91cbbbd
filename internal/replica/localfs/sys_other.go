//go:build !linux

package localfs

import (
	"os"
	"path/filepath"

	"github.com/agentworkforce/shadowsync/internal/node"
)

// identity falls back to the absolute path where inode numbers are not
// read. Renames then surface as delete and create.
func identity(p string) (node.AltID, error) {
	if _, err := os.Lstat(p); err != nil {
		return node.AltID{}, err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return node.AltID{}, err
	}
	return node.AltID{Scope: "local", External: filepath.ToSlash(abs)}, nil
}

func renameNoReplace(from, to string) error {
	if _, err := os.Lstat(to); err == nil {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: os.ErrExist}
	}
	return os.Rename(from, to)
}

func freeSpace(string) (int64, bool, error) {
	return 0, false, nil
}
