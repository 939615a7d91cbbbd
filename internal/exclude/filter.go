// Package exclude decides which replica items never reach the diff engine.
package exclude

import (
	"errors"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	gitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/agentworkforce/shadowsync/internal/replica"
)

// DefaultPatterns match temporary files written by common editors and
// office suites during atomic saves.
var DefaultPatterns = []string{
	"~$*",
	".~lock.*#",
	"*.tmp",
	"*.swp",
	"*.swx",
	".*.sw?",
	"*~",
	"4913",
	".#*",
	"*.crdownload",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreFileName is read from the top of each sync root for extra patterns.
const IgnoreFileName = ".shadowsyncignore"

var DefaultSpecialFolders = []string{
	"$RECYCLE.BIN",
	"System Volume Information",
	".Trash",
	".Trashes",
	".shadowsync",
}

type Filter struct {
	matcher gitignore.Matcher
	special map[string]struct{}
}

// New builds a filter from gitignore-style name patterns and folder names
// that are only excluded directly below a sync root.
func New(patterns, specialFolders []string) *Filter {
	parsed := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parsed = append(parsed, gitignore.ParsePattern(p, nil))
	}
	special := make(map[string]struct{}, len(specialFolders))
	for _, name := range specialFolders {
		name = strings.TrimSpace(name)
		if name != "" {
			special[strings.ToLower(name)] = struct{}{}
		}
	}
	return &Filter{matcher: gitignore.NewMatcher(parsed), special: special}
}

func Default() *Filter {
	return New(DefaultPatterns, DefaultSpecialFolders)
}

// LoadIgnoreFile returns the patterns listed in the ignore file below root.
// A missing file yields no patterns.
func LoadIgnoreFile(root string) ([]string, error) {
	data, err := util.ReadFile(osfs.New(root), IgnoreFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// Excluded reports whether info must be ignored. atSyncRoot is true when the
// item is a direct child of a sync root. The ignore file of a sync root is
// local configuration and never synced.
func (f *Filter) Excluded(info replica.NodeInfo, atSyncRoot bool) bool {
	if f == nil {
		return false
	}
	if info.Attributes&(replica.AttrSystem|replica.AttrReparsePoint|replica.AttrTemporary) != 0 {
		return true
	}
	if info.Name == "" {
		return true
	}
	if atSyncRoot && !info.IsDirectory() && info.Name == IgnoreFileName {
		return true
	}
	if atSyncRoot && info.IsDirectory() {
		if _, ok := f.special[strings.ToLower(info.Name)]; ok {
			return true
		}
	}
	return f.matcher.Match([]string{info.Name}, info.IsDirectory())
}
