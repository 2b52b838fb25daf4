package vfs

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Glob expands a shell-style pattern against the tree, walking directory by
// directory so it works against the inode tree instead of a real os.FS.
// This is the implementation behind the host-ABI glob capability; the
// shell driver's in-guest brace/parameter expansion happens before this is
// ever called.
func (v *VFS) Glob(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		if v.Exists(pattern) {
			return []string{pattern}, nil
		}
		return nil, nil
	}

	clean := path.Clean("/" + pattern)
	comps := strings.Split(strings.TrimPrefix(clean, "/"), "/")

	matches := []string{"/"}
	for _, comp := range comps {
		if comp == "" {
			continue
		}
		var next []string
		for _, base := range matches {
			entries, err := v.ReadDir(base)
			if err != nil {
				continue
			}
			for _, e := range entries {
				ok, merr := filepath.Match(comp, e.Name)
				if merr != nil {
					return nil, wrapErr(EINVAL, "glob", pattern, merr)
				}
				if ok {
					next = append(next, path.Join(base, e.Name))
				}
			}
		}
		matches = next
	}
	sort.Strings(matches)
	return matches, nil
}
