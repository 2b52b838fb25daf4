package vfs

import (
	"path"
	"strings"
)

const maxSymlinkDepth = 40

// splitPath breaks an absolute, cleaned path into its non-empty components.
func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// walk resolves components against root, following symlinks along the way
// (but not the final component, unless followLast is set), and reports the
// parent directory, the final component's name, and the resolved node (nil
// if the final component does not exist).
func (v *VFS) walk(components []string, followLast bool) (parent *Inode, name string, node *Inode, fullPath string, err *Error) {
	cur := v.root
	depth := 0
	var pathSoFar []string

	resolveOne := func(idx int) *Error {
		return nil
	}
	_ = resolveOne

	for i := 0; i < len(components); i++ {
		comp := components[i]
		last := i == len(components)-1

		if cur.kind != KindDir {
			return nil, "", nil, "/" + strings.Join(pathSoFar, "/"), newErr(ENOTDIR, "walk", "/"+strings.Join(components, "/"))
		}

		child, ok := cur.children[comp]
		if !ok {
			if last {
				return cur, comp, nil, "/" + strings.Join(append(append([]string{}, pathSoFar...), comp), "/"), nil
			}
			return nil, "", nil, "", newErr(ENOENT, "walk", "/"+strings.Join(components[:i+1], "/"))
		}

		if child.kind == KindSymlink && (!last || followLast) {
			depth++
			if depth > maxSymlinkDepth {
				return nil, "", nil, "", newErr(ENOENT, "walk", "/"+strings.Join(components, "/"))
			}
			target := child.target
			var targetComponents []string
			if strings.HasPrefix(target, "/") {
				targetComponents = splitPath(target)
			} else {
				targetComponents = append(append([]string{}, pathSoFar...), splitPath(target)...)
			}
			rest := components[i+1:]
			components = append(append([]string{}, targetComponents...), rest...)
			i = -1
			cur = v.root
			pathSoFar = nil
			continue
		}

		pathSoFar = append(pathSoFar, comp)
		if last {
			return cur, comp, child, "/" + strings.Join(pathSoFar, "/"), nil
		}
		cur = child
	}

	return v.root, "", v.root, "/", nil
}

// resolve finds the node at an absolute path, following symlinks fully
// (including the final component).
func (v *VFS) resolve(p string) (*Inode, *Error) {
	comps := splitPath(p)
	if comps == nil {
		return v.root, nil
	}
	_, _, node, _, err := v.walk(comps, true)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, newErr(ENOENT, "resolve", p)
	}
	return node, nil
}

// resolveParent finds the parent directory and final component name for p,
// following symlinks in every component except the last.
func (v *VFS) resolveParent(p string) (parent *Inode, name string, existing *Inode, err *Error) {
	comps := splitPath(p)
	if comps == nil {
		return nil, "", nil, newErr(EINVAL, "resolveParent", p)
	}
	parent, name, existing, _, err = v.walk(comps, false)
	return
}
