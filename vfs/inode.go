package vfs

import (
	"io/fs"
	"time"
)

// Kind tags the inode union: a node is exactly one of file, dir, or symlink.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// Inode is the VFS's tagged-union node. Once constructed, the fields proper
// to its Kind are never mutated in place — writes replace the *Inode in the
// parent directory's children map instead. That immutability is what makes
// snapshot() safe to share file/symlink pointers between the live tree and a
// cloned one: nothing can reach back and mutate a node a snapshot still
// points at.
type Inode struct {
	kind  Kind
	perm  fs.FileMode
	mtime time.Time

	// KindFile
	content []byte

	// KindDir
	children map[string]*Inode

	// KindSymlink
	target string
}

func newFile(perm fs.FileMode, content []byte) *Inode {
	return &Inode{kind: KindFile, perm: perm, content: content, mtime: clock()}
}

func newDir(perm fs.FileMode) *Inode {
	return &Inode{kind: KindDir, perm: perm, children: make(map[string]*Inode), mtime: clock()}
}

func newSymlink(target string) *Inode {
	return &Inode{kind: KindSymlink, perm: 0777, target: target, mtime: clock()}
}

// clock is a seam so tests can pin mtimes; production uses wall time.
var clock = time.Now

func (n *Inode) size() int64 {
	switch n.kind {
	case KindFile:
		return int64(len(n.content))
	case KindSymlink:
		return int64(len(n.target))
	default:
		return 0
	}
}

func (n *Inode) mode() fs.FileMode {
	switch n.kind {
	case KindDir:
		return n.perm | fs.ModeDir
	case KindSymlink:
		return n.perm | fs.ModeSymlink
	default:
		return n.perm
	}
}

// cloneDir deep-clones a directory spine: every directory gets a fresh
// children map, but file and symlink leaves (immutable by replacement) are
// shared by pointer with the live tree. Recursing into child directories is
// what makes later mutation anywhere in the live tree invisible to this
// clone, not just at the top level.
func cloneDir(n *Inode) *Inode {
	clone := &Inode{kind: KindDir, perm: n.perm, mtime: n.mtime, children: make(map[string]*Inode, len(n.children))}
	for name, child := range n.children {
		if child.kind == KindDir {
			clone.children[name] = cloneDir(child)
		} else {
			clone.children[name] = child
		}
	}
	return clone
}

// DirEntry describes one child of a directory listing, virtual or real.
type DirEntry struct {
	Name    string
	IsDir   bool
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (d DirEntry) Size() int64        { return d.size }
func (d DirEntry) Mode() fs.FileMode  { return d.mode }
func (d DirEntry) ModTime() time.Time { return d.modTime }

// Info is the VFS's own stat result, independent of os.FileInfo so virtual
// providers (which have no backing os.File) can produce one just as easily
// as a real inode can.
type Info struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

func (n *Inode) info(name string) Info {
	return Info{Name: name, Size: n.size(), Mode: n.mode(), ModTime: n.mtime, IsDir: n.kind == KindDir}
}
