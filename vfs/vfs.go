package vfs

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Limits bounds what a VFS will hold. Zero means unlimited.
type Limits struct {
	MaxBytes   int64
	MaxEntries int64
}

// VFS is the sandbox's in-memory filesystem: an inode tree rooted at "/",
// a write-policy prefix set, a quota tracker, a snapshot registry, and a
// table of mounted virtual providers.
type VFS struct {
	mu          sync.RWMutex
	root        *Inode
	limits      Limits
	usedBytes   int64
	usedEntries int64
	writable    []string
	bypassDepth int
	snapshots   map[string]*Inode
	mounts      []mount
	log         zerolog.Logger
}

// New creates an empty VFS with the given quotas and logger. The root
// directory always exists; nothing is writable until MarkWritable is
// called (the default layout marks the whole tree writable under a bypass,
// then narrows it — see DefaultLayout).
func New(limits Limits, log zerolog.Logger) *VFS {
	return &VFS{
		root:      newDir(0755),
		limits:    limits,
		snapshots: make(map[string]*Inode),
		log:       log,
	}
}

// MarkWritable adds prefix (and everything under it) to the writable set.
func (v *VFS) MarkWritable(prefix string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writable = append(v.writable, path.Clean("/"+prefix))
}

func (v *VFS) isWritable(p string) bool {
	if v.bypassDepth > 0 {
		return true
	}
	clean := path.Clean("/" + p)
	for _, w := range v.writable {
		if clean == w || strings.HasPrefix(clean, w+"/") {
			return true
		}
	}
	return false
}

// WithWriteAccess runs fn with the write-policy check bypassed, for the
// facade's initial layout seeding and for state-blob import. Reentrant.
func (v *VFS) WithWriteAccess(fn func() error) error {
	v.mu.Lock()
	v.bypassDepth++
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.bypassDepth--
		v.mu.Unlock()
	}()
	return fn()
}

// Mount attaches a Provider at prefix. Longer prefixes are matched first.
func (v *VFS) Mount(prefix string, p Provider) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts = append(v.mounts, mount{prefix: path.Clean("/" + prefix), provider: p})
	sort.Slice(v.mounts, func(i, j int) bool { return len(v.mounts[i].prefix) > len(v.mounts[j].prefix) })
}

func (v *VFS) findMount(p string) (mount, string, bool) {
	clean := path.Clean("/" + p)
	for _, m := range v.mounts {
		if clean == m.prefix {
			return m, "", true
		}
		if strings.HasPrefix(clean, m.prefix+"/") {
			return m, strings.TrimPrefix(clean, m.prefix+"/"), true
		}
	}
	return mount{}, "", false
}

// ReadFile returns the full contents of the file at p.
func (v *VFS) ReadFile(p string) ([]byte, error) {
	if m, sub, ok := v.findMountRLocked(p); ok {
		return m.provider.ReadFile(sub)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if n.kind == KindDir {
		return nil, newErr(EISDIR, "readFile", p)
	}
	out := make([]byte, len(n.content))
	copy(out, n.content)
	return out, nil
}

func (v *VFS) findMountRLocked(p string) (mount, string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.findMount(p)
}

// WriteFile creates or truncates the file at p with data, replacing any
// prior inode at that path (never mutating it) so outstanding snapshots
// keep their own reference untouched.
func (v *VFS) WriteFile(p string, data []byte, perm fs.FileMode) error {
	if m, sub, ok := v.findMountRLocked(p); ok {
		return m.provider.WriteFile(sub, data)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isWritable(p) {
		v.log.Debug().Str("op", "writeFile").Str("path", p).Msg("denied: read-only")
		return wrapErr(EROFS, "writeFile", p, nil)
	}

	parent, name, existing, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if parent.kind != KindDir {
		return newErr(ENOTDIR, "writeFile", p)
	}
	if existing != nil && existing.kind == KindDir {
		return newErr(EISDIR, "writeFile", p)
	}

	var delta int64
	if existing != nil {
		delta = int64(len(data)) - existing.size()
	} else {
		delta = int64(len(data))
	}
	if err := v.checkQuota(delta, boolToInt(existing == nil)); err != nil {
		return err
	}

	parent.children[name] = newFile(perm, append([]byte{}, data...))
	v.usedBytes += delta
	if existing == nil {
		v.usedEntries++
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (v *VFS) checkQuota(byteDelta, entryDelta int64) *Error {
	if v.limits.MaxBytes > 0 && v.usedBytes+byteDelta > v.limits.MaxBytes {
		return newErr(ENOSPC, "write", "")
	}
	if v.limits.MaxEntries > 0 && v.usedEntries+entryDelta > v.limits.MaxEntries {
		return newErr(ENOSPC, "write", "")
	}
	return nil
}

// Mkdir creates a directory at p. The parent must already exist.
func (v *VFS) Mkdir(p string, perm fs.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isWritable(p) {
		return wrapErr(EROFS, "mkdir", p, nil)
	}
	parent, name, existing, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if parent.kind != KindDir {
		return newErr(ENOTDIR, "mkdir", p)
	}
	if existing != nil {
		return newErr(EEXIST, "mkdir", p)
	}
	if err := v.checkQuota(0, 1); err != nil {
		return err
	}
	parent.children[name] = newDir(perm)
	v.usedEntries++
	return nil
}

// MkdirAll creates p and any missing parents, like os.MkdirAll.
func (v *VFS) MkdirAll(p string, perm fs.FileMode) error {
	comps := splitPath(p)
	cur := "/"
	for _, c := range comps {
		cur = path.Join(cur, c)
		if n, err := v.resolve(cur); err == nil {
			if n.kind != KindDir {
				return newErr(ENOTDIR, "mkdirAll", cur)
			}
			continue
		}
		if err := v.Mkdir(cur, perm); err != nil {
			if k, ok := KindOf(err); !ok || k != EEXIST {
				return err
			}
		}
	}
	return nil
}

// Remove deletes the file or symlink at p (not a directory; use Rmdir).
func (v *VFS) Remove(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isWritable(p) {
		return wrapErr(EROFS, "remove", p, nil)
	}
	parent, name, existing, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if existing == nil {
		return newErr(ENOENT, "remove", p)
	}
	if existing.kind == KindDir {
		return newErr(EISDIR, "remove", p)
	}
	delete(parent.children, name)
	v.usedBytes -= existing.size()
	v.usedEntries--
	return nil
}

// Rmdir deletes the empty directory at p.
func (v *VFS) Rmdir(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isWritable(p) {
		return wrapErr(EROFS, "rmdir", p, nil)
	}
	parent, name, existing, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if existing == nil {
		return newErr(ENOENT, "rmdir", p)
	}
	if existing.kind != KindDir {
		return newErr(ENOTDIR, "rmdir", p)
	}
	if len(existing.children) > 0 {
		return newErr(ENOTEMPTY, "rmdir", p)
	}
	delete(parent.children, name)
	v.usedEntries--
	return nil
}

// ReadDir lists the children of the directory at p.
func (v *VFS) ReadDir(p string) ([]DirEntry, error) {
	if m, sub, ok := v.findMountRLocked(p); ok {
		return m.provider.ReadDir(sub)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if n.kind != KindDir {
		return nil, newErr(ENOTDIR, "readDir", p)
	}
	entries := make([]DirEntry, 0, len(n.children))
	for name, child := range n.children {
		entries = append(entries, DirEntry{Name: name, IsDir: child.kind == KindDir, size: child.size(), mode: child.mode(), modTime: child.mtime})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat resolves symlinks and reports the info of the final target.
func (v *VFS) Stat(p string) (Info, error) {
	if m, sub, ok := v.findMountRLocked(p); ok {
		return m.provider.Stat(sub)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, err := v.resolve(p)
	if err != nil {
		return Info{}, err
	}
	return n.info(path.Base(p)), nil
}

// Lstat reports the info of p itself, without following a trailing
// symlink.
func (v *VFS) Lstat(p string) (Info, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	comps := splitPath(p)
	if comps == nil {
		return v.root.info("/"), nil
	}
	_, name, node, _, err := v.walk(comps, false)
	if err != nil {
		return Info{}, err
	}
	if node == nil {
		return Info{}, newErr(ENOENT, "lstat", p)
	}
	return node.info(name), nil
}

// Symlink creates a symlink at p pointing at target (not resolved here).
func (v *VFS) Symlink(target, p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isWritable(p) {
		return wrapErr(EROFS, "symlink", p, nil)
	}
	parent, name, existing, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if existing != nil {
		return newErr(EEXIST, "symlink", p)
	}
	if err := v.checkQuota(int64(len(target)), 1); err != nil {
		return err
	}
	parent.children[name] = newSymlink(target)
	v.usedEntries++
	return nil
}

// Readlink returns the raw target of the symlink at p.
func (v *VFS) Readlink(p string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	comps := splitPath(p)
	_, _, node, _, err := v.walk(comps, false)
	if err != nil {
		return "", err
	}
	if node == nil {
		return "", newErr(ENOENT, "readlink", p)
	}
	if node.kind != KindSymlink {
		return "", newErr(EINVAL, "readlink", p)
	}
	return node.target, nil
}

// Rename moves the node at oldPath to newPath.
func (v *VFS) Rename(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isWritable(oldPath) || !v.isWritable(newPath) {
		return wrapErr(EROFS, "rename", newPath, nil)
	}
	oldParent, oldName, node, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	if node == nil {
		return newErr(ENOENT, "rename", oldPath)
	}
	newParent, newName, existing, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.kind == KindDir && len(existing.children) > 0 {
			return newErr(ENOTEMPTY, "rename", newPath)
		}
	}
	delete(oldParent.children, oldName)
	newParent.children[newName] = node
	return nil
}

// Exists reports whether p resolves to anything.
func (v *VFS) Exists(p string) bool {
	if m, sub, ok := v.findMountRLocked(p); ok {
		return m.provider.Exists(sub)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, err := v.resolve(p)
	return err == nil
}

// UsedBytes reports current byte usage, for facade introspection.
func (v *VFS) UsedBytes() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usedBytes
}
