package vfs

// Snapshot clones the directory spine under id and stores it for later
// Restore. Taking a snapshot never mutates the live tree; it costs time
// proportional to the number of directories, not the number of bytes.
func (v *VFS) Snapshot(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshots[id] = cloneDir(v.root)
}

// Restore replaces the live tree with the clone stored under id. The
// snapshot remains available for further restores until DeleteSnapshot is
// called.
func (v *VFS) Restore(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap, ok := v.snapshots[id]
	if !ok {
		return newErr(ENOENT, "restore", id)
	}
	v.root = cloneDir(snap)
	v.recount()
	return nil
}

// DeleteSnapshot discards a stored snapshot.
func (v *VFS) DeleteSnapshot(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.snapshots, id)
}

func (v *VFS) recount() {
	var bytes, entries int64
	var walk func(n *Inode)
	walk = func(n *Inode) {
		for _, c := range n.children {
			entries++
			bytes += c.size()
			if c.kind == KindDir {
				walk(c)
			}
		}
	}
	walk(v.root)
	v.usedBytes = bytes
	v.usedEntries = entries
}
