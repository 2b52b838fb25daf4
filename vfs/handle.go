package vfs

import "io/fs"

// Handle is an open file reference used by the per-process fd table for
// fd-target kind vfs_file. Reads/writes are offset-tracked like a real fd;
// writes replace the backing inode (never mutate it) so snapshots taken
// mid-write never observe a partial state.
type Handle struct {
	vfs      *VFS
	path     string
	offset   int64
	writable bool
}

// OpenFile returns a Handle for p. If create is set and p does not exist,
// an empty file is created (subject to the write policy). If truncate is
// set, an existing file's content is discarded first.
func (v *VFS) OpenFile(p string, writable, create, truncate bool) (*Handle, error) {
	if writable && (create || truncate) {
		if !v.Exists(p) {
			if !create {
				return nil, newErr(ENOENT, "open", p)
			}
			if err := v.WriteFile(p, nil, 0644); err != nil {
				return nil, err
			}
		} else if truncate {
			if err := v.WriteFile(p, nil, 0644); err != nil {
				return nil, err
			}
		}
	}
	n, err := v.resolve(p)
	if err != nil {
		if writable && create {
			if werr := v.WriteFile(p, nil, 0644); werr != nil {
				return nil, werr
			}
		} else {
			return nil, err
		}
	} else if n.kind == KindDir {
		return nil, newErr(EISDIR, "open", p)
	}
	return &Handle{vfs: v, path: p, writable: writable}, nil
}

func (h *Handle) Read(p []byte) (int, error) {
	data, err := h.vfs.ReadFile(h.path)
	if err != nil {
		return 0, err
	}
	if h.offset >= int64(len(data)) {
		return 0, fs.ErrClosed // sentinel meaning EOF at this layer; caller maps to 0-length read
	}
	n := copy(p, data[h.offset:])
	h.offset += int64(n)
	return n, nil
}

// ReadAt reads without EOF signaling via error, for callers (WASI fd_read)
// that want a plain zero-length result at end of file.
func (h *Handle) ReadAt() ([]byte, error) {
	data, err := h.vfs.ReadFile(h.path)
	if err != nil {
		return nil, err
	}
	if h.offset >= int64(len(data)) {
		return nil, nil
	}
	out := data[h.offset:]
	h.offset = int64(len(data))
	return out, nil
}

func (h *Handle) Write(p []byte) (int, error) {
	if !h.writable {
		return 0, wrapErr(EROFS, "write", h.path, nil)
	}
	data, err := h.vfs.ReadFile(h.path)
	if err != nil {
		return 0, err
	}
	end := h.offset + int64(len(p))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[h.offset:end], p)
	if err := h.vfs.WriteFile(h.path, data, 0644); err != nil {
		return 0, err
	}
	h.offset = end
	return len(p), nil
}

func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		h.offset = offset
	case 1:
		h.offset += offset
	case 2:
		data, err := h.vfs.ReadFile(h.path)
		if err != nil {
			return 0, err
		}
		h.offset = int64(len(data)) + offset
	}
	if h.offset < 0 {
		h.offset = 0
	}
	return h.offset, nil
}

func (h *Handle) Close() error { return nil }
