// Package state implements the sandbox's persisted-state blob: a small
// binary envelope (magic, version, CRC32) wrapping a JSON payload of the
// VFS's writable contents plus the guest environment, so a sandbox can be
// exported and later rehydrated without replaying every command.
package state

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/agentsh/sandbox/vfs"
)

var magic = [4]byte{'A', 'S', 'B', '1'}

const (
	version1 uint32 = 1
	version2 uint32 = 2
)

// CurrentVersion is the version this package writes; Import accepts 1 and
// 2 (version 1 blobs have no CRC32 and are trusted as-is).
const CurrentVersion = version2

// EntryType tags one exported filesystem entry.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

type entry struct {
	Path        string    `json:"path"`
	Type        EntryType `json:"type"`
	Data        string    `json:"data,omitempty"`
	Permissions uint32    `json:"permissions"`
}

type payload struct {
	Entries []entry           `json:"entries"`
	Env     map[string]string `json:"env"`
}

// Export walks every writable-prefix path under root (skipping mounted
// virtual providers and symlinks, per spec) and serializes the result into
// the versioned blob format:
//
//	[0:4]   magic "ASB1"
//	[4:8]   version, little-endian uint32
//	[8:12]  CRC32(IEEE) of the JSON payload, little-endian uint32 (v2+)
//	[12:]   UTF-8 JSON payload
func Export(root *vfs.VFS, writablePrefixes []string, env map[string]string) ([]byte, error) {
	var entries []entry
	seen := make(map[string]bool)
	for _, prefix := range writablePrefixes {
		if err := walkExport(root, prefix, seen, &entries); err != nil {
			return nil, err
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	p := payload{Entries: entries, Env: env}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("state: marshal payload: %w", err)
	}

	out := make([]byte, 12+len(body))
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint32(out[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(out[8:12], crc32.ChecksumIEEE(body))
	copy(out[12:], body)
	return out, nil
}

func walkExport(root *vfs.VFS, p string, seen map[string]bool, out *[]entry) error {
	if seen[p] {
		return nil
	}
	seen[p] = true

	info, err := root.Lstat(p)
	if err != nil {
		if k, ok := vfs.KindOf(err); ok && k == vfs.ENOENT {
			return nil
		}
		return err
	}

	if info.Mode&fs.ModeSymlink != 0 {
		// symlink: export omits symlinks entirely, per spec.
		return nil
	}

	if info.IsDir {
		*out = append(*out, entry{Path: p, Type: EntryDir, Permissions: uint32(info.Mode.Perm())})
		children, err := root.ReadDir(p)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walkExport(root, path.Join(p, c.Name), seen, out); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := root.ReadFile(p)
	if err != nil {
		return err
	}
	*out = append(*out, entry{
		Path:        p,
		Type:        EntryFile,
		Data:        base64.StdEncoding.EncodeToString(data),
		Permissions: uint32(info.Mode.Perm()),
	})
	return nil
}

// Import validates and applies blob against root, restricted to paths
// under allowedPrefixes. Directories are created depth-first before any
// file write, and permissions are applied only after every write
// succeeds, matching the spec's three-phase apply.
func Import(root *vfs.VFS, blob []byte, allowedPrefixes []string) (map[string]string, error) {
	if len(blob) < 12 {
		return nil, &CorruptedError{Reason: "blob shorter than header"}
	}
	if [4]byte{blob[0], blob[1], blob[2], blob[3]} != magic {
		return nil, &CorruptedError{Reason: "bad magic"}
	}
	ver := binary.LittleEndian.Uint32(blob[4:8])

	var body []byte
	switch ver {
	case version1:
		body = blob[8:]
	case version2:
		wantCRC := binary.LittleEndian.Uint32(blob[8:12])
		body = blob[12:]
		if crc32.ChecksumIEEE(body) != wantCRC {
			return nil, &CorruptedError{Reason: "crc32 mismatch"}
		}
	default:
		return nil, &CorruptedError{Reason: fmt.Sprintf("unsupported version %d", ver)}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &CorruptedError{Reason: "invalid json payload", Err: err}
	}

	allowed := func(pth string) bool {
		for _, prefix := range allowedPrefixes {
			if pth == prefix || strings.HasPrefix(pth, prefix+"/") {
				return true
			}
		}
		return false
	}

	var dirs, files []entry
	for _, e := range p.Entries {
		if !allowed(e.Path) {
			continue
		}
		if e.Type == EntryDir {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return strings.Count(dirs[i].Path, "/") < strings.Count(dirs[j].Path, "/") })

	err := root.WithWriteAccess(func() error {
		for _, d := range dirs {
			if err := root.MkdirAll(d.Path, 0755); err != nil {
				return err
			}
		}
		for _, f := range files {
			data, derr := base64.StdEncoding.DecodeString(f.Data)
			if derr != nil {
				return &CorruptedError{Reason: "invalid base64 for " + f.Path, Err: derr}
			}
			if err := root.WriteFile(f.Path, data, 0644); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.Env, nil
}

// CorruptedError is state's closed error kind for a blob that fails
// structural validation (bad magic, bad version, bad CRC, bad JSON).
type CorruptedError struct {
	Reason string
	Err    error
}

func (e *CorruptedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state: corrupted blob: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("state: corrupted blob: %s", e.Reason)
}
func (e *CorruptedError) Unwrap() error  { return e.Err }
func (e *CorruptedError) ErrKind() string { return "CorruptedState" }
