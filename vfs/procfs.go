package vfs

import (
	"fmt"
	"io/fs"
	"time"
)

// ProcFS backs /proc with a handful of read-only process-info files. Writes
// always fail EROFS; there is no real kernel behind it to reflect them to.
type ProcFS struct {
	started time.Time
}

func NewProcFS() *ProcFS {
	return &ProcFS{started: time.Now()}
}

func (p *ProcFS) ReadFile(subpath string) ([]byte, error) {
	switch subpath {
	case "uptime":
		secs := time.Since(p.started).Seconds()
		return []byte(fmt.Sprintf("%.2f %.2f\n", secs, secs)), nil
	case "version":
		return []byte("agentsh-sandbox version 1 (in-process)\n"), nil
	case "cpuinfo":
		return []byte("processor\t: 0\nmodel name\t: agentsh virtual cpu\n"), nil
	case "meminfo":
		return []byte("MemTotal:        262144 kB\nMemFree:         131072 kB\n"), nil
	}
	return nil, newErr(ENOENT, "readFile", subpath)
}

func (p *ProcFS) WriteFile(subpath string, data []byte) error {
	return wrapErr(EROFS, "writeFile", subpath, nil)
}

func (p *ProcFS) Exists(subpath string) bool {
	switch subpath {
	case "", "uptime", "version", "cpuinfo", "meminfo":
		return true
	}
	return false
}

func (p *ProcFS) Stat(subpath string) (Info, error) {
	if subpath == "" {
		return Info{Name: "proc", IsDir: true, Mode: fs.ModeDir | 0555, ModTime: p.started}, nil
	}
	if !p.Exists(subpath) {
		return Info{}, newErr(ENOENT, "stat", subpath)
	}
	return Info{Name: subpath, Mode: 0444, ModTime: p.started}, nil
}

func (p *ProcFS) ReadDir(subpath string) ([]DirEntry, error) {
	if subpath != "" {
		return nil, newErr(ENOTDIR, "readDir", subpath)
	}
	names := []string{"cpuinfo", "meminfo", "uptime", "version"}
	entries := make([]DirEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, DirEntry{Name: n, mode: 0444, modTime: p.started})
	}
	return entries, nil
}
