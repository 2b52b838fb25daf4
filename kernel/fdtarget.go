// Package kernel implements the sandbox's process table: pid allocation,
// per-process fd tables, spawn/waitpid, and the fd-target tagged union that
// every read/write host call dispatches through.
package kernel

import (
	"sync"

	"github.com/agentsh/sandbox/pipe"
	"github.com/agentsh/sandbox/vfs"
)

// FdKind tags the fd-target union.
type FdKind int

const (
	FdBuffer FdKind = iota
	FdStatic
	FdPipeRead
	FdPipeWrite
	FdNull
	FdVFSFile
)

// BufferTarget accumulates written bytes up to an optional cap, setting
// Truncated once the cap is hit — used for captured command-substitution
// output and for stdout/stderr capture in non-interactive runs.
type BufferTarget struct {
	mu        sync.Mutex
	data      []byte
	cap       int
	Truncated bool
}

func NewBufferTarget(cap int) *BufferTarget {
	return &BufferTarget{cap: cap}
}

func (b *BufferTarget) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap <= 0 {
		b.data = append(b.data, p...)
		return len(p), nil
	}
	room := b.cap - len(b.data)
	if room <= 0 {
		b.Truncated = true
		return len(p), nil
	}
	take := p
	if len(take) > room {
		take = take[:room]
		b.Truncated = true
	}
	b.data = append(b.data, take...)
	return len(p), nil
}

func (b *BufferTarget) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// StaticTarget is a fixed, pre-supplied byte slice a process can read from
// (its initial stdin, e.g. a heredoc or the command text of -c).
type StaticTarget struct {
	data   []byte
	offset int
}

func NewStaticTarget(data []byte) *StaticTarget {
	return &StaticTarget{data: data}
}

func (s *StaticTarget) Read(p []byte) (int, error) {
	if s.offset >= len(s.data) {
		return 0, nil
	}
	n := copy(p, s.data[s.offset:])
	s.offset += n
	return n, nil
}

// FdTarget is the union itself. Exactly one of the typed fields is set,
// matching FdKind.
type FdTarget struct {
	Kind     FdKind
	Buffer   *BufferTarget
	Static   *StaticTarget
	Pipe     *pipe.Pipe
	VFSFile  *vfs.Handle
}
