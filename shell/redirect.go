package shell

import (
	"context"

	"mvdan.cc/sh/v3/syntax"

	"github.com/agentsh/sandbox/kernel"
)

// applyRedirs opens any file redirections on stmt against the VFS and
// returns a frame with the affected fd(s) replaced, plus a cleanup that
// releases the driver's own references to those fds once the statement
// finishes (Forget, not Close — the underlying vfs.Handle has no shared
// owner to protect, so either works, but Forget keeps the pattern
// consistent with how pipe endpoints are handled elsewhere).
func (d *Driver) applyRedirs(ctx context.Context, stmt *syntax.Stmt, fr *frame) (*frame, func(), error) {
	if len(stmt.Redirs) == 0 {
		return fr, func() {}, nil
	}
	next := *fr
	var opened []int

	cleanup := func() {
		for _, fd := range opened {
			d.fds.Forget(fd)
		}
	}

	for _, r := range stmt.Redirs {
		word, err := d.expandWord(ctx, r.Word, fr)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		path := resolvePath(d.Cwd(), word)

		switch r.Op {
		case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll:
			truncate := r.Op == syntax.RdrOut || r.Op == syntax.RdrAll
			h, err := d.vfsRoot.OpenFile(path, true, true, truncate)
			if err != nil {
				cleanup()
				return nil, func() {}, err
			}
			if !truncate {
				h.Seek(0, 2)
			}
			fd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdVFSFile, VFSFile: h})
			opened = append(opened, fd)
			next.stdout = fd
			if r.Op == syntax.RdrAll || r.Op == syntax.AppAll {
				next.stderr = fd
			}
		case syntax.RdrIn:
			h, err := d.vfsRoot.OpenFile(path, false, false, false)
			if err != nil {
				cleanup()
				return nil, func() {}, err
			}
			fd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdVFSFile, VFSFile: h})
			opened = append(opened, fd)
			next.stdin = fd
		}
	}

	return &next, cleanup, nil
}
