package shell

import (
	"context"

	"mvdan.cc/sh/v3/syntax"

	"github.com/agentsh/sandbox/kernel"
)

// execStmts runs a sequence of statements in order, short-circuiting only
// on cancellation; each statement's exit code becomes $? for the next
// one's conditional (errexit) check.
func (d *Driver) execStmts(ctx context.Context, stmts []*syntax.Stmt, fr *frame) int {
	code := 0
	for _, stmt := range stmts {
		if cancelled(ctx) {
			return 130
		}
		code = d.execStmt(ctx, stmt, fr)
		d.mu.Lock()
		d.lastRC = code
		errexit := d.opts.Errexit
		d.mu.Unlock()
		if errexit && code != 0 && !stmt.Negated {
			break
		}
		if d.isExiting() {
			break
		}
	}
	return code
}

func (d *Driver) execStmt(ctx context.Context, stmt *syntax.Stmt, fr *frame) int {
	redirFr, cleanup, err := d.applyRedirs(ctx, stmt, fr)
	if err != nil {
		d.writeStderr(ctx, fr, err.Error()+"\n")
		return 1
	}
	defer cleanup()

	code := d.execCommand(ctx, stmt.Cmd, redirFr)
	if stmt.Negated {
		if code == 0 {
			return 1
		}
		return 0
	}
	return code
}

func (d *Driver) execCommand(ctx context.Context, cmd syntax.Command, fr *frame) int {
	if cancelled(ctx) {
		return 130
	}
	switch c := cmd.(type) {
	case *syntax.CallExpr:
		return d.execCallExpr(ctx, c, fr)
	case *syntax.BinaryCmd:
		return d.execBinaryCmd(ctx, c, fr)
	case *syntax.Block:
		return d.execStmts(ctx, c.Stmts, fr)
	case *syntax.Subshell:
		return d.execSubshell(ctx, c, fr)
	case *syntax.IfClause:
		return d.execIfClause(ctx, c, fr)
	case *syntax.WhileClause:
		return d.execWhileClause(ctx, c, fr)
	default:
		d.writeStderr(ctx, fr, "shell: unsupported construct\n")
		return 2
	}
}

func (d *Driver) execBinaryCmd(ctx context.Context, c *syntax.BinaryCmd, fr *frame) int {
	switch c.Op {
	case syntax.AndStmt:
		left := d.execStmt(ctx, c.X, fr)
		if left != 0 || d.isExiting() {
			return left
		}
		return d.execStmt(ctx, c.Y, fr)
	case syntax.OrStmt:
		left := d.execStmt(ctx, c.X, fr)
		if left == 0 || d.isExiting() {
			return left
		}
		return d.execStmt(ctx, c.Y, fr)
	case syntax.Pipe, syntax.PipeAll:
		stages := flattenPipeline(c)
		return d.execPipeline(ctx, stages, fr)
	default:
		return 2
	}
}

// flattenPipeline turns the left-leaning BinaryCmd{Pipe} chain mvdan
// parses "a | b | c" into into an ordered list of stages [a, b, c].
func flattenPipeline(c *syntax.BinaryCmd) []*syntax.Stmt {
	var stages []*syntax.Stmt
	var walk func(stmt *syntax.Stmt)
	walk = func(stmt *syntax.Stmt) {
		if bc, ok := stmt.Cmd.(*syntax.BinaryCmd); ok && (bc.Op == syntax.Pipe || bc.Op == syntax.PipeAll) {
			walk(bc.X)
			stages = append(stages, bc.Y)
			return
		}
		stages = append(stages, stmt)
	}
	walk(c.X)
	stages = append(stages, c.Y)
	return stages
}

func (d *Driver) execSubshell(ctx context.Context, c *syntax.Subshell, fr *frame) int {
	snapID := kernel.NewSnapshotID()
	d.vfsRoot.Snapshot(snapID)
	defer d.vfsRoot.DeleteSnapshot(snapID)

	savedEnv := d.Env()
	savedCwd := d.Cwd()

	code := d.execStmts(ctx, c.Stmts, fr)

	if err := d.vfsRoot.Restore(snapID); err != nil {
		d.log.Debug().Err(err).Msg("subshell restore failed")
	}
	d.mu.Lock()
	d.env = savedEnv
	d.cwd = savedCwd
	// exit inside "( ... )" only ends the subshell, not the enclosing script.
	d.exiting = false
	d.mu.Unlock()

	return code
}

func (d *Driver) execIfClause(ctx context.Context, c *syntax.IfClause, fr *frame) int {
	cond := d.execStmts(ctx, c.Cond, fr)
	if cond == 0 {
		return d.execStmts(ctx, c.Then, fr)
	}
	if c.Else == nil {
		return 0
	}
	if len(c.Else.Cond) == 0 {
		return d.execStmts(ctx, c.Else.Then, fr)
	}
	return d.execIfClause(ctx, c.Else, fr)
}

func (d *Driver) execWhileClause(ctx context.Context, c *syntax.WhileClause, fr *frame) int {
	code := 0
	for {
		if cancelled(ctx) {
			return 130
		}
		if d.isExiting() {
			break
		}
		cond := d.execStmts(ctx, c.Cond, fr)
		match := cond == 0
		if c.Until {
			match = cond != 0
		}
		if !match {
			break
		}
		code = d.execStmts(ctx, c.Do, fr)
	}
	return code
}

// writeFd dispatches a write to whatever fr's fd currently targets: a
// captured buffer, a pipe (suspending until accepted, per WriteAll's
// contract), a VFS file, or nowhere at all for /dev/null. Builtins and the
// interpreter's own diagnostics share this path so a builtin's stdout can
// be the write end of a pipeline stage just as well as the final capture
// buffer.
func (d *Driver) writeFd(ctx context.Context, fd int, data []byte) error {
	target, ok := d.fds.Get(fd)
	if !ok {
		return nil
	}
	switch target.Kind {
	case kernel.FdBuffer:
		target.Buffer.Write(data)
		return nil
	case kernel.FdPipeWrite:
		_, err := target.Pipe.WriteAll(ctx, data)
		return err
	case kernel.FdVFSFile:
		_, err := target.VFSFile.Write(data)
		return err
	default:
		return nil
	}
}

func (d *Driver) writeStderr(ctx context.Context, fr *frame, s string) {
	d.writeFd(ctx, fr.stderr, []byte(s))
}

