package shell

import (
	"context"
	"sync"

	"mvdan.cc/sh/v3/syntax"

	"github.com/agentsh/sandbox/hostabi"
	"github.com/agentsh/sandbox/kernel"
)

// execCallExpr dispatches one simple command: a bare assignment list persists
// to the shell's own environment, otherwise the first expanded word is
// looked up as a builtin and failing that spawned as an external guest
// through the kernel, with any leading NAME=value words passed as
// command-scoped environment only (not persisted).
func (d *Driver) execCallExpr(ctx context.Context, c *syntax.CallExpr, fr *frame) int {
	if len(c.Args) == 0 {
		for _, assign := range c.Assigns {
			if err := d.applyAssign(ctx, assign, fr); err != nil {
				d.writeStderr(ctx, fr, err.Error()+"\n")
				return 1
			}
		}
		return 0
	}

	args, err := d.expandWords(ctx, c.Args, fr)
	if err != nil {
		d.writeStderr(ctx, fr, err.Error()+"\n")
		return 1
	}
	if len(args) == 0 {
		return 0
	}
	name, rest := args[0], args[1:]

	if fn, ok := builtins[name]; ok {
		return fn(ctx, d, rest, fr)
	}

	if !d.Caps.Has(hostabi.CapSpawn) {
		d.writeStderr(ctx, fr, name+": permission denied\n")
		return 126
	}

	tempEnv := make(map[string]string, len(c.Assigns))
	for _, assign := range c.Assigns {
		val := ""
		if assign.Value != nil {
			v, verr := d.expandWord(ctx, assign.Value, fr)
			if verr != nil {
				d.writeStderr(ctx, fr, verr.Error()+"\n")
				return 1
			}
			val = v
		}
		tempEnv[assign.Name.Value] = val
	}

	req := kernel.SpawnRequest{
		Stdin:  fr.stdin,
		Stdout: fr.stdout,
		Stderr: fr.stderr,
		Args:   args,
		Env:    d.envSlice(tempEnv),
		Cwd:    d.Cwd(),
	}
	fds, err := d.kernel.BuildFdTableForSpawn(d.pid, req)
	if err != nil {
		d.writeStderr(ctx, fr, err.Error()+"\n")
		return 1
	}

	pid, err := d.kernel.Spawn(ctx, d.pid, name, fds, req.Args, req.Env, req.Cwd)
	if err != nil {
		d.writeStderr(ctx, fr, err.Error()+"\n")
		return 1
	}

	code, err := d.kernel.Waitpid(ctx, pid)
	if err != nil {
		if ctx.Err() != nil {
			return 124
		}
		d.writeStderr(ctx, fr, err.Error()+"\n")
		return 1
	}
	return code
}

func (d *Driver) applyAssign(ctx context.Context, assign *syntax.Assign, fr *frame) error {
	val := ""
	if assign.Value != nil {
		v, err := d.expandWord(ctx, assign.Value, fr)
		if err != nil {
			return err
		}
		val = v
	}
	d.SetEnv(assign.Name.Value, val)
	return nil
}

// envSlice renders the shell's persistent environment plus any per-command
// overrides as "KEY=VALUE" pairs for a spawned guest's environ_get.
func (d *Driver) envSlice(extra map[string]string) []string {
	env := d.Env()
	for k, v := range extra {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// execPipeline runs each stage concurrently, splicing a fresh kernel pipe
// between every adjacent pair. A stage's own fd bookkeeping (a spawned
// guest's exit, which closes its fd table) already terminates the pipe ends
// it held; the explicit Close calls here cover the builtin case, where no
// process exit does that for us, and ensure an early-exiting downstream
// stage sends EPIPE upstream rather than leaving a producer blocked forever.
func (d *Driver) execPipeline(ctx context.Context, stages []*syntax.Stmt, fr *frame) int {
	n := len(stages)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return d.execStmt(ctx, stages[0], fr)
	}

	stageFrames := make([]*frame, n)
	for i := range stageFrames {
		stageFrames[i] = &frame{stdin: fr.stdin, stdout: fr.stdout, stderr: fr.stderr}
	}
	for i := 0; i < n-1; i++ {
		readFd, writeFd, err := d.kernel.CreatePipe(d.pid, 0)
		if err != nil {
			d.writeStderr(ctx, fr, err.Error()+"\n")
			return 1
		}
		stageFrames[i].stdout = writeFd
		stageFrames[i+1].stdin = readFd
	}

	codes := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			codes[i] = d.execStmt(ctx, stages[i], stageFrames[i])
			if i < n-1 {
				d.fds.Close(stageFrames[i].stdout)
			}
			if i > 0 {
				d.fds.Close(stageFrames[i].stdin)
			}
		}()
	}
	wg.Wait()

	d.mu.Lock()
	pipefail := d.opts.Pipefail
	d.mu.Unlock()
	if pipefail {
		last := 0
		for _, c := range codes {
			if c != 0 {
				last = c
			}
		}
		return last
	}
	return codes[n-1]
}
