// Package shell implements Driver, the native in-process reference
// implementation of the sandbox's shell guest: the same
// read-parse-execute-write-result loop spec.md describes for a compiled
// shell-wasm guest (see the shellguest package for the real
// wazero-instantiated one), just running host-side instead of across a
// WASM boundary. A sandbox uses Driver whenever Options.ShellWasmPath is
// unset — the common case, since this retrieval pack ships no compiled
// shell-wasm binary of its own. Parsing is delegated to
// mvdan.cc/sh/v3/syntax for the AST; everything the AST does (running a
// pipeline, substituting a command's output, restoring a subshell's
// snapshot) flows through the kernel/vfs primitives in this package, the
// same primitives hostabi exposes to a real wasm guest, so both
// implementations observe identical process/fd/filesystem semantics.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/syntax"

	"github.com/agentsh/sandbox/hostabi"
	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/vfs"
)

// Options holds the shell's mutable run-control flags (set -e/-u/-x/-o
// pipefail).
type Options struct {
	Errexit  bool
	Nounset  bool
	Xtrace   bool
	Pipefail bool
}

// Result is what one RunCommand call reports back to the facade.
type Result struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
}

const (
	defaultCommandTimeout = 30 * time.Second
	defaultOutputLimit    = 1 << 20 // 1 MiB per stream
	maxCmdSubstDepth      = 50
)

// Driver is one named shell: its own pid, fd table, environment, cwd, and
// option flags. The facade keeps a table of these (spec's "named shell
// table"); create/run always use a default one named "default".
type Driver struct {
	mu sync.Mutex

	name    string
	kernel  *kernel.Kernel
	vfsRoot *vfs.VFS
	log     zerolog.Logger

	pid int
	fds *kernel.FdTable

	env           map[string]string
	cwd           string
	opts          Options
	lastRC        int
	cmdSubstDepth int
	exiting       bool
	exitCode      int

	Caps hostabi.Capabilities

	CommandTimeout time.Duration
	OutputLimit    int
}

// New creates a named shell guest. It does not spawn anything; RunCommand
// parses and executes a new command against this shell's persistent
// environment each call.
func New(name string, k *kernel.Kernel, root *vfs.VFS, env map[string]string, cwd string, log zerolog.Logger) *Driver {
	proc, pid := k.InitProcess("shell:" + name)
	k.RegisterProcess(proc)

	copied := make(map[string]string, len(env))
	for key, v := range env {
		copied[key] = v
	}

	return &Driver{
		name:           name,
		kernel:         k,
		vfsRoot:        root,
		log:            log.With().Str("shell", name).Logger(),
		pid:            pid,
		fds:            proc.Fds,
		env:            copied,
		cwd:            cwd,
		opts:           Options{Errexit: false},
		Caps:           hostabi.ShellCapabilities(),
		CommandTimeout: defaultCommandTimeout,
		OutputLimit:    defaultOutputLimit,
	}
}

func (d *Driver) SetEnv(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.env[key] = value
}

func (d *Driver) UnsetEnv(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.env, key)
}

func (d *Driver) GetEnv(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.env[key]
	return v, ok
}

func (d *Driver) Env() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.env))
	for k, v := range d.env {
		out[k] = v
	}
	return out
}

func (d *Driver) Cwd() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cwd
}

// Capabilities reports this shell's granted capability set, satisfying
// the sandbox package's shellBackend interface alongside shellguest.Guest.
func (d *Driver) Capabilities() hostabi.Capabilities { return d.Caps }

// RunCommand parses commandText and executes it to completion, capturing
// stdout/stderr into bounded buffers. A per-command deadline (30s default)
// bounds the whole call; cancellation is observed at every pipeline stage
// boundary and at every blocking pipe operation.
func (d *Driver) RunCommand(ctx context.Context, commandText string) (*Result, error) {
	parser := syntax.NewParser(syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(commandText), "")
	if err != nil {
		return &Result{ExitCode: 2, Stderr: []byte(fmt.Sprintf("parse error: %v\n", err))}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeoutOrDefault())
	defer cancel()

	stdout := kernel.NewBufferTarget(d.OutputLimit)
	stderr := kernel.NewBufferTarget(d.OutputLimit)

	stdinFd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdNull})
	stdoutFd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdBuffer, Buffer: stdout})
	stderrFd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdBuffer, Buffer: stderr})
	defer func() {
		d.fds.Forget(stdinFd)
		d.fds.Forget(stdoutFd)
		d.fds.Forget(stderrFd)
	}()

	fr := &frame{stdin: stdinFd, stdout: stdoutFd, stderr: stderrFd}

	code := d.execStmts(ctx, file.Stmts, fr)
	d.mu.Lock()
	d.lastRC = code
	d.exiting = false
	d.exitCode = 0
	d.mu.Unlock()

	return &Result{
		ExitCode:        code,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated,
		StderrTruncated: stderr.Truncated,
	}, nil
}

func (d *Driver) timeoutOrDefault() time.Duration {
	if d.CommandTimeout <= 0 {
		return defaultCommandTimeout
	}
	return d.CommandTimeout
}

// frame carries the fd numbers the current statement's stdio is bound to;
// pipeline stages and subshells each get their own frame derived from the
// enclosing one.
type frame struct {
	stdin, stdout, stderr int
}

func (d *Driver) isExiting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exiting
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// captureOutput runs commandText with stdout redirected into an in-memory
// buffer instead of the caller's fd, for command substitution. It is the
// same RunCommand machinery, just with a private frame.
func (d *Driver) captureOutput(ctx context.Context, commandText string) (string, int, error) {
	d.mu.Lock()
	d.cmdSubstDepth++
	depth := d.cmdSubstDepth
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cmdSubstDepth--
		d.mu.Unlock()
	}()
	if depth > maxCmdSubstDepth {
		return "", 1, fmt.Errorf("shell: command substitution nested too deeply")
	}

	parser := syntax.NewParser(syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(commandText), "")
	if err != nil {
		return "", 2, nil
	}

	buf := kernel.NewBufferTarget(d.OutputLimit)
	stdoutFd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdBuffer, Buffer: buf})
	stdinFd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdNull})
	stderrFd := d.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdBuffer, Buffer: kernel.NewBufferTarget(d.OutputLimit)})
	defer func() {
		d.fds.Forget(stdoutFd)
		d.fds.Forget(stdinFd)
		d.fds.Forget(stderrFd)
	}()

	fr := &frame{stdin: stdinFd, stdout: stdoutFd, stderr: stderrFd}
	code := d.execStmts(ctx, file.Stmts, fr)

	out := string(bytes.TrimRight(buf.Bytes(), "\n"))
	return out, code, nil
}
