package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentsh/sandbox/pipe"
)

// GuestRunner is the seam between the kernel and whatever actually
// executes a guest program. In production it is implemented by
// wasihost.Runner (a wazero-backed WASI Preview1 host); tests supply an
// in-memory fake, since this retrieval pack ships no compiled .wasm
// binaries to run for real.
type GuestRunner interface {
	// HasTool reports whether prog names a tool this runner can execute,
	// backing the has_tool host-ABI call and the spawn capability check.
	HasTool(prog string) bool
	// Run executes prog to completion (or until ctx is done) against fds,
	// returning its exit code. It must not return before the guest has
	// finished writing to every fd it holds.
	Run(ctx context.Context, prog string, args, env []string, cwd string, fds *FdTable) (int, error)
}

// SpawnRequest describes how a child's fd table should be built: which
// parent fds (or fresh pipe endpoints) map to the child's fd 0/1/2 and
// beyond. Stdin/Stdout/Stderr of -1 means "inherit from the caller's own
// identically-numbered fd".
type SpawnRequest struct {
	Stdin, Stdout, Stderr int
	Extra                 map[int]*FdTarget
	Args                  []string
	Env                   []string
	Cwd                   string
}

// Kernel owns the process table and dispatches Spawn through a GuestRunner.
type Kernel struct {
	mu        sync.Mutex
	processes map[int]*Process
	nextPID   int
	runner    GuestRunner
	log       zerolog.Logger
}

func New(runner GuestRunner, log zerolog.Logger) *Kernel {
	return &Kernel{processes: make(map[int]*Process), nextPID: 1, runner: runner, log: log}
}

// InitProcess allocates a pid and an empty fd table for a guest that is not
// spawned through Spawn (the sandbox's long-lived shell, typically).
func (k *Kernel) InitProcess(prog string) (*Process, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pid := k.nextPID
	k.nextPID++
	proc := newProcess(pid, prog, newFdTable())
	k.processes[pid] = proc
	return proc, pid
}

// CreatePipe allocates a fresh Pipe and returns fd numbers bound to its
// read and write ends in the caller's own fd table.
func (k *Kernel) CreatePipe(callerPid int, capacity int) (readFd, writeFd int, err error) {
	proc, ok := k.process(callerPid)
	if !ok {
		return 0, 0, fmt.Errorf("kernel: unknown pid %d", callerPid)
	}
	p := pipe.New(capacity)
	readFd = proc.Fds.Alloc(&FdTarget{Kind: FdPipeRead, Pipe: p})
	writeFd = proc.Fds.Alloc(&FdTarget{Kind: FdPipeWrite, Pipe: p})
	return readFd, writeFd, nil
}

func (k *Kernel) process(pid int) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[pid]
	return p, ok
}

// BuildFdTableForSpawn assembles a child's fd table from the caller's open
// fds plus any fresh targets in req.Extra. Shared endpoints (a pipe write
// end handed to a child to be its stdout) are shared by pointer, never
// deep-cloned: closing the child's copy must be observable to the parent.
func (k *Kernel) BuildFdTableForSpawn(callerPid int, req SpawnRequest) (*FdTable, error) {
	caller, ok := k.process(callerPid)
	if !ok {
		return nil, fmt.Errorf("kernel: unknown pid %d", callerPid)
	}
	fds := newFdTable()
	assign := func(childFd, fromFd int) error {
		if fromFd < 0 {
			target, ok := caller.Fds.Get(childFd)
			if !ok {
				return nil
			}
			fds.targets[childFd] = target
			return nil
		}
		target, ok := caller.Fds.Get(fromFd)
		if !ok {
			return fmt.Errorf("kernel: caller has no fd %d", fromFd)
		}
		fds.targets[childFd] = target
		return nil
	}
	if err := assign(0, req.Stdin); err != nil {
		return nil, err
	}
	if err := assign(1, req.Stdout); err != nil {
		return nil, err
	}
	if err := assign(2, req.Stderr); err != nil {
		return nil, err
	}
	for fd, target := range req.Extra {
		fds.targets[fd] = target
	}
	fds.nextFd = 3
	for fd := range fds.targets {
		if fd >= fds.nextFd {
			fds.nextFd = fd + 1
		}
	}
	return fds, nil
}

// Spawn starts prog as a new process. If the runner does not recognize
// prog, the child is registered already-exited with code 127 (command not
// found); callers that also enforce a capability allowlist should check
// that before calling Spawn and use exit code 126 for a denied-but-known
// tool instead.
func (k *Kernel) Spawn(ctx context.Context, callerPid int, prog string, fds *FdTable, args, env []string, cwd string) (int, error) {
	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	proc := newProcess(pid, prog, fds)
	k.processes[pid] = proc
	k.mu.Unlock()

	if !k.runner.HasTool(prog) {
		proc.Exit(127)
		return pid, nil
	}

	go func() {
		code, err := k.runner.Run(ctx, prog, args, env, cwd, fds)
		if err != nil {
			k.log.Debug().Str("prog", prog).Int("pid", pid).Err(err).Msg("guest run failed")
			if code == 0 {
				code = 1
			}
		}
		proc.Exit(code)
	}()

	return pid, nil
}

// SpawnDenied registers an already-exited process with code 126, for a
// capability-table denial (tool exists but this guest isn't permitted to
// run it). It exists so denial and not-found both flow through the normal
// waitpid path with distinct, spec-mandated exit codes.
func (k *Kernel) SpawnDenied(prog string) int {
	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	proc := newProcess(pid, prog, newFdTable())
	k.processes[pid] = proc
	k.mu.Unlock()
	proc.Exit(126)
	return pid
}

// Waitpid blocks until pid has exited, or ctx is done.
func (k *Kernel) Waitpid(ctx context.Context, pid int) (int, error) {
	proc, ok := k.process(pid)
	if !ok {
		return 0, fmt.Errorf("kernel: unknown pid %d", pid)
	}
	select {
	case <-proc.done:
		code, _ := proc.ExitCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// HasTool reports whether the underlying runner can execute prog, for
// callers (like the shell's `which`) that want the answer without the
// side effects of actually spawning it.
func (k *Kernel) HasTool(prog string) bool {
	return k.runner.HasTool(prog)
}

// RegisterProcess is used by the shell driver to track its own long-lived
// process in waitpid-compatible bookkeeping.
func (k *Kernel) RegisterProcess(proc *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.processes[proc.PID] = proc
}

// CloseFd closes fd in pid's table.
func (k *Kernel) CloseFd(pid, fd int) error {
	proc, ok := k.process(pid)
	if !ok {
		return fmt.Errorf("kernel: unknown pid %d", pid)
	}
	if !proc.Fds.Close(fd) {
		return fmt.Errorf("kernel: pid %d has no fd %d", pid, fd)
	}
	return nil
}

// NewSnapshotID mints an id for a VFS snapshot or a persisted state blob.
func NewSnapshotID() string { return uuid.NewString() }

// Dispose tears down every tracked process's fd table, releasing pipes and
// unblocking anything still parked on a Read/WriteAll.
func (k *Kernel) Dispose() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, proc := range k.processes {
		proc.Fds.CloseAll()
	}
	k.processes = make(map[int]*Process)
}
