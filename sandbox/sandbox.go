// Package sandbox is the public facade: create a sandbox, run shell
// commands against it, touch its virtual filesystem and environment, and
// export/import its durable state. Everything underneath (vfs, kernel,
// wasihost, hostabi, shell, netbridge, state) is an implementation detail
// a caller never imports directly, the way the teacher's own sandbox
// package is the only thing its backends import.
package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/agentsh/sandbox/hostabi"
	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/netbridge"
	"github.com/agentsh/sandbox/shell"
	"github.com/agentsh/sandbox/shellguest"
	"github.com/agentsh/sandbox/state"
	"github.com/agentsh/sandbox/vfs"
	"github.com/agentsh/sandbox/wasihost"
)

const defaultShellName = "default"

// HostMount binds a real host directory into the sandbox's VFS at MountPath.
type HostMount struct {
	HostPath  string
	MountPath string
	Writable  bool
}

// Options configures a sandbox at creation time. Zero values fall back to
// the spec's stated defaults (30s timeout, 256 MiB fs limit).
type Options struct {
	WasmDirectory  string
	Timeout        time.Duration
	FSLimitBytes   int64
	FSLimitEntries int64
	AllowedHosts   []string
	AllowedMethods []string
	HostMounts     []HostMount
	Env            map[string]string
	Log            zerolog.Logger

	// ShellWasmPath, if set, is a compiled shell-wasm module implementing
	// the read_command/write_result session loop (see package shellguest);
	// every named shell in this sandbox is instantiated from it instead of
	// the native shell.Driver reference implementation. Optional: this
	// retrieval pack ships no compiled shell-wasm binary of its own, so an
	// unset path is the common case and falls back to shell.Driver.
	ShellWasmPath string
	// PlatformAdapter selects the virtual /dev and /proc surface a guest
	// sees. Only "" and "linux" (the default device/proc layout) are
	// implemented; any other value is rejected by New.
	PlatformAdapter string
	// Packages lists tool names create(options) expects to find already
	// compiled under WasmDirectory. New logs (but does not fail on) any
	// name missing from the directory, since package fetching itself is
	// out of scope — this only turns a silent 127 at first use into an
	// earlier, named diagnostic.
	Packages []string
}

func (o Options) timeoutOrDefault() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

func (o Options) fsLimitOrDefault() int64 {
	if o.FSLimitBytes <= 0 {
		return 256 << 20
	}
	return o.FSLimitBytes
}

// ErrDestroyed is returned by every facade method called after Destroy.
var ErrDestroyed = fmt.Errorf("sandbox: destroyed")

// RunResult is what Run reports back to the caller.
type RunResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	ExecutionTimeMs int64
	Truncated       bool
}

// shellBackend is satisfied by shell.Driver (the native in-process
// reference shell guest) and shellguest.Guest (a real wazero-instantiated
// shell-wasm guest), letting the named shell table hold either depending
// on whether Options.ShellWasmPath is set.
type shellBackend interface {
	RunCommand(ctx context.Context, commandText string) (*shell.Result, error)
	SetEnv(key, value string)
	GetEnv(key string) (string, bool)
	Env() map[string]string
	Capabilities() hostabi.Capabilities
}

// Sandbox is one isolated instance: its own VFS, process kernel, wazero
// runtime, network bridge, and table of named long-lived shells.
type Sandbox struct {
	mu sync.Mutex

	id  string
	log zerolog.Logger
	opts Options

	vfsRoot *vfs.VFS
	kernel  *kernel.Kernel
	runtime wazero.Runtime
	tools   *wasihost.ToolCache
	runner  *wasihost.Runner
	bridge  *netbridge.Bridge

	shells map[string]shellBackend

	tracerShutdown func(context.Context) error

	writablePrefixes []string
	envSnapshots     map[string]map[string]string
	destroyed        bool
}

// New constructs a sandbox: seeds the default rootfs, mounts /dev and
// /proc, compiles the wazero runtime and WASI Preview1 host module, and
// starts the default named shell. It does not run anything.
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	log := opts.Log

	switch opts.PlatformAdapter {
	case "", "linux":
	default:
		return nil, fmt.Errorf("sandbox: unsupported platform adapter %q", opts.PlatformAdapter)
	}

	v := vfs.New(vfs.Limits{MaxBytes: opts.fsLimitOrDefault(), MaxEntries: opts.FSLimitEntries}, log)
	if err := vfs.DefaultLayout(v); err != nil {
		return nil, fmt.Errorf("sandbox: seed rootfs: %w", err)
	}
	writable := []string{"/tmp", "/var/tmp", "/var/log", "/home", "/root"}
	for _, p := range writable {
		v.MarkWritable(p)
	}
	v.Mount("/dev", vfs.DeviceFS{})
	v.Mount("/proc", vfs.NewProcFS())

	for _, m := range opts.HostMounts {
		v.Mount(m.MountPath, vfs.NewHostFS(m.HostPath, m.Writable))
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}

	tools := wasihost.NewToolCache(rt, opts.WasmDirectory)
	runner := wasihost.NewRunner(rt, tools, v, log)
	for _, name := range opts.Packages {
		if !tools.Has(name) {
			log.Debug().Str("tool", name).Msg("package not found under wasm directory")
		}
	}

	policy := netbridge.Policy{AllowedHosts: opts.AllowedHosts, AllowedMethods: opts.AllowedMethods}
	bridge := netbridge.New(policy, log)

	k := kernel.New(runner, log)

	env := make(map[string]string, len(opts.Env)+1)
	for key, val := range opts.Env {
		env[key] = val
	}
	if _, ok := env["HOME"]; !ok {
		env["HOME"] = "/root"
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}

	var defaultShell shellBackend
	if opts.ShellWasmPath != "" {
		g, err := newWasmShell(ctx, opts.ShellWasmPath, k, v, bridge, runner, env, defaultShellName, opts.timeoutOrDefault())
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("sandbox: start shell guest: %w", err)
		}
		defaultShell = g
	} else {
		d := shell.New(defaultShellName, k, v, env, "/root", log)
		d.CommandTimeout = opts.timeoutOrDefault()
		defaultShell = d
	}

	id := uuid.NewString()
	tracerShutdown := initTracing(id)

	sb := &Sandbox{
		id:               id,
		log:              log.With().Str("sandbox", id).Logger(),
		opts:             opts,
		vfsRoot:          v,
		kernel:           k,
		runtime:          rt,
		tools:            tools,
		runner:           runner,
		bridge:           bridge,
		shells:           map[string]shellBackend{defaultShellName: defaultShell},
		tracerShutdown:   tracerShutdown,
		writablePrefixes: writable,
		envSnapshots:     make(map[string]map[string]string),
	}
	return sb, nil
}

// newWasmShell starts a named shell backed by a real shell-wasm guest: its
// own kernel process/fd table (the same bookkeeping shell.New gives the
// native Driver), a fresh hostabi.Host scoped to that process, and the
// session loop shellguest.New kicks off. env is seeded into the guest by
// issuing export commands through its read_command/write_result mailbox,
// since there is no host-ABI call for mutating guest-resident state
// directly.
func newWasmShell(ctx context.Context, wasmPath string, k *kernel.Kernel, v *vfs.VFS, bridge *netbridge.Bridge, runner kernel.GuestRunner, env map[string]string, name string, timeout time.Duration) (*shellguest.Guest, error) {
	proc, pid := k.InitProcess("shell:" + name)
	k.RegisterProcess(proc)

	h := &hostabi.Host{
		Kernel:    k,
		VFS:       v,
		Net:       bridge,
		Runner:    runner,
		Caps:      hostabi.ShellCapabilities(),
		CallerPid: pid,
	}
	g, err := shellguest.New(ctx, wasmPath, h)
	if err != nil {
		return nil, err
	}
	g.CommandTimeout = timeout
	for key, val := range env {
		g.SetEnv(key, val)
	}
	return g, nil
}

// ID returns the sandbox's session id, minted once at creation.
func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) checkAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	return nil
}

// Run executes commandText through the default named shell.
func (s *Sandbox) Run(ctx context.Context, commandText string) (*RunResult, error) {
	return s.RunIn(ctx, defaultShellName, commandText)
}

// RunIn executes commandText through the named shell, creating it (with
// the sandbox's default environment and /root cwd) if it does not yet
// exist — the facade's "named shell table" from spec §4.7.
func (s *Sandbox) RunIn(ctx context.Context, shellName, commandText string) (*RunResult, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	d := s.namedShell(ctx, shellName)

	start := time.Now()
	res, err := d.RunCommand(ctx, commandText)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("sandbox: run: %w", err)
	}
	return &RunResult{
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Truncated:       res.StdoutTruncated || res.StderrTruncated,
	}, nil
}

// namedShell returns the named shell, creating it (with the default
// shell's current environment and /root cwd) if it does not yet exist —
// the facade's "named shell table" from spec §4.7. A shell-wasm-backed
// sandbox tries to start another guest instance; if that fails, it falls
// back to the native shell.Driver rather than failing the whole call,
// since a single guest's startup failure shouldn't take down every other
// named shell.
func (s *Sandbox) namedShell(ctx context.Context, name string) shellBackend {
	if name == "" {
		name = defaultShellName
	}
	s.mu.Lock()
	if d, ok := s.shells[name]; ok {
		s.mu.Unlock()
		return d
	}
	env := s.shells[defaultShellName].Env()
	s.mu.Unlock()

	var d shellBackend
	if s.opts.ShellWasmPath != "" {
		g, err := newWasmShell(ctx, s.opts.ShellWasmPath, s.kernel, s.vfsRoot, s.bridge, s.runner, env, name, s.opts.timeoutOrDefault())
		if err != nil {
			s.log.Debug().Err(err).Str("shell", name).Msg("shell guest start failed, falling back to native driver")
			d = nil
		} else {
			d = g
		}
	}
	if d == nil {
		nd := shell.New(name, s.kernel, s.vfsRoot, env, "/root", s.log)
		nd.CommandTimeout = s.opts.timeoutOrDefault()
		d = nd
	}

	s.mu.Lock()
	if existing, ok := s.shells[name]; ok {
		s.mu.Unlock()
		return existing
	}
	s.shells[name] = d
	s.mu.Unlock()
	return d
}

// ReadFile reads a file from the sandbox's virtual filesystem.
func (s *Sandbox) ReadFile(p string) ([]byte, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	return s.vfsRoot.ReadFile(p)
}

// WriteFile writes a file to the sandbox's virtual filesystem.
func (s *Sandbox) WriteFile(p string, data []byte, perm fs.FileMode) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	return s.vfsRoot.WriteFile(p, data, perm)
}

// ReadDir lists a directory's entries.
func (s *Sandbox) ReadDir(p string) ([]vfs.DirEntry, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	return s.vfsRoot.ReadDir(p)
}

// Mkdir creates a directory (and, per vfs.MkdirAll, its missing parents).
func (s *Sandbox) Mkdir(p string, perm fs.FileMode) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	return s.vfsRoot.MkdirAll(p, perm)
}

// Stat returns metadata for p, following a trailing symlink.
func (s *Sandbox) Stat(p string) (vfs.Info, error) {
	if err := s.checkAlive(); err != nil {
		return vfs.Info{}, err
	}
	return s.vfsRoot.Stat(p)
}

// Rm removes a file, or a directory via Rmdir semantics if p is one.
func (s *Sandbox) Rm(p string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	info, err := s.vfsRoot.Lstat(p)
	if err != nil {
		return err
	}
	if info.IsDir {
		return s.vfsRoot.Rmdir(p)
	}
	return s.vfsRoot.Remove(p)
}

// GetEnv reads a variable from the default shell's environment.
func (s *Sandbox) GetEnv(key string) (string, bool) {
	s.mu.Lock()
	d := s.shells[defaultShellName]
	s.mu.Unlock()
	return d.GetEnv(key)
}

// SetEnv sets a variable in the default shell's environment.
func (s *Sandbox) SetEnv(key, value string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.mu.Lock()
	d := s.shells[defaultShellName]
	s.mu.Unlock()
	d.SetEnv(key, value)
	return nil
}

// ExportState serializes the sandbox's writable filesystem contents plus
// its default shell's environment into the versioned state blob format.
func (s *Sandbox) ExportState() ([]byte, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	d := s.shells[defaultShellName]
	prefixes := append([]string(nil), s.writablePrefixes...)
	s.mu.Unlock()
	return state.Export(s.vfsRoot, prefixes, d.Env())
}

// ImportState restores a previously exported blob: filesystem entries
// under the sandbox's writable prefixes, and the default shell's
// environment.
func (s *Sandbox) ImportState(blob []byte) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.mu.Lock()
	d := s.shells[defaultShellName]
	prefixes := append([]string(nil), s.writablePrefixes...)
	s.mu.Unlock()

	env, err := state.Import(s.vfsRoot, blob, prefixes)
	if err != nil {
		return err
	}
	for k, v := range env {
		d.SetEnv(k, v)
	}
	return nil
}

// Snapshot saves the current VFS tree and default shell's environment
// under a freshly minted id, for a later Restore. Unlike ExportState, the
// snapshot is cheap (directory spine only, copy-on-write) and lives only
// as long as this Sandbox.
func (s *Sandbox) Snapshot() (string, error) {
	if err := s.checkAlive(); err != nil {
		return "", err
	}
	id := kernel.NewSnapshotID()
	s.vfsRoot.Snapshot(id)
	s.mu.Lock()
	s.envSnapshots[id] = s.shells[defaultShellName].Env()
	s.mu.Unlock()
	return id, nil
}

// Restore replaces the live VFS tree and default shell's environment with
// the state captured by a prior Snapshot call.
func (s *Sandbox) Restore(id string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if err := s.vfsRoot.Restore(id); err != nil {
		return err
	}
	s.mu.Lock()
	env, ok := s.envSnapshots[id]
	d := s.shells[defaultShellName]
	s.mu.Unlock()
	if ok {
		for k, v := range env {
			d.SetEnv(k, v)
		}
	}
	return nil
}

// DeleteSnapshot discards a snapshot taken by Snapshot, freeing it.
func (s *Sandbox) DeleteSnapshot(id string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.vfsRoot.DeleteSnapshot(id)
	s.mu.Lock()
	delete(s.envSnapshots, id)
	s.mu.Unlock()
	return nil
}

// Fork creates a brand-new, independent Sandbox seeded with this one's
// current filesystem and environment (via the same state blob ExportState
// produces), the way a forked guest in the original system keeps the
// parent's in-memory state but runs as its own process from then on.
func (s *Sandbox) Fork(ctx context.Context) (*Sandbox, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	blob, err := s.ExportState()
	if err != nil {
		return nil, fmt.Errorf("sandbox: fork: %w", err)
	}
	child, err := New(ctx, s.opts)
	if err != nil {
		return nil, fmt.Errorf("sandbox: fork: %w", err)
	}
	if err := child.ImportState(blob); err != nil {
		child.Destroy(ctx)
		return nil, fmt.Errorf("sandbox: fork: %w", err)
	}
	return child, nil
}

// Fetch performs a network_fetch through the sandbox's domain-allowlisted
// bridge — exposed on the facade for callers (and a future network-capable
// guest) that want it outside the shell's own builtin surface.
func (s *Sandbox) Fetch(ctx context.Context, req netbridge.FetchRequest) (*netbridge.FetchResponse, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	return s.bridge.Fetch(ctx, req)
}

// Capabilities returns the capability set granted to a named shell,
// letting a caller check spawn/network/etc. gating without reaching into
// hostabi directly.
func (s *Sandbox) Capabilities(ctx context.Context, shellName string) hostabi.Capabilities {
	return s.namedShell(ctx, shellName).Capabilities()
}

// Destroy tears down every tracked process's fd table and closes the
// wazero runtime. Every other facade method fails with ErrDestroyed
// afterward.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	shells := s.shells
	s.mu.Unlock()

	for name, d := range shells {
		if c, ok := d.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil {
				s.log.Debug().Str("shell", name).Err(err).Msg("shell guest close failed")
			}
		}
	}

	s.kernel.Dispose()
	if err := s.tracerShutdown(ctx); err != nil {
		s.log.Debug().Err(err).Msg("tracer shutdown failed")
	}
	return s.runtime.Close(ctx)
}
