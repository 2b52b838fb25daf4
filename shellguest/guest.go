// Package shellguest instantiates a compiled shell-wasm module as a real
// wazero guest, once per named shell session, and drives it through the
// host-ABI read_command/write_result mailbox hostabi registers. This is
// the spec-mandated shape for the shell guest ("instantiated once per
// session and loops: read command -> parse -> execute AST -> write
// result. All shell state lives in the guest's memory"), as opposed to
// shell.Driver, which plays the same role natively in Go and is used
// whenever no shell-wasm binary is configured.
package shellguest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/agentsh/sandbox/hostabi"
	"github.com/agentsh/sandbox/shell"
)

// Guest is one named shell backed by a real WASM module. It owns a
// dedicated wazero.Runtime (rather than sharing the sandbox's coreutil
// runtime) so its "agentsh" host module namespace never collides with
// another named shell's.
const defaultCommandTimeout = 30 * time.Second

type Guest struct {
	rt      wazero.Runtime
	session *hostabi.ShellSession
	caps    hostabi.Capabilities

	// CommandTimeout bounds a single RunCommand call, mirroring
	// shell.Driver.CommandTimeout. Zero means defaultCommandTimeout.
	CommandTimeout time.Duration

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New compiles and instantiates wasmPath against h, which must already
// carry Kernel/VFS/Net/Runner/Caps/CallerPid for the shell's own process.
// h.Session is overwritten with a fresh hostabi.ShellSession; h.Deadline
// is left to the caller (a zero value means no deadline, matching a
// session's unbounded lifetime as opposed to one command's timeout).
func New(ctx context.Context, wasmPath string, h *hostabi.Host) (*Guest, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("shellguest: instantiate wasi: %w", err)
	}

	code, err := os.ReadFile(wasmPath)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("shellguest: read %s: %w", wasmPath, err)
	}
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("shellguest: compile %s: %w", wasmPath, err)
	}

	session := hostabi.NewShellSession()
	h.Session = session
	buildCtx, err := hostabi.Build(ctx, rt, h)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("shellguest: build host abi: %w", err)
	}

	g := &Guest{rt: rt, session: session, caps: h.Caps, done: make(chan struct{})}
	go g.run(buildCtx, compiled)
	return g, nil
}

// run starts the guest's _start entrypoint, which is expected to loop
// internally over read_command/write_result for as long as the session
// lives; it returns (and run exits) only when the guest itself exits.
func (g *Guest) run(ctx context.Context, compiled wazero.CompiledModule) {
	defer close(g.done)
	modCfg := wazero.NewModuleConfig().WithStartFunctions("_start")
	mod, err := g.rt.InstantiateModule(ctx, compiled, modCfg)
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
	if mod != nil {
		_ = mod.Close(ctx)
	}
}

func (g *Guest) exited() (error, bool) {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.err, true
	default:
		return nil, false
	}
}

// RunCommand submits commandText to the guest's read_command loop and
// waits for its write_result.
func (g *Guest) RunCommand(ctx context.Context, commandText string) (*shell.Result, error) {
	if err, done := g.exited(); done {
		if err != nil {
			return nil, fmt.Errorf("shellguest: guest session ended: %w", err)
		}
		return nil, fmt.Errorf("shellguest: guest session ended")
	}
	timeout := g.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := g.session.Submit(ctx, commandText)
	if err != nil {
		return nil, fmt.Errorf("shellguest: %w", err)
	}
	return &shell.Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

// SetEnv, GetEnv, and Env never reach across the WASM boundary directly —
// there is no host-ABI call for environment mutation, because the spec
// says that state lives in the guest's own memory. Instead they are
// expressed the same way a human would: as commands submitted through the
// same read_command/write_result mailbox RunCommand uses.
func (g *Guest) SetEnv(key, value string) {
	_, _ = g.RunCommand(context.Background(), fmt.Sprintf("export %s=%s", key, shellQuote(value)))
}

func (g *Guest) UnsetEnv(key string) {
	_, _ = g.RunCommand(context.Background(), fmt.Sprintf("unset %s", key))
}

func (g *Guest) GetEnv(key string) (string, bool) {
	check, err := g.RunCommand(context.Background(), fmt.Sprintf(`[ "${%s+x}" = x ] && echo 1 || echo 0`, key))
	if err != nil || strings.TrimSpace(string(check.Stdout)) != "1" {
		return "", false
	}
	val, err := g.RunCommand(context.Background(), fmt.Sprintf(`printf '%%s' "$%s"`, key))
	if err != nil {
		return "", false
	}
	return string(val.Stdout), true
}

func (g *Guest) Env() map[string]string {
	res, err := g.RunCommand(context.Background(), "env")
	if err != nil {
		return nil
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func (g *Guest) Capabilities() hostabi.Capabilities { return g.caps }

// Close tears down the guest's dedicated runtime.
func (g *Guest) Close(ctx context.Context) error {
	return g.rt.Close(ctx)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
