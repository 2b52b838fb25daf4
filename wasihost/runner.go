package wasihost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/vfs"
)

// ToolCache compiles a guest's .wasm module lazily from wasmDir and keeps
// it around for the lifetime of the sandbox, generalizing the teacher's
// "compile busybox.wasm once via go:embed, instantiate per applet name"
// pattern to an arbitrary directory of one-module-per-tool.
type ToolCache struct {
	mu       sync.Mutex
	dir      string
	rt       wazero.Runtime
	compiled map[string]wazero.CompiledModule
}

func NewToolCache(rt wazero.Runtime, dir string) *ToolCache {
	return &ToolCache{dir: dir, rt: rt, compiled: make(map[string]wazero.CompiledModule)}
}

// Has reports whether prog.wasm exists under the tool directory, without
// compiling it — used for the has_tool capability check and for the
// kernel's unknown-tool (127) vs denied-tool (126) distinction.
func (tc *ToolCache) Has(prog string) bool {
	_, err := os.Stat(filepath.Join(tc.dir, prog+".wasm"))
	return err == nil
}

func (tc *ToolCache) compile(ctx context.Context, prog string) (wazero.CompiledModule, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if cm, ok := tc.compiled[prog]; ok {
		return cm, nil
	}
	data, err := os.ReadFile(filepath.Join(tc.dir, prog+".wasm"))
	if err != nil {
		return nil, err
	}
	cm, err := tc.rt.CompileModule(ctx, data)
	if err != nil {
		return nil, err
	}
	tc.compiled[prog] = cm
	return cm, nil
}

// Runner is the production kernel.GuestRunner: every Spawn'd guest runs as
// a freshly instantiated wazero module sharing one compiled module (and
// one wazero.Runtime, and one "wasi_snapshot_preview1" host module) per
// tool name.
type Runner struct {
	rt      wazero.Runtime
	tools   *ToolCache
	vfsRoot *vfs.VFS
	log     zerolog.Logger
}

func NewRunner(rt wazero.Runtime, tools *ToolCache, vfsRoot *vfs.VFS, log zerolog.Logger) *Runner {
	return &Runner{rt: rt, tools: tools, vfsRoot: vfsRoot, log: log}
}

func (r *Runner) HasTool(prog string) bool {
	return r.tools.Has(prog)
}

func (r *Runner) Run(ctx context.Context, prog string, args, env []string, cwd string, fds *kernel.FdTable) (int, error) {
	cm, err := r.tools.compile(ctx, prog)
	if err != nil {
		return 1, fmt.Errorf("wasihost: compile %s: %w", prog, err)
	}

	gs := &guestState{args: append([]string{prog}, args...), env: env, fds: fds, vfsRoot: r.vfsRoot, cwd: cwd}
	runCtx := withGuestState(ctx, gs)

	modCfg := wazero.NewModuleConfig().WithStartFunctions("_start")
	mod, err := r.rt.InstantiateModule(runCtx, cm, modCfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		if gs.exited {
			return gs.exitCode, nil
		}
		r.log.Debug().Str("prog", prog).Err(err).Msg("guest exited with error")
		return 1, err
	}
	return gs.exitCode, nil
}
