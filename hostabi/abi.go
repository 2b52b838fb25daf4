package hostabi

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/netbridge"
	"github.com/agentsh/sandbox/vfs"
)

// Host binds one guest's capability set to the kernel/VFS/network-bridge
// backends it is allowed to reach. Build registers its functions on rt
// under the "agentsh" module name; only a guest whose import section
// actually names these functions (none of the plain coreutil guests do —
// only a future non-WASI-only guest would) ever calls them.
type Host struct {
	Kernel    *kernel.Kernel
	VFS       *vfs.VFS
	Net       *netbridge.Bridge
	Runner    kernel.GuestRunner
	Caps      Capabilities
	CallerPid int
	Deadline  time.Time

	// Session backs read_command/write_result for a session-scoped shell
	// guest. Only shellguest.New sets this; every other guest kind (the
	// plain WASI coreutils) leaves it nil, and read_command/write_result
	// are no-ops against a nil Session.
	Session *ShellSession
}

type hostKey struct{}

func withHost(ctx context.Context, h *Host) context.Context {
	return context.WithValue(ctx, hostKey{}, h)
}

func hostFrom(ctx context.Context) *Host {
	h, _ := ctx.Value(hostKey{}).(*Host)
	return h
}

// Build registers the capability namespace on rt for a single guest
// invocation scoped to h. Call it once per Spawn with a fresh Host (the
// CallerPid and Deadline differ per call), not once globally, since the
// capability matrix is per-guest.
func Build(ctx context.Context, rt wazero.Runtime, h *Host) (context.Context, error) {
	b := rt.NewHostModuleBuilder("agentsh")

	b.NewFunctionBuilder().WithFunc(abiCreatePipe).Export("pipe")
	b.NewFunctionBuilder().WithFunc(abiCloseFd).Export("close_fd")
	b.NewFunctionBuilder().WithFunc(abiHasTool).Export("has_tool")
	b.NewFunctionBuilder().WithFunc(abiCheckCancel).Export("check_cancel")
	b.NewFunctionBuilder().WithFunc(abiTimeMs).Export("time_ms")
	b.NewFunctionBuilder().WithFunc(abiSpawn).Export("spawn")
	b.NewFunctionBuilder().WithFunc(abiWaitpid).Export("waitpid")
	b.NewFunctionBuilder().WithFunc(abiStat).Export("stat")
	b.NewFunctionBuilder().WithFunc(abiReadFile).Export("read_file")
	b.NewFunctionBuilder().WithFunc(abiWriteFile).Export("write_file")
	b.NewFunctionBuilder().WithFunc(abiReaddir).Export("readdir")
	b.NewFunctionBuilder().WithFunc(abiGlob).Export("glob")
	b.NewFunctionBuilder().WithFunc(abiNetworkFetch).Export("network_fetch")
	b.NewFunctionBuilder().WithFunc(abiExtensionInvoke).Export("extension_invoke")
	b.NewFunctionBuilder().WithFunc(abiReadCommand).Export("read_command")
	b.NewFunctionBuilder().WithFunc(abiWriteResult).Export("write_result")

	if _, err := b.Instantiate(ctx); err != nil {
		return ctx, err
	}
	return withHost(ctx, h), nil
}

func abiCreatePipe(ctx context.Context, mod api.Module, readFdPtr, writeFdPtr uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapPipe) {
		return 1
	}
	r, w, err := h.Kernel.CreatePipe(h.CallerPid, 0)
	if err != nil {
		return 1
	}
	mod.Memory().WriteUint32Le(readFdPtr, uint32(r))
	mod.Memory().WriteUint32Le(writeFdPtr, uint32(w))
	return 0
}

func abiCloseFd(ctx context.Context, fd uint32) uint32 {
	h := hostFrom(ctx)
	if err := h.Kernel.CloseFd(h.CallerPid, int(fd)); err != nil {
		return 1
	}
	return 0
}

func abiHasTool(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint32 {
	h := hostFrom(ctx)
	name, ok := pathFromMemory(mod, namePtr, nameLen)
	if !ok {
		return 0
	}
	if !h.Caps.Has(CapSpawn) {
		return 0
	}
	if k, ok := h.kernelRunner(); ok && k.HasTool(name) {
		return 1
	}
	return 0
}

// kernelRunner is a narrow seam so abiHasTool can ask the same question
// kernel.Spawn asks, without hostabi importing wasihost (which would
// create an import cycle: wasihost -> kernel, hostabi -> kernel, and
// hostabi must stay a peer of wasihost, not a dependent).
func (h *Host) kernelRunner() (kernel.GuestRunner, bool) {
	return h.Runner, h.Runner != nil
}

func abiCheckCancel(ctx context.Context) uint32 {
	h := hostFrom(ctx)
	if time.Now().After(h.Deadline) && !h.Deadline.IsZero() {
		return 1
	}
	select {
	case <-ctx.Done():
		return 1
	default:
		return 0
	}
}

func abiTimeMs(ctx context.Context) uint64 {
	return uint64(time.Now().UnixMilli())
}

func pathFromMemory(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

func bytesFromMemory(mod api.Module, ptr, length uint32) ([]byte, bool) {
	return mod.Memory().Read(ptr, length)
}
