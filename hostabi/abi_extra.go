package hostabi

import (
	"bytes"
	"context"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/netbridge"
)

// abiSpawn backs the spawn host-ABI call: a guest asks the kernel to start
// prog with the given args/env/cwd, its stdio bound to fds the guest
// already opened (or -1 to inherit the guest's own identically-numbered
// fd), and gets back a pid to later waitpid on.
func abiSpawn(ctx context.Context, mod api.Module, progPtr, progLen, argsPtr, argsLen, envPtr, envLen, cwdPtr, cwdLen uint32, stdinFd, stdoutFd, stderrFd int32, pidOutPtr uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapSpawn) {
		return 1
	}
	prog, ok := pathFromMemory(mod, progPtr, progLen)
	if !ok {
		return 1
	}
	cwd, _ := pathFromMemory(mod, cwdPtr, cwdLen)
	args := splitNulJoined(mod, argsPtr, argsLen)
	env := splitNulJoined(mod, envPtr, envLen)

	fds, err := h.Kernel.BuildFdTableForSpawn(h.CallerPid, kernel.SpawnRequest{
		Stdin:  int(stdinFd),
		Stdout: int(stdoutFd),
		Stderr: int(stderrFd),
	})
	if err != nil {
		return 1
	}
	pid, err := h.Kernel.Spawn(ctx, h.CallerPid, prog, fds, args, env, cwd)
	if err != nil {
		return 1
	}
	mod.Memory().WriteUint32Le(pidOutPtr, uint32(pid))
	return 0
}

// abiWaitpid backs the waitpid host-ABI call.
func abiWaitpid(ctx context.Context, mod api.Module, pid, exitCodeOutPtr uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapWaitpid) {
		return 1
	}
	code, err := h.Kernel.Waitpid(ctx, int(pid))
	if err != nil {
		return 1
	}
	mod.Memory().WriteUint32Le(exitCodeOutPtr, uint32(int32(code)))
	return 0
}

// abiStat backs the stat host-ABI call: 8 bytes of little-endian size
// followed by a 4-byte is-dir flag at outPtr.
func abiStat(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapFS) {
		return 1
	}
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return 1
	}
	info, err := h.VFS.Stat(p)
	if err != nil {
		return 1
	}
	var isDir uint32
	if info.IsDir {
		isDir = 1
	}
	mod.Memory().WriteUint64Le(outPtr, uint64(info.Size))
	mod.Memory().WriteUint32Le(outPtr+8, isDir)
	return 0
}

// abiReadFile backs the read_file host-ABI call. It returns the file's
// byte length; if that exceeds outCap the guest is expected to retry with
// a bigger buffer (the same "oversize reports required length" contract
// read_command uses).
func abiReadFile(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr, outCap uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapFS) {
		return 0
	}
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return 0
	}
	data, err := h.VFS.ReadFile(p)
	if err != nil {
		return 0
	}
	if uint32(len(data)) > outCap {
		return uint32(len(data))
	}
	mod.Memory().Write(outPtr, data)
	return uint32(len(data))
}

// abiWriteFile backs the write_file host-ABI call.
func abiWriteFile(ctx context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapFS) {
		return 1
	}
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return 1
	}
	data, ok := bytesFromMemory(mod, dataPtr, dataLen)
	if !ok {
		return 1
	}
	if err := h.VFS.WriteFile(p, data, 0644); err != nil {
		return 1
	}
	return 0
}

// abiReaddir backs the readdir host-ABI call: entry names joined with NUL,
// same oversize-reports-required-length contract as read_file.
func abiReaddir(ctx context.Context, mod api.Module, pathPtr, pathLen, outPtr, outCap uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapFS) {
		return 0
	}
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return 0
	}
	entries, err := h.VFS.ReadDir(p)
	if err != nil {
		return 0
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return writeNulJoined(mod, outPtr, outCap, names)
}

// abiGlob backs the glob host-ABI call, matches joined with NUL.
func abiGlob(ctx context.Context, mod api.Module, patternPtr, patternLen, outPtr, outCap uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapGlob) {
		return 0
	}
	pattern, ok := pathFromMemory(mod, patternPtr, patternLen)
	if !ok {
		return 0
	}
	matches, err := h.VFS.Glob(pattern)
	if err != nil {
		return 0
	}
	return writeNulJoined(mod, outPtr, outCap, matches)
}

// abiNetworkFetch backs the network_fetch host-ABI call. No shell guest is
// granted CapNetwork today (spec.md reserves it for a future Python/MCP
// guest); the capability gate is what would let one use this without
// changing the registration.
func abiNetworkFetch(ctx context.Context, mod api.Module, urlPtr, urlLen, methodPtr, methodLen, bodyPtr, bodyLen, outPtr, outCap uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapNetwork) {
		return 0
	}
	url, ok := pathFromMemory(mod, urlPtr, urlLen)
	if !ok {
		return 0
	}
	method, _ := pathFromMemory(mod, methodPtr, methodLen)
	body, _ := bytesFromMemory(mod, bodyPtr, bodyLen)
	resp, err := h.Net.Fetch(ctx, netbridge.FetchRequest{URL: url, Method: method, Body: body})
	if err != nil {
		return 0
	}
	if uint32(len(resp.Body)) > outCap {
		return uint32(len(resp.Body))
	}
	mod.Memory().Write(outPtr, resp.Body)
	return uint32(len(resp.Body))
}

// abiExtensionInvoke backs the extension_invoke host-ABI call. No
// extensions are registered in this implementation; CapExtension is
// reserved the same way CapNetwork is, for a future MCP-backed guest.
func abiExtensionInvoke(ctx context.Context, mod api.Module, namePtr, nameLen, payloadPtr, payloadLen, outPtr, outCap uint32) uint32 {
	h := hostFrom(ctx)
	if !h.Caps.Has(CapExtension) {
		return 0
	}
	return 0
}

// abiReadCommand backs the read_command host-ABI call: the shell guest's
// session loop blocks here for its next command line. Returns the command's
// byte length; an oversize command (longer than bufCap) is reported so the
// guest can retry with a bigger buffer, same contract as read_file.
func abiReadCommand(ctx context.Context, mod api.Module, bufPtr, bufCap uint32) uint32 {
	h := hostFrom(ctx)
	if h.Session == nil {
		return 0
	}
	select {
	case line := <-h.Session.commands:
		b := []byte(line)
		if uint32(len(b)) > bufCap {
			return uint32(len(b))
		}
		mod.Memory().Write(bufPtr, b)
		return uint32(len(b))
	case <-ctx.Done():
		return 0
	}
}

// abiWriteResult backs the write_result host-ABI call: the shell guest
// hands back one command's outcome, completing the read_command/
// write_result round trip.
func abiWriteResult(ctx context.Context, mod api.Module, exitCode int32, stdoutPtr, stdoutLen, stderrPtr, stderrLen uint32) uint32 {
	h := hostFrom(ctx)
	if h.Session == nil {
		return 1
	}
	stdout, _ := bytesFromMemory(mod, stdoutPtr, stdoutLen)
	stderr, _ := bytesFromMemory(mod, stderrPtr, stderrLen)
	result := ShellResult{
		ExitCode: int(exitCode),
		Stdout:   append([]byte(nil), stdout...),
		Stderr:   append([]byte(nil), stderr...),
	}
	select {
	case h.Session.results <- result:
		return 0
	case <-ctx.Done():
		return 1
	}
}

// splitNulJoined parses a NUL-separated argv/environ-style blob out of
// guest memory, the same wire shape WASI's args_get/environ_get use.
func splitNulJoined(mod api.Module, ptr, length uint32) []string {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok || len(b) == 0 {
		return nil
	}
	var out []string
	for _, part := range bytes.Split(b, []byte{0}) {
		if len(part) == 0 {
			continue
		}
		out = append(out, string(part))
	}
	return out
}

// writeNulJoined writes items NUL-joined into guest memory at outPtr,
// reporting the required length if it exceeds outCap.
func writeNulJoined(mod api.Module, outPtr, outCap uint32, items []string) uint32 {
	blob := []byte(strings.Join(items, "\x00"))
	if uint32(len(blob)) > outCap {
		return uint32(len(blob))
	}
	mod.Memory().Write(outPtr, blob)
	return uint32(len(blob))
}
