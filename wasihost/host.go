// Package wasihost implements the per-guest WASI Preview1 surface: the
// subset of fd_*/path_*/environ_*/args_*/clock_*/random_get/proc_exit that
// a WASI-compiled guest needs, dispatching fd operations through the
// kernel's fd-target tagged union instead of the host's own file
// descriptors. It also provides the wazero-backed kernel.GuestRunner used
// in production (ToolCache / Runner in runner.go).
package wasihost

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/vfs"
)

type guestStateKey struct{}

// guestState is everything one running guest's WASI calls need, threaded
// through context.Context so the host functions stay stateless closures
// shared across every instantiation.
type guestState struct {
	args     []string
	env      []string
	fds      *kernel.FdTable
	vfsRoot  *vfs.VFS
	cwd      string
	exitCode int
	exited   bool
}

func withGuestState(ctx context.Context, gs *guestState) context.Context {
	return context.WithValue(ctx, guestStateKey{}, gs)
}

func guestStateFrom(ctx context.Context) *guestState {
	gs, _ := ctx.Value(guestStateKey{}).(*guestState)
	return gs
}

// Instantiate builds the "wasi_snapshot_preview1" host module on rt. It is
// called once per wazero.Runtime (the ToolCache owns exactly one runtime
// for the sandbox's lifetime), not once per guest invocation — per-guest
// state rides in the context passed to each call instead.
func Instantiate(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder("wasi_snapshot_preview1")

	b.NewFunctionBuilder().WithFunc(wasiFdWrite).Export("fd_write")
	b.NewFunctionBuilder().WithFunc(wasiFdRead).Export("fd_read")
	b.NewFunctionBuilder().WithFunc(wasiFdClose).Export("fd_close")
	b.NewFunctionBuilder().WithFunc(wasiFdSeek).Export("fd_seek")
	b.NewFunctionBuilder().WithFunc(wasiFdFdstatGet).Export("fd_fdstat_get")
	b.NewFunctionBuilder().WithFunc(wasiFdPrestatGet).Export("fd_prestat_get")
	b.NewFunctionBuilder().WithFunc(wasiFdPrestatDirName).Export("fd_prestat_dir_name")
	b.NewFunctionBuilder().WithFunc(wasiPathOpen).Export("path_open")
	b.NewFunctionBuilder().WithFunc(wasiPathCreateDirectory).Export("path_create_directory")
	b.NewFunctionBuilder().WithFunc(wasiPathRemoveDirectory).Export("path_remove_directory")
	b.NewFunctionBuilder().WithFunc(wasiPathUnlinkFile).Export("path_unlink_file")
	b.NewFunctionBuilder().WithFunc(wasiPathFilestatGet).Export("path_filestat_get")
	b.NewFunctionBuilder().WithFunc(wasiArgsSizesGet).Export("args_sizes_get")
	b.NewFunctionBuilder().WithFunc(wasiArgsGet).Export("args_get")
	b.NewFunctionBuilder().WithFunc(wasiEnvironSizesGet).Export("environ_sizes_get")
	b.NewFunctionBuilder().WithFunc(wasiEnvironGet).Export("environ_get")
	b.NewFunctionBuilder().WithFunc(wasiClockTimeGet).Export("clock_time_get")
	b.NewFunctionBuilder().WithFunc(wasiRandomGet).Export("random_get")
	b.NewFunctionBuilder().WithFunc(wasiProcExit).Export("proc_exit")

	_, err := b.Instantiate(ctx)
	return err
}

func wasiFdWrite(ctx context.Context, mod api.Module, fd, iovsPtr, iovsLen, nwrittenPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	target, ok := gs.fds.Get(int(fd))
	if !ok {
		return uint32(errnoBadf)
	}
	iovs, ok := readIOVecs(mod, iovsPtr, iovsLen)
	if !ok {
		return uint32(errnoInval)
	}
	var total uint32
	for _, v := range iovs {
		data, ok := readBytes(mod, v.ptr, v.len)
		if !ok {
			return uint32(errnoInval)
		}
		n, err := writeToTarget(target, data)
		total += uint32(n)
		if err != nil {
			if n == 0 {
				writeUint32(mod, nwrittenPtr, total)
				return uint32(errnoPipe)
			}
			break
		}
		if n < len(data) {
			break
		}
	}
	writeUint32(mod, nwrittenPtr, total)
	return uint32(errnoSuccess)
}

func writeToTarget(target *kernel.FdTarget, data []byte) (int, error) {
	switch target.Kind {
	case kernel.FdBuffer:
		return target.Buffer.Write(data)
	case kernel.FdPipeWrite:
		return target.Pipe.Write(data)
	case kernel.FdNull:
		return len(data), nil
	case kernel.FdVFSFile:
		return target.VFSFile.Write(data)
	default:
		return 0, nil
	}
}

func wasiFdRead(ctx context.Context, mod api.Module, fd, iovsPtr, iovsLen, nreadPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	target, ok := gs.fds.Get(int(fd))
	if !ok {
		return uint32(errnoBadf)
	}
	iovs, ok := readIOVecs(mod, iovsPtr, iovsLen)
	if !ok {
		return uint32(errnoInval)
	}
	var total uint32
	for _, v := range iovs {
		buf := make([]byte, v.len)
		n, err := readFromTarget(ctx, target, buf)
		if err != nil {
			return uint32(errnoIo)
		}
		if n > 0 {
			if !writeBytes(mod, v.ptr, buf[:n]) {
				return uint32(errnoInval)
			}
			total += uint32(n)
		}
		if n < len(buf) {
			break
		}
	}
	writeUint32(mod, nreadPtr, total)
	return uint32(errnoSuccess)
}

func readFromTarget(ctx context.Context, target *kernel.FdTarget, buf []byte) (int, error) {
	switch target.Kind {
	case kernel.FdStatic:
		return target.Static.Read(buf)
	case kernel.FdPipeRead:
		return target.Pipe.Read(ctx, buf)
	case kernel.FdNull:
		return 0, nil
	case kernel.FdVFSFile:
		return target.VFSFile.Read(buf)
	default:
		return 0, nil
	}
}

func wasiFdClose(ctx context.Context, fd uint32) uint32 {
	gs := guestStateFrom(ctx)
	gs.fds.Close(int(fd))
	return uint32(errnoSuccess)
}

func wasiFdSeek(ctx context.Context, mod api.Module, fd uint32, offset uint64, whence uint32, resultPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	target, ok := gs.fds.Get(int(fd))
	if !ok || target.Kind != kernel.FdVFSFile {
		return uint32(errnoBadf)
	}
	pos, err := target.VFSFile.Seek(int64(offset), int(whence))
	if err != nil {
		return uint32(errnoIo)
	}
	mod.Memory().WriteUint64Le(resultPtr, uint64(pos))
	return uint32(errnoSuccess)
}

func wasiFdFdstatGet(ctx context.Context, mod api.Module, fd, resultPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	if _, ok := gs.fds.Get(int(fd)); !ok {
		return uint32(errnoBadf)
	}
	for i := uint32(0); i < 24; i++ {
		writeUint32(mod, resultPtr+i, 0)
	}
	return uint32(errnoSuccess)
}

func wasiFdPrestatGet(ctx context.Context, fd, resultPtr uint32) uint32 {
	return uint32(errnoBadf)
}

func wasiFdPrestatDirName(ctx context.Context, fd, pathPtr, pathLen uint32) uint32 {
	return uint32(errnoBadf)
}

func pathFromMemory(mod api.Module, ptr, length uint32) (string, bool) {
	b, ok := readBytes(mod, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

func wasiPathOpen(ctx context.Context, mod api.Module, fd, dirflags, pathPtr, pathLen, oflags uint32, fsRightsBase, fsRightsInheriting uint64, fdflags uint32, openedFdPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return uint32(errnoInval)
	}
	const oflagCreat = 1 << 0
	const oflagTrunc = 1 << 3
	create := oflags&oflagCreat != 0
	trunc := oflags&oflagTrunc != 0
	writable := fsRightsBase&0x40 != 0 // FD_WRITE

	h, err := gs.vfsRoot.OpenFile(resolveCwd(gs.cwd, p), writable, create, trunc)
	if err != nil {
		if k, ok := vfs.KindOf(err); ok {
			switch k {
			case vfs.ENOENT:
				return uint32(errnoNoent)
			case vfs.EISDIR:
				return uint32(errnoIsdir)
			case vfs.ENOTDIR:
				return uint32(errnoNotdir)
			case vfs.EROFS:
				return uint32(errnoRofs)
			}
		}
		return uint32(errnoIo)
	}
	newFd := gs.fds.Alloc(&kernel.FdTarget{Kind: kernel.FdVFSFile, VFSFile: h})
	writeUint32(mod, openedFdPtr, uint32(newFd))
	return uint32(errnoSuccess)
}

func resolveCwd(cwd, p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p
	}
	return cwd + "/" + p
}

func wasiPathCreateDirectory(ctx context.Context, mod api.Module, fd, pathPtr, pathLen uint32) uint32 {
	gs := guestStateFrom(ctx)
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return uint32(errnoInval)
	}
	if err := gs.vfsRoot.Mkdir(resolveCwd(gs.cwd, p), 0755); err != nil {
		return mapVFSErrno(err)
	}
	return uint32(errnoSuccess)
}

func wasiPathRemoveDirectory(ctx context.Context, mod api.Module, fd, pathPtr, pathLen uint32) uint32 {
	gs := guestStateFrom(ctx)
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return uint32(errnoInval)
	}
	if err := gs.vfsRoot.Rmdir(resolveCwd(gs.cwd, p)); err != nil {
		return mapVFSErrno(err)
	}
	return uint32(errnoSuccess)
}

func wasiPathUnlinkFile(ctx context.Context, mod api.Module, fd, pathPtr, pathLen uint32) uint32 {
	gs := guestStateFrom(ctx)
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return uint32(errnoInval)
	}
	if err := gs.vfsRoot.Remove(resolveCwd(gs.cwd, p)); err != nil {
		return mapVFSErrno(err)
	}
	return uint32(errnoSuccess)
}

func wasiPathFilestatGet(ctx context.Context, mod api.Module, fd, flags, pathPtr, pathLen, resultPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	p, ok := pathFromMemory(mod, pathPtr, pathLen)
	if !ok {
		return uint32(errnoInval)
	}
	info, err := gs.vfsRoot.Stat(resolveCwd(gs.cwd, p))
	if err != nil {
		return mapVFSErrno(err)
	}
	filetype := uint64(4) // regular_file
	if info.IsDir {
		filetype = 3 // directory
	}
	mod.Memory().WriteUint64Le(resultPtr+16, filetype)
	mod.Memory().WriteUint64Le(resultPtr+32, uint64(info.Size))
	return uint32(errnoSuccess)
}

func mapVFSErrno(err error) uint32 {
	k, ok := vfs.KindOf(err)
	if !ok {
		return uint32(errnoIo)
	}
	switch k {
	case vfs.ENOENT:
		return uint32(errnoNoent)
	case vfs.ENOTDIR:
		return uint32(errnoNotdir)
	case vfs.EISDIR:
		return uint32(errnoIsdir)
	case vfs.EEXIST:
		return uint32(errnoExist)
	case vfs.ENOTEMPTY:
		return uint32(errnoNotEmpty)
	case vfs.EROFS:
		return uint32(errnoRofs)
	case vfs.ENOSPC:
		return uint32(errnoIo)
	default:
		return uint32(errnoInval)
	}
}

func wasiArgsSizesGet(ctx context.Context, mod api.Module, countPtr, sizePtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	size := 0
	for _, a := range gs.args {
		size += len(a) + 1
	}
	writeUint32(mod, countPtr, uint32(len(gs.args)))
	writeUint32(mod, sizePtr, uint32(size))
	return uint32(errnoSuccess)
}

func wasiArgsGet(ctx context.Context, mod api.Module, argvPtr, argvBufPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	return writeStringTable(mod, gs.args, argvPtr, argvBufPtr)
}

func wasiEnvironSizesGet(ctx context.Context, mod api.Module, countPtr, sizePtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	size := 0
	for _, e := range gs.env {
		size += len(e) + 1
	}
	writeUint32(mod, countPtr, uint32(len(gs.env)))
	writeUint32(mod, sizePtr, uint32(size))
	return uint32(errnoSuccess)
}

func wasiEnvironGet(ctx context.Context, mod api.Module, environPtr, environBufPtr uint32) uint32 {
	gs := guestStateFrom(ctx)
	return writeStringTable(mod, gs.env, environPtr, environBufPtr)
}

func writeStringTable(mod api.Module, values []string, tablePtr, bufPtr uint32) uint32 {
	cursor := bufPtr
	for i, v := range values {
		if !writeUint32(mod, tablePtr+uint32(i*4), cursor) {
			return uint32(errnoInval)
		}
		b := append([]byte(v), 0)
		if !writeBytes(mod, cursor, b) {
			return uint32(errnoInval)
		}
		cursor += uint32(len(b))
	}
	return uint32(errnoSuccess)
}

func wasiClockTimeGet(ctx context.Context, mod api.Module, id uint32, precision uint64, resultPtr uint32) uint32 {
	mod.Memory().WriteUint64Le(resultPtr, uint64(time.Now().UnixNano()))
	return uint32(errnoSuccess)
}

func wasiRandomGet(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) uint32 {
	buf := make([]byte, bufLen)
	if _, err := rand.Read(buf); err != nil {
		return uint32(errnoIo)
	}
	if !writeBytes(mod, bufPtr, buf) {
		return uint32(errnoInval)
	}
	return uint32(errnoSuccess)
}

func wasiProcExit(ctx context.Context, mod api.Module, code uint32) {
	gs := guestStateFrom(ctx)
	if gs != nil {
		gs.exitCode = int(code)
		gs.exited = true
	}
	_ = mod.CloseWithExitCode(ctx, code)
}
