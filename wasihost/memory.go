package wasihost

import "github.com/tetratelabs/wazero/api"

// errno mirrors the handful of WASI Preview1 error codes this host
// actually needs to report; guests only ever see these through the
// standard __wasi_errno_t return slot.
type errno uint32

const (
	errnoSuccess errno = 0
	errnoBadf    errno = 8
	errnoIsdir   errno = 31
	errnoInval   errno = 28
	errnoIo      errno = 29
	errnoNoent   errno = 44
	errnoNotdir  errno = 54
	errnoExist   errno = 20
	errnoNotEmpty errno = 55
	errnoRofs    errno = 69
	errnoPipe    errno = 32
	errnoNosys   errno = 52
)

func readUint32(mem api.Module, addr uint32) (uint32, bool) {
	return mem.Memory().ReadUint32Le(addr)
}

func writeUint32(mem api.Module, addr, v uint32) bool {
	return mem.Memory().WriteUint32Le(addr, v)
}

func readBytes(mem api.Module, addr, length uint32) ([]byte, bool) {
	return mem.Memory().Read(addr, length)
}

func writeBytes(mem api.Module, addr uint32, data []byte) bool {
	return mem.Memory().Write(addr, data)
}

// iovec describes one WASI ciovec_t/iovec_t: a (buf ptr, buf len) pair.
type iovec struct {
	ptr uint32
	len uint32
}

func readIOVecs(mem api.Module, iovsPtr, iovsLen uint32) ([]iovec, bool) {
	out := make([]iovec, 0, iovsLen)
	for i := uint32(0); i < iovsLen; i++ {
		base := iovsPtr + i*8
		ptr, ok := readUint32(mem, base)
		if !ok {
			return nil, false
		}
		length, ok := readUint32(mem, base+4)
		if !ok {
			return nil, false
		}
		out = append(out, iovec{ptr: ptr, len: length})
	}
	return out, true
}
