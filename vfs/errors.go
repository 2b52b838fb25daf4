package vfs

import "fmt"

// ErrKind is the closed set of filesystem error kinds a caller can switch
// on. It never grows to wrap arbitrary stdlib errors; every VFS failure
// resolves to exactly one of these.
type ErrKind string

const (
	ENOENT    ErrKind = "ENOENT"
	ENOTDIR   ErrKind = "ENOTDIR"
	EISDIR    ErrKind = "EISDIR"
	EEXIST    ErrKind = "EEXIST"
	ENOTEMPTY ErrKind = "ENOTEMPTY"
	EROFS     ErrKind = "EROFS"
	ENOSPC    ErrKind = "ENOSPC"
	EINVAL    ErrKind = "EINVAL"
)

// Error is the VFS's own error type. It satisfies Unwrap so callers can use
// errors.Is/errors.As against the sentinel Kind values below, but the Kind
// field itself is the thing to switch on.
type Error struct {
	Kind ErrKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrKind satisfies the facade's duck-typed kind extractor so the sandbox
// package can report a (kind, message) pair without importing vfs.ErrKind
// directly into error handling of unrelated packages.
func (e *Error) ErrKind() string { return string(e.Kind) }

func newErr(kind ErrKind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

func wrapErr(kind ErrKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the ErrKind from err if it is (or wraps) a *vfs.Error,
// returning ok=false otherwise.
func KindOf(err error) (ErrKind, bool) {
	e, ok := err.(*Error)
	if !ok {
		return "", false
	}
	return e.Kind, true
}
