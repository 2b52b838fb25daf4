package vfs

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()
	v := New(Limits{}, zerolog.Nop())
	if err := DefaultLayout(v); err != nil {
		t.Fatalf("DefaultLayout: %v", err)
	}
	v.MarkWritable("/tmp")
	v.MarkWritable("/home")
	v.MarkWritable("/root")
	return v
}

func TestWriteReadFile(t *testing.T) {
	v := newTestVFS(t)
	if err := v.WriteFile("/tmp/hello.txt", []byte("hi"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := v.ReadFile("/tmp/hello.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("got %q", data)
	}
}

func TestWritePolicyDeniesOutsideWritablePrefix(t *testing.T) {
	v := newTestVFS(t)
	err := v.WriteFile("/etc/shadow", []byte("x"), 0644)
	if err == nil {
		t.Fatal("expected EROFS, got nil")
	}
	if k, ok := KindOf(err); !ok || k != EROFS {
		t.Fatalf("expected EROFS, got %v", err)
	}
}

func TestMkdirExistAndNotDir(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mkdir("/tmp/sub", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := v.Mkdir("/tmp/sub", 0755); err == nil {
		t.Fatal("expected EEXIST")
	} else if k, _ := KindOf(err); k != EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
	if err := v.WriteFile("/tmp/sub/a.txt", []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.Rmdir("/tmp/sub"); err == nil {
		t.Fatal("expected ENOTEMPTY")
	} else if k, _ := KindOf(err); k != ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY, got %v", err)
	}
}

func TestSymlinkResolution(t *testing.T) {
	v := newTestVFS(t)
	if err := v.WriteFile("/tmp/target.txt", []byte("content"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.Symlink("/tmp/target.txt", "/tmp/link.txt"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	data, err := v.ReadFile("/tmp/link.txt")
	if err != nil {
		t.Fatalf("read through symlink: %v", err)
	}
	if string(data) != "content" {
		t.Fatalf("got %q", data)
	}
	target, err := v.Readlink("/tmp/link.txt")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/tmp/target.txt" {
		t.Fatalf("got %q", target)
	}
}

func TestSymlinkCycleBounded(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Symlink("/tmp/b", "/tmp/a"); err != nil {
		t.Fatalf("symlink a: %v", err)
	}
	if err := v.Symlink("/tmp/a", "/tmp/b"); err != nil {
		t.Fatalf("symlink b: %v", err)
	}
	_, err := v.ReadFile("/tmp/a")
	if err == nil {
		t.Fatal("expected an error resolving a symlink cycle")
	}
	if kind, ok := KindOf(err); !ok || kind != ENOENT {
		t.Fatalf("ErrKind = %v, %v, want ENOENT", kind, ok)
	}
}

func TestSnapshotRestoreIsolatesLiveTree(t *testing.T) {
	v := newTestVFS(t)
	if err := v.WriteFile("/tmp/a.txt", []byte("v1"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v.Snapshot("snap1")

	if err := v.WriteFile("/tmp/a.txt", []byte("v2"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.WriteFile("/tmp/b.txt", []byte("new"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := v.Restore("snap1"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	data, err := v.ReadFile("/tmp/a.txt")
	if err != nil {
		t.Fatalf("read after restore: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("expected v1 after restore, got %q", data)
	}
	if v.Exists("/tmp/b.txt") {
		t.Fatal("expected b.txt to be gone after restore")
	}
}

func TestQuotaEnforced(t *testing.T) {
	v := New(Limits{MaxBytes: 4}, zerolog.Nop())
	v.MarkWritable("/")
	if err := v.WriteFile("/a.txt", []byte("ab"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := v.WriteFile("/b.txt", []byte("abc"), 0644)
	if err == nil {
		t.Fatal("expected ENOSPC")
	}
	if k, _ := KindOf(err); k != ENOSPC {
		t.Fatalf("expected ENOSPC, got %v", err)
	}
}

func TestDeviceMount(t *testing.T) {
	v := newTestVFS(t)
	v.Mount("/dev", DeviceFS{})
	data, err := v.ReadFile("/dev/null")
	if err != nil {
		t.Fatalf("read /dev/null: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty read from /dev/null, got %d bytes", len(data))
	}
	if err := v.WriteFile("/dev/null", []byte("discarded"), 0644); err != nil {
		t.Fatalf("write /dev/null: %v", err)
	}
}

func TestGlobMatchesMultipleFiles(t *testing.T) {
	v := newTestVFS(t)
	for _, name := range []string{"a.txt", "b.txt", "c.log"} {
		if err := v.WriteFile("/tmp/"+name, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	matches, err := v.Glob("/tmp/*.txt")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", matches)
	}
}
