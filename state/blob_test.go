package state

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentsh/sandbox/vfs"
)

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v := vfs.New(vfs.Limits{}, zerolog.Nop())
	if err := vfs.DefaultLayout(v); err != nil {
		t.Fatalf("DefaultLayout: %v", err)
	}
	v.MarkWritable("/tmp")
	v.MarkWritable("/home")
	return v
}

func TestExportImportRoundTrip(t *testing.T) {
	v := newTestVFS(t)
	if err := v.WriteFile("/tmp/a.txt", []byte("hello"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.MkdirAll("/tmp/sub", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := v.WriteFile("/tmp/sub/b.txt", []byte("world"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	blob, err := Export(v, []string{"/tmp"}, map[string]string{"FOO": "bar"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	v2 := newTestVFS(t)
	env, err := Import(v2, blob, []string{"/tmp"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if env["FOO"] != "bar" {
		t.Fatalf("expected env FOO=bar, got %v", env)
	}
	data, err := v2.ReadFile("/tmp/sub/b.txt")
	if err != nil {
		t.Fatalf("read after import: %v", err)
	}
	if string(data) != "world" {
		t.Fatalf("got %q", data)
	}
}

func TestImportRejectsBadMagic(t *testing.T) {
	v := newTestVFS(t)
	_, err := Import(v, []byte("not a blob at all"), []string{"/tmp"})
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
	if _, ok := err.(*CorruptedError); !ok {
		t.Fatalf("expected CorruptedError, got %T", err)
	}
}

func TestImportRejectsBadCRC(t *testing.T) {
	v := newTestVFS(t)
	if err := v.WriteFile("/tmp/a.txt", []byte("hello"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	blob, err := Export(v, []string{"/tmp"}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	corrupted := append([]byte{}, blob...)
	corrupted[len(corrupted)-1] ^= 0xFF

	v2 := newTestVFS(t)
	_, err = Import(v2, corrupted, []string{"/tmp"})
	if err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestImportSkipsPathsOutsideAllowedPrefixes(t *testing.T) {
	v := newTestVFS(t)
	if err := v.WriteFile("/tmp/a.txt", []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	blob, err := Export(v, []string{"/tmp"}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	v2 := newTestVFS(t)
	if _, err := Import(v2, blob, []string{"/home"}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if v2.Exists("/tmp/a.txt") {
		t.Fatal("expected /tmp/a.txt to be skipped (outside allowed prefixes)")
	}
}
