package sandbox

import (
	"context"
	"strings"
	"testing"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(context.Background(), Options{WasmDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sb.Destroy(context.Background()) })
	return sb
}

func TestRunEcho(t *testing.T) {
	sb := newTestSandbox(t)
	res, err := sb.Run(context.Background(), "echo hello world")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello world" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestFilesystemSurface(t *testing.T) {
	sb := newTestSandbox(t)
	if err := sb.WriteFile("/tmp/greeting.txt", []byte("hi"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := sb.ReadFile("/tmp/greeting.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("ReadFile = %q", data)
	}

	entries, err := sb.ReadDir("/tmp")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "greeting.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ReadDir /tmp missing greeting.txt: %+v", entries)
	}

	if err := sb.Rm("/tmp/greeting.txt"); err != nil {
		t.Fatalf("Rm: %v", err)
	}
	if _, err := sb.ReadFile("/tmp/greeting.txt"); err == nil {
		t.Fatal("expected error reading removed file")
	}
}

func TestEnvironmentSurface(t *testing.T) {
	sb := newTestSandbox(t)
	if err := sb.SetEnv("GREETING", "hola"); err != nil {
		t.Fatalf("SetEnv: %v", err)
	}
	if v, ok := sb.GetEnv("GREETING"); !ok || v != "hola" {
		t.Fatalf("GetEnv = %q, %v", v, ok)
	}
	res, err := sb.Run(context.Background(), "echo $GREETING")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hola" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestExportImportStateRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	sb.WriteFile("/tmp/keep.txt", []byte("persisted"), 0644)
	sb.SetEnv("FOO", "bar")

	blob, err := sb.ExportState()
	if err != nil {
		t.Fatalf("ExportState: %v", err)
	}

	sb2 := newTestSandbox(t)
	if err := sb2.ImportState(blob); err != nil {
		t.Fatalf("ImportState: %v", err)
	}
	data, err := sb2.ReadFile("/tmp/keep.txt")
	if err != nil {
		t.Fatalf("ReadFile after import: %v", err)
	}
	if string(data) != "persisted" {
		t.Fatalf("imported file contents = %q", data)
	}
	if v, ok := sb2.GetEnv("FOO"); !ok || v != "bar" {
		t.Fatalf("imported env FOO = %q, %v", v, ok)
	}
}

func TestNamedShellTableIsolation(t *testing.T) {
	sb := newTestSandbox(t)
	sb.RunIn(context.Background(), "worker", "export SCOPED=yes")
	res, err := sb.RunIn(context.Background(), "worker", "echo $SCOPED")
	if err != nil {
		t.Fatalf("RunIn: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "yes" {
		t.Fatalf("worker shell stdout = %q", res.Stdout)
	}

	res, err = sb.Run(context.Background(), "echo $SCOPED")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "" {
		t.Fatalf("default shell saw worker's env: %q", res.Stdout)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	sb.WriteFile("/tmp/a.txt", []byte("v1"), 0644)
	sb.SetEnv("STAGE", "one")

	id, err := sb.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sb.WriteFile("/tmp/a.txt", []byte("v2"), 0644)
	sb.SetEnv("STAGE", "two")

	if err := sb.Restore(id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	data, err := sb.ReadFile("/tmp/a.txt")
	if err != nil {
		t.Fatalf("ReadFile after restore: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("restored file = %q, want v1", data)
	}
	if v, ok := sb.GetEnv("STAGE"); !ok || v != "one" {
		t.Fatalf("restored env STAGE = %q, %v, want one", v, ok)
	}

	if err := sb.DeleteSnapshot(id); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
}

func TestForkProducesIndependentSandbox(t *testing.T) {
	sb := newTestSandbox(t)
	sb.WriteFile("/tmp/shared.txt", []byte("parent"), 0644)
	sb.SetEnv("ROLE", "parent")

	child, err := sb.Fork(context.Background())
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	t.Cleanup(func() { child.Destroy(context.Background()) })

	data, err := child.ReadFile("/tmp/shared.txt")
	if err != nil {
		t.Fatalf("child ReadFile: %v", err)
	}
	if string(data) != "parent" {
		t.Fatalf("child file = %q, want parent", data)
	}

	if err := child.WriteFile("/tmp/shared.txt", []byte("child"), 0644); err != nil {
		t.Fatalf("child WriteFile: %v", err)
	}
	parentData, err := sb.ReadFile("/tmp/shared.txt")
	if err != nil {
		t.Fatalf("parent ReadFile: %v", err)
	}
	if string(parentData) != "parent" {
		t.Fatalf("parent file mutated by child fork: %q", parentData)
	}
}

func TestUnknownToolExits127(t *testing.T) {
	sb := newTestSandbox(t)
	res, err := sb.Run(context.Background(), "totally-not-a-real-tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 127 {
		t.Fatalf("exit code = %d, want 127", res.ExitCode)
	}
}

func TestDestroyRejectsFurtherUse(t *testing.T) {
	sb, err := New(context.Background(), Options{WasmDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sb.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := sb.Run(context.Background(), "echo hi"); err != ErrDestroyed {
		t.Fatalf("Run after destroy = %v, want ErrDestroyed", err)
	}
	if err := sb.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy should be a no-op, got %v", err)
	}
}
