package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRunner struct {
	tools map[string]func(fds *FdTable) int
}

func (f *fakeRunner) HasTool(prog string) bool {
	_, ok := f.tools[prog]
	return ok
}

func (f *fakeRunner) Run(ctx context.Context, prog string, args, env []string, cwd string, fds *FdTable) (int, error) {
	fn, ok := f.tools[prog]
	if !ok {
		return 127, nil
	}
	return fn(fds), nil
}

func TestSpawnUnknownToolExits127(t *testing.T) {
	k := New(&fakeRunner{tools: map[string]func(*FdTable) int{}}, zerolog.Nop())
	proc, pid := k.InitProcess("shell")
	k.RegisterProcess(proc)

	fds, err := k.BuildFdTableForSpawn(pid, SpawnRequest{Stdin: -1, Stdout: -1, Stderr: -1})
	if err != nil {
		t.Fatalf("buildFdTableForSpawn: %v", err)
	}
	childPid, err := k.Spawn(context.Background(), pid, "nope", fds, nil, nil, "/")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	code, err := k.Waitpid(context.Background(), childPid)
	if err != nil {
		t.Fatalf("waitpid: %v", err)
	}
	if code != 127 {
		t.Fatalf("expected exit 127, got %d", code)
	}
}

func TestSpawnDeniedExits126(t *testing.T) {
	k := New(&fakeRunner{}, zerolog.Nop())
	pid := k.SpawnDenied("rm")
	code, err := k.Waitpid(context.Background(), pid)
	if err != nil {
		t.Fatalf("waitpid: %v", err)
	}
	if code != 126 {
		t.Fatalf("expected exit 126, got %d", code)
	}
}

func TestPipeThroughSpawnedProcess(t *testing.T) {
	k := New(&fakeRunner{tools: map[string]func(*FdTable) int{
		"echo": func(fds *FdTable) int {
			out, _ := fds.Get(1)
			out.Pipe.CloseWrite()
			return 0
		},
	}}, zerolog.Nop())

	proc, pid := k.InitProcess("shell")
	k.RegisterProcess(proc)

	readFd, writeFd, err := k.CreatePipe(pid, 0)
	if err != nil {
		t.Fatalf("createPipe: %v", err)
	}
	fds, err := k.BuildFdTableForSpawn(pid, SpawnRequest{Stdin: -1, Stdout: writeFd, Stderr: -1})
	if err != nil {
		t.Fatalf("buildFdTableForSpawn: %v", err)
	}

	childPid, err := k.Spawn(context.Background(), pid, "echo", fds, nil, nil, "/")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := k.Waitpid(ctx, childPid)
	if err != nil {
		t.Fatalf("waitpid: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	readTarget, ok := proc.Fds.Get(readFd)
	if !ok {
		t.Fatal("expected caller to still hold its read fd")
	}
	buf := make([]byte, 8)
	n, err := readTarget.Pipe.Read(ctx, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected EOF (n=0) since child closed the write end with nothing written, got %d", n)
	}
}
