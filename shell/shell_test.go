package shell

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentsh/sandbox/kernel"
	"github.com/agentsh/sandbox/vfs"
)

// fakeRunner is a minimal kernel.GuestRunner backing spawned external
// commands in tests, since this pack ships no compiled .wasm tools.
type fakeRunner struct {
	tools map[string]func(fds *kernel.FdTable) int
}

func (f *fakeRunner) HasTool(prog string) bool {
	_, ok := f.tools[prog]
	return ok
}

func (f *fakeRunner) Run(ctx context.Context, prog string, args, env []string, cwd string, fds *kernel.FdTable) (int, error) {
	fn, ok := f.tools[prog]
	if !ok {
		return 127, nil
	}
	return fn(fds), nil
}

func newTestDriver(t *testing.T, tools map[string]func(fds *kernel.FdTable) int) *Driver {
	t.Helper()
	if tools == nil {
		tools = map[string]func(fds *kernel.FdTable) int{}
	}
	v := vfs.New(vfs.Limits{}, zerolog.Nop())
	if err := vfs.DefaultLayout(v); err != nil {
		t.Fatalf("DefaultLayout: %v", err)
	}
	v.MarkWritable("/tmp")
	v.MarkWritable("/home")
	v.MarkWritable("/root")

	k := kernel.New(&fakeRunner{tools: tools}, zerolog.Nop())
	env := map[string]string{"HOME": "/root", "PATH": "/usr/bin"}
	return New("default", k, v, env, "/root", zerolog.Nop())
}

func run(t *testing.T, d *Driver, script string) *Result {
	t.Helper()
	res, err := d.RunCommand(context.Background(), script)
	if err != nil {
		t.Fatalf("RunCommand(%q): %v", script, err)
	}
	return res
}

func TestSimpleCommandAndExitCode(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "echo hello")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if string(res.Stdout) != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestPipelineThroughBuiltins(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "echo banana | tee /tmp/fruit.txt | sha256sum")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(string(res.Stdout), " ") {
		t.Fatalf("expected sha256sum-style output, got %q", res.Stdout)
	}
	data, err := d.vfsRoot.ReadFile("/tmp/fruit.txt")
	if err != nil {
		t.Fatalf("tee did not create file: %v", err)
	}
	if string(data) != "banana\n" {
		t.Fatalf("tee contents = %q", data)
	}
}

func TestPipelinePropagatesLastStageExitCode(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "true | false | true")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0 (pipefail off)", res.ExitCode)
	}

	run(t, d, "set -o pipefail")
	res = run(t, d, "true | false | true")
	if res.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1 (pipefail on, middle stage failed)", res.ExitCode)
	}
}

func TestPipefailReportsRightmostFailingStage(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "set -o pipefail")
	res := run(t, d, "(exit 2) | (exit 3) | true")
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3 (rightmost failing stage, not the first)", res.ExitCode)
	}
}

func TestRedirectionWriteAppendAndRead(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "echo first > /tmp/out.txt")
	run(t, d, "echo second >> /tmp/out.txt")
	res := run(t, d, "cat < /tmp/out.txt")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	if string(res.Stdout) != "first\nsecond\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRedirectionTruncatesOnPlainOut(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "echo long-first-line > /tmp/trunc.txt")
	run(t, d, "echo x > /tmp/trunc.txt")
	res := run(t, d, "cat /tmp/trunc.txt")
	if string(res.Stdout) != "x\n" {
		t.Fatalf("stdout = %q, want truncated content", res.Stdout)
	}
}

func TestSubshellScoping(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "mkdir /tmp/sub")
	res := run(t, d, "(cd /tmp/sub; FOO=bar; echo in=$FOO,$(pwd)); echo out=$FOO,$(pwd)")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	got := string(res.Stdout)
	if !strings.Contains(got, "in=bar,/tmp/sub") {
		t.Fatalf("stdout = %q, missing subshell-scoped state", got)
	}
	if !strings.Contains(got, "out=,/root") {
		t.Fatalf("stdout = %q, subshell state leaked to parent", got)
	}
}

func TestSubshellExitDoesNotEndScript(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "(exit 7); echo after=$?")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0 (script continued)", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "after=7") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestTopLevelExitStopsScript(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "echo one; exit 3; echo two")
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.Contains(string(res.Stdout), "two") {
		t.Fatalf("stdout = %q, should have stopped at exit", res.Stdout)
	}

	res = run(t, d, "echo three")
	if res.ExitCode != 0 {
		t.Fatalf("exit code after next RunCommand = %d, want reset to 0", res.ExitCode)
	}
}

func TestIfClause(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "if true; then echo yes; else echo no; fi")
	if strings.TrimSpace(string(res.Stdout)) != "yes" {
		t.Fatalf("stdout = %q", res.Stdout)
	}

	res = run(t, d, "if false; then echo yes; else echo no; fi")
	if strings.TrimSpace(string(res.Stdout)) != "no" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestWhileClause(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, `i=0
while [ "$i" != "xxx" ]; do
  echo "tick $i"
  i=xxx
done`)
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
}

func TestCommandSubstitution(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, `echo "value is $(echo inner)"`)
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	if strings.TrimSpace(string(res.Stdout)) != "value is inner" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestAndOrShortCircuit(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "false && echo should-not-print")
	if strings.Contains(string(res.Stdout), "should-not-print") {
		t.Fatalf("&& ran right side after failure: %q", res.Stdout)
	}

	res = run(t, d, "true || echo should-not-print")
	if strings.Contains(string(res.Stdout), "should-not-print") {
		t.Fatalf("|| ran right side after success: %q", res.Stdout)
	}

	res = run(t, d, "false || echo fallback")
	if strings.TrimSpace(string(res.Stdout)) != "fallback" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestErrexitStopsOnFailure(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "set -e")
	res := run(t, d, "false\necho unreachable")
	if strings.Contains(string(res.Stdout), "unreachable") {
		t.Fatalf("errexit did not stop the script: %q", res.Stdout)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", res.ExitCode)
	}
}

func TestNounsetFailsOnUnboundVariable(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "set -u")
	res := run(t, d, "echo $NOPE")
	if res.ExitCode == 0 {
		t.Fatalf("expected nonzero exit for unbound variable under -u")
	}
}

func TestSpawnsExternalTool(t *testing.T) {
	tools := map[string]func(fds *kernel.FdTable) int{
		"greet": func(fds *kernel.FdTable) int {
			target, ok := fds.Get(1)
			if ok && target.Kind == kernel.FdBuffer {
				target.Buffer.Write([]byte("hi from guest\n"))
			}
			return 0
		},
	}
	d := newTestDriver(t, tools)
	res := run(t, d, "greet")
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr=%s", res.ExitCode, res.Stderr)
	}
	if string(res.Stdout) != "hi from guest\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestUnknownCommandExits127(t *testing.T) {
	d := newTestDriver(t, nil)
	res := run(t, d, "totally-not-a-real-tool")
	if res.ExitCode != 127 {
		t.Fatalf("exit code = %d, want 127", res.ExitCode)
	}
}

func TestCancellationDuringSpawnReturns124(t *testing.T) {
	block := make(chan struct{})
	tools := map[string]func(fds *kernel.FdTable) int{
		"sleepy": func(fds *kernel.FdTable) int {
			<-block
			return 0
		},
	}
	d := newTestDriver(t, tools)
	d.CommandTimeout = 30 * time.Millisecond

	res := run(t, d, "sleepy")
	close(block)
	if res.ExitCode != 124 {
		t.Fatalf("exit code = %d, want 124 (timeout)", res.ExitCode)
	}
}

func TestCdAndPwdBuiltins(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "mkdir /tmp/work")
	res := run(t, d, "cd /tmp/work && pwd")
	if strings.TrimSpace(string(res.Stdout)) != "/tmp/work" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestExportAndUnset(t *testing.T) {
	d := newTestDriver(t, nil)
	run(t, d, "export FOO=bar")
	res := run(t, d, "echo $FOO")
	if strings.TrimSpace(string(res.Stdout)) != "bar" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	run(t, d, "unset FOO")
	res = run(t, d, "echo $FOO")
	if strings.TrimSpace(string(res.Stdout)) != "" {
		t.Fatalf("stdout after unset = %q", res.Stdout)
	}
}

func TestCommandScopedEnvDoesNotPersist(t *testing.T) {
	tools := map[string]func(fds *kernel.FdTable) int{
		"noop": func(fds *kernel.FdTable) int { return 0 },
	}
	d := newTestDriver(t, tools)
	run(t, d, "SCOPED=yes noop")
	res := run(t, d, "echo $SCOPED")
	if strings.TrimSpace(string(res.Stdout)) != "" {
		t.Fatalf("command-scoped assignment leaked into persistent env: %q", res.Stdout)
	}
}
