package hostabi

import (
	"context"
	"testing"
	"time"
)

func TestShellSessionSubmitRoundTrip(t *testing.T) {
	s := NewShellSession()

	go func() {
		line := <-s.commands
		if line != "echo hi" {
			t.Errorf("guest saw command %q, want %q", line, "echo hi")
		}
		s.results <- ShellResult{ExitCode: 0, Stdout: []byte("hi\n")}
	}()

	res, err := s.Submit(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ExitCode != 0 || string(res.Stdout) != "hi\n" {
		t.Fatalf("Submit result = %+v", res)
	}
}

func TestShellSessionSubmitCancelled(t *testing.T) {
	s := NewShellSession()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Submit(ctx, "sleep forever")
	if err == nil {
		t.Fatal("expected Submit to fail once ctx is done and no guest ever reads the command")
	}
}

func TestCapabilitiesHas(t *testing.T) {
	caps := NewCapabilities(CapPipe, CapSpawn)
	if !caps.Has(CapPipe) || !caps.Has(CapSpawn) {
		t.Fatal("expected CapPipe and CapSpawn granted")
	}
	if caps.Has(CapNetwork) || caps.Has(CapExtension) {
		t.Fatal("expected CapNetwork and CapExtension ungranted")
	}
}

func TestShellCapabilitiesExcludesNetworkAndExtension(t *testing.T) {
	caps := ShellCapabilities()
	for _, c := range []Capability{CapPipe, CapSpawn, CapWaitpid, CapFS, CapGlob} {
		if !caps.Has(c) {
			t.Fatalf("ShellCapabilities missing %v", c)
		}
	}
	if caps.Has(CapNetwork) || caps.Has(CapExtension) {
		t.Fatal("ShellCapabilities should not grant network/extension")
	}
}
