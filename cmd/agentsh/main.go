// Command agentsh is a one-shot CLI driver over the sandbox facade: load a
// profile, create a sandbox, run a single command, print its result.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentsh/sandbox/config"
	"github.com/agentsh/sandbox/sandbox"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "version":
		fmt.Println("agentsh v0.1.0")
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: agentsh <command>

Commands:
  run       Run a single shell command in a fresh sandbox
  version   Print version`)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	profilePath := fs.String("profile", "", "path to a TOML sandbox profile")
	wasmDir := fs.String("wasm-dir", "", "directory of .wasm tools (overrides profile)")
	verbose := fs.Bool("v", false, "log debug-level diagnostics to stderr")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "agentsh run: missing command")
		os.Exit(2)
	}
	commandText := strings.Join(fs.Args(), " ")

	opts := sandbox.Options{}
	if *profilePath != "" {
		profile, err := config.Load(*profilePath)
		if err != nil {
			fatalf("load profile: %v", err)
		}
		opts = sandbox.Options{
			WasmDirectory:   profile.WasmDirectory,
			Timeout:         profile.Timeout(),
			FSLimitBytes:    profile.FSLimitBytes,
			FSLimitEntries:  profile.FSLimitEntries,
			AllowedHosts:    profile.AllowedHosts,
			AllowedMethods:  profile.AllowedMethods,
			Env:             profile.Env,
			ShellWasmPath:   profile.ShellWasmPath,
			PlatformAdapter: profile.PlatformAdapter,
			Packages:        profile.Packages,
		}
		for _, m := range profile.HostMounts {
			opts.HostMounts = append(opts.HostMounts, sandbox.HostMount{
				HostPath:  m.HostPath,
				MountPath: m.MountPath,
				Writable:  m.Writable,
			})
		}
	}
	if *wasmDir != "" {
		opts.WasmDirectory = *wasmDir
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	opts.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	ctx := context.Background()
	sb, err := sandbox.New(ctx, opts)
	if err != nil {
		fatalf("create sandbox: %v", err)
	}
	defer sb.Destroy(ctx)

	res, err := sb.Run(ctx, commandText)
	if err != nil {
		fatalf("run: %v", err)
	}

	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "agentsh: output truncated")
	}
	os.Exit(res.ExitCode)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "agentsh: "+format+"\n", args...)
	os.Exit(1)
}
