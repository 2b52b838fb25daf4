// Package config loads a sandbox profile from a TOML file, the way the
// example pack's dispatcher family loads its own process configuration at
// startup.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Profile is the on-disk shape of a sandbox configuration file.
type Profile struct {
	WasmDirectory  string            `toml:"wasm_directory"`
	TimeoutMs      int64             `toml:"timeout_ms"`
	FSLimitBytes   int64             `toml:"fs_limit_bytes"`
	FSLimitEntries int64             `toml:"fs_limit_entries"`
	AllowedHosts   []string          `toml:"allowed_hosts"`
	AllowedMethods []string          `toml:"allowed_methods"`
	HostMounts     []HostMount       `toml:"host_mount"`
	Env            map[string]string `toml:"env"`

	// ShellWasmPath, PlatformAdapter, and Packages mirror
	// sandbox.Options's fields of the same meaning — spec.md's
	// create(options) facade parameters "optional explicit shell-wasm
	// path, optional platform adapter, optional packages list".
	ShellWasmPath   string   `toml:"shell_wasm_path"`
	PlatformAdapter string   `toml:"platform_adapter"`
	Packages        []string `toml:"packages"`
}

// HostMount binds a real host directory into the sandbox at MountPath.
type HostMount struct {
	HostPath  string `toml:"host_path"`
	MountPath string `toml:"mount_path"`
	Writable  bool   `toml:"writable"`
}

// Timeout returns the configured per-command timeout, defaulting to 30s
// (the spec's default) when unset.
func (p Profile) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Load reads and parses a TOML profile from path.
func Load(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return &p, nil
}
