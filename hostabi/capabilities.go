// Package hostabi exposes the sandbox's single capability namespace to any
// guest that needs more than the plain WASI Preview1 surface: pipe
// creation, spawn/waitpid, fd bookkeeping, VFS access, glob, and network
// egress. Only the shell guest is expected to import all of it in this
// implementation (coreutil guests get WASI P1 only); the module is kept
// general so a future guest kind (a compiled interpreter needing
// network_fetch, say) has somewhere to import it from.
package hostabi

// Capability is one bit of the namespace a guest can be granted.
type Capability int

const (
	CapPipe Capability = iota
	CapSpawn
	CapWaitpid
	CapFS
	CapGlob
	CapNetwork
	CapExtension
)

// Capabilities is a guest's granted capability set.
type Capabilities map[Capability]bool

func NewCapabilities(caps ...Capability) Capabilities {
	set := make(Capabilities, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

func (c Capabilities) Has(cap Capability) bool { return c[cap] }

// ShellCapabilities is what the named shell table's guests are granted:
// everything except network and extension_invoke, which are reserved for
// a future Python/MCP guest per spec.md's stated Non-goals.
func ShellCapabilities() Capabilities {
	return NewCapabilities(CapPipe, CapSpawn, CapWaitpid, CapFS, CapGlob)
}
