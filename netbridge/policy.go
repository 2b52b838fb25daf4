// Package netbridge implements the sandbox's synchronous-looking network
// egress: a fetch contract backed by a host allowlist and method filter,
// instrumented with OpenTelemetry spans the way the example pack's own
// HTTP middleware is (otelhttp.NewHandler / tracer.Start).
package netbridge

import "strings"

// Policy gates every fetch: an allowed-hosts allowlist and a method
// filter. An empty AllowedHosts denies everything (fail closed), matching
// the spec's default-deny network posture.
type Policy struct {
	AllowedHosts  []string
	AllowedMethods []string
}

// Allow reports whether host/method may proceed, and if not, why — the
// reason is surfaced to the guest as the network_fetch error body.
func (p Policy) Allow(host, method string) (bool, string) {
	if !p.hostAllowed(host) {
		return false, "host not in allowlist: " + host
	}
	if !p.methodAllowed(method) {
		return false, "method not permitted: " + method
	}
	return true, ""
}

func (p Policy) hostAllowed(host string) bool {
	for _, h := range p.AllowedHosts {
		if h == "*" || strings.EqualFold(h, host) {
			return true
		}
		if strings.HasPrefix(h, "*.") && strings.HasSuffix(strings.ToLower(host), strings.ToLower(h[1:])) {
			return true
		}
	}
	return false
}

func (p Policy) methodAllowed(method string) bool {
	if len(p.AllowedMethods) == 0 {
		return method == "GET" || method == "HEAD"
	}
	for _, m := range p.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
