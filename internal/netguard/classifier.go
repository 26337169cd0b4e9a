// Package netguard guards outbound connections against SSRF: it classifies
// resolved addresses against private and reserved ranges and pins a single
// validated address to each request so the transport can never re-resolve.
package netguard

import (
	"fmt"
	"net"
)

// blockedV4 and blockedV6 are pre-computed at package init to avoid
// re-parsing on every call.
var (
	blockedV4 []*net.IPNet
	blockedV6 []*net.IPNet
)

func init() {
	blockedV4 = mustParseCIDRs(
		"0.0.0.0/8",       // "this network"
		"10.0.0.0/8",      // RFC 1918
		"100.64.0.0/10",   // CGNAT
		"127.0.0.0/8",     // loopback
		"169.254.0.0/16",  // link-local
		"172.16.0.0/12",   // RFC 1918
		"192.0.2.0/24",    // TEST-NET-1
		"192.168.0.0/16",  // RFC 1918
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"224.0.0.0/3",     // multicast and everything above (reserved, broadcast)
	)
	blockedV6 = mustParseCIDRs(
		"::/128",        // unspecified
		"::1/128",       // loopback
		"fc00::/7",      // unique-local
		"fe80::/10",     // link-local
		"ff00::/8",      // multicast
		"2001:db8::/32", // documentation
	)
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, parsed, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("bad CIDR %q: %v", cidr, err))
		}
		out = append(out, parsed)
	}
	return out
}

// Classifier decides whether an address is an acceptable outbound target.
// The zero value blocks all private/reserved ranges; AllowPrivate disables
// every check and exists only for deployments confined to a trusted network.
type Classifier struct {
	AllowPrivate bool
}

// IsSafeAddr reports whether addr may be dialed. It is pure and never
// errors: anything that fails to parse is unsafe.
func (c Classifier) IsSafeAddr(addr string) bool {
	if c.AllowPrivate {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return !matchesAny(v4, blockedV4)
	}
	return !matchesAny(ip, blockedV6)
}

func matchesAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
