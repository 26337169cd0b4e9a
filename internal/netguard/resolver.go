package netguard

import (
	"context"
	"fmt"
	"net"
)

// AddrClassifier is the verdict function the resolver consults before
// handing out an address.
type AddrClassifier interface {
	IsSafeAddr(addr string) bool
}

// UnsafeTargetError reports a hostname whose resolved address failed
// classification. The offending address is preserved so callers can log it.
type UnsafeTargetError struct {
	Host string
	Addr string
}

func (e *UnsafeTargetError) Error() string {
	return fmt.Sprintf("unsafe target: %s resolves to disallowed address %s", e.Host, e.Addr)
}

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Pinned is the one address a caller is bound to dial for the request that
// produced it. It must never be reused for a different hostname.
type Pinned struct {
	Addr    string
	Network string // "ip4" or "ip6"
}

// Resolver resolves a hostname exactly once, validates the result, and pins
// it. Forcing the transport to dial the pinned address closes the rebinding
// window between validation and connection.
type Resolver struct {
	classifier AddrClassifier
	lookup     LookupFunc
}

// NewResolver builds a Resolver using the default system resolver.
func NewResolver(classifier AddrClassifier) *Resolver {
	return &Resolver{
		classifier: classifier,
		lookup:     net.DefaultResolver.LookupIPAddr,
	}
}

// NewResolverWithLookup builds a Resolver with a custom lookup, used by
// tests to control name resolution.
func NewResolverWithLookup(classifier AddrClassifier, lookup LookupFunc) *Resolver {
	return &Resolver{classifier: classifier, lookup: lookup}
}

// ResolveAndPin resolves host to a single validated address. Literal IPs
// skip DNS but still pass through the classifier.
func (r *Resolver) ResolveAndPin(ctx context.Context, host string) (Pinned, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := r.lookup(ctx, host)
		if err != nil {
			return Pinned{}, fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return Pinned{}, fmt.Errorf("resolve %s: no addresses", host)
		}
		ip = addrs[0].IP
	}
	addr := ip.String()
	if !r.classifier.IsSafeAddr(addr) {
		return Pinned{}, &UnsafeTargetError{Host: host, Addr: addr}
	}
	network := "ip6"
	if ip.To4() != nil {
		network = "ip4"
	}
	return Pinned{Addr: addr, Network: network}, nil
}
