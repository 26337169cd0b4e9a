package netguard

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Transport returns an http.Transport whose DialContext resolves, validates
// and dials the pinned address in one step. The request URL keeps the
// original hostname, so the Host header and TLS SNI are unaffected. Intended
// for clients that manage their own redirect handling (e.g. the TOC
// collector); the redirect fetcher pins per hop instead.
func Transport(resolver *Resolver) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		// No Proxy: routing through a proxy would classify the proxy's
		// address instead of the target's.
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			pinned, err := resolver.ResolveAndPin(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.Addr, port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
