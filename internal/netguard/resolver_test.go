package netguard

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func staticLookup(table map[string]string) LookupFunc {
	return func(_ context.Context, host string) ([]net.IPAddr, error) {
		addr, ok := table[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		return []net.IPAddr{{IP: net.ParseIP(addr)}}, nil
	}
}

func TestResolveAndPinPublicHost(t *testing.T) {
	t.Parallel()

	r := NewResolverWithLookup(Classifier{}, staticLookup(map[string]string{
		"books.example.com": "93.184.216.34",
	}))
	pinned, err := r.ResolveAndPin(context.Background(), "books.example.com")
	require.NoError(t, err)
	require.Equal(t, "93.184.216.34", pinned.Addr)
	require.Equal(t, "ip4", pinned.Network)
}

func TestResolveAndPinPrivateHost(t *testing.T) {
	t.Parallel()

	r := NewResolverWithLookup(Classifier{}, staticLookup(map[string]string{
		"internal.example.com": "10.0.0.5",
	}))
	_, err := r.ResolveAndPin(context.Background(), "internal.example.com")
	var unsafeErr *UnsafeTargetError
	require.ErrorAs(t, err, &unsafeErr)
	require.Equal(t, "internal.example.com", unsafeErr.Host)
	require.Equal(t, "10.0.0.5", unsafeErr.Addr)
}

func TestResolveAndPinLiteralIPSkipsDNS(t *testing.T) {
	t.Parallel()

	lookupCalled := false
	r := NewResolverWithLookup(Classifier{}, func(context.Context, string) ([]net.IPAddr, error) {
		lookupCalled = true
		return nil, errors.New("must not be called")
	})

	pinned, err := r.ResolveAndPin(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", pinned.Addr)
	require.False(t, lookupCalled)

	_, err = r.ResolveAndPin(context.Background(), "127.0.0.1")
	var unsafeErr *UnsafeTargetError
	require.ErrorAs(t, err, &unsafeErr)
	require.False(t, lookupCalled)
}

func TestResolveAndPinV6(t *testing.T) {
	t.Parallel()

	r := NewResolverWithLookup(Classifier{}, staticLookup(map[string]string{
		"v6.example.com": "2606:4700:4700::1111",
	}))
	pinned, err := r.ResolveAndPin(context.Background(), "v6.example.com")
	require.NoError(t, err)
	require.Equal(t, "ip6", pinned.Network)
}

func TestResolveAndPinLookupFailure(t *testing.T) {
	t.Parallel()

	r := NewResolverWithLookup(Classifier{}, staticLookup(nil))
	_, err := r.ResolveAndPin(context.Background(), "missing.example.com")
	require.Error(t, err)
	var unsafeErr *UnsafeTargetError
	require.False(t, errors.As(err, &unsafeErr))
}

func TestResolveAndPinBypass(t *testing.T) {
	t.Parallel()

	r := NewResolverWithLookup(Classifier{AllowPrivate: true}, staticLookup(map[string]string{
		"internal.example.com": "192.168.1.10",
	}))
	pinned, err := r.ResolveAndPin(context.Background(), "internal.example.com")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.10", pinned.Addr)
}
