package netstack

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// lookupStack only implements Resolve; the embedded interface covers the
// rest of the Stack surface, which these tests never touch.
type lookupStack struct {
	Stack
	table   map[string]netip.Addr
	lookups int
}

func (s *lookupStack) Resolve(name string) (netip.Addr, error) {
	s.lookups++
	addr, ok := s.table[name]
	if !ok {
		return netip.Addr{}, ErrDNSFailure
	}
	return addr, nil
}

func TestCachedResolverCachesPositiveResults(t *testing.T) {
	stack := &lookupStack{table: map[string]netip.Addr{
		"device.local": netip.MustParseAddr("192.0.2.10"),
	}}
	r, err := NewCachedResolver(stack, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		addr, err := r.Resolve("device.local")
		require.NoError(t, err)
		require.Equal(t, "192.0.2.10", addr.String())
	}
	require.Equal(t, 1, stack.lookups)
}

func TestCachedResolverLiteralBypassesCache(t *testing.T) {
	stack := &lookupStack{}
	r, err := NewCachedResolver(stack, 0)
	require.NoError(t, err)

	addr, err := r.Resolve("2001:db8::1")
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1", addr.String())
	require.Zero(t, stack.lookups)
}

func TestCachedResolverDoesNotCacheFailures(t *testing.T) {
	stack := &lookupStack{table: map[string]netip.Addr{}}
	r, err := NewCachedResolver(stack, 0)
	require.NoError(t, err)

	_, err = r.Resolve("missing.local")
	require.ErrorIs(t, err, ErrDNSFailure)

	// The name appears afterwards; the resolver must consult the stack
	// again instead of replaying the failure.
	stack.table["missing.local"] = netip.MustParseAddr("192.0.2.20")
	addr, err := r.Resolve("missing.local")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.20", addr.String())
	require.Equal(t, 2, stack.lookups)
}

func TestCachedResolverForget(t *testing.T) {
	stack := &lookupStack{table: map[string]netip.Addr{
		"device.local": netip.MustParseAddr("192.0.2.10"),
	}}
	r, err := NewCachedResolver(stack, 0)
	require.NoError(t, err)

	_, err = r.Resolve("device.local")
	require.NoError(t, err)
	r.Forget("device.local")
	_, err = r.Resolve("device.local")
	require.NoError(t, err)
	require.Equal(t, 2, stack.lookups)
}
