package netstack

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultResolverCacheSize = 128

// CachedResolver 在 Stack.Resolve 之前加了一层 LRU 缓存。
// 嵌入式栈的名字解析往往要走一次完整的网络往返，而发送路径可能对同一个
// 主机名反复解析，因此缓存收益明显。
//
// Negative results are not cached: a lookup that failed once may succeed
// on the next attempt.
type CachedResolver struct {
	stack Stack
	cache *lru.Cache[string, netip.Addr]
}

// NewCachedResolver wraps stack with an LRU resolution cache of the given
// size. A size <= 0 selects the default.
func NewCachedResolver(stack Stack, size int) (*CachedResolver, error) {
	if size <= 0 {
		size = defaultResolverCacheSize
	}
	cache, err := lru.New[string, netip.Addr](size)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{stack: stack, cache: cache}, nil
}

// Resolve returns the cached address for name, or consults the stack and
// caches the answer. Literal addresses bypass the cache entirely.
func (r *CachedResolver) Resolve(name string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return addr, nil
	}
	if addr, ok := r.cache.Get(name); ok {
		return addr, nil
	}
	addr, err := r.stack.Resolve(name)
	if err != nil {
		return netip.Addr{}, err
	}
	r.cache.Add(name, addr)
	return addr, nil
}

// Forget drops a cached entry, if present.
func (r *CachedResolver) Forget(name string) {
	r.cache.Remove(name)
}
