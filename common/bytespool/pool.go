// Package bytespool provides size-tiered reusable byte slices for the I/O
// pump goroutines. Tiers double from MinPoolSize up to the largest receive
// buffer the pumps use, so a 64 KiB datagram buffer never hits the
// allocator on the hot path.
package bytespool

import "sync"

const (
	tierCount = 6
	// MinPoolSize is the smallest pooled slice; requests below it are
	// allocated directly.
	MinPoolSize = 2048
)

var (
	tiers     [tierCount]sync.Pool
	tierSizes [tierCount]int
)

func init() {
	size := MinPoolSize
	for i := range tiers {
		n := size
		tiers[i].New = func() any { return make([]byte, n) }
		tierSizes[i] = size
		size *= 2
	}
}

// Alloc returns a slice of at least size bytes, pooled when a tier fits.
func Alloc(size int) []byte {
	if size >= MinPoolSize {
		for i, ts := range tierSizes {
			if size <= ts {
				return tiers[i].Get().([]byte)
			}
		}
	}
	return make([]byte, size)
}

// Free returns a slice obtained from Alloc to its tier. Slices outside the
// tier range are dropped for the garbage collector.
func Free(b []byte) {
	size := cap(b)
	if size < MinPoolSize {
		return
	}
	for i := tierCount - 1; i >= 0; i-- {
		if size == tierSizes[i] {
			tiers[i].Put(b[:size])
			return
		}
	}
}
