// Package bufpool provides a pooled byte-slice allocator used by the bit
// stream writer to avoid per-packet allocation on the hot path.
package bufpool

import "github.com/colega/zeropool"

// naia packets are capped at the MTU, so a single pool sized for the
// largest packet covers every writer.
const defaultCap = 1500

var pool = zeropool.New(func() []byte {
	return make([]byte, 0, defaultCap)
})

// Get returns a zero-length byte slice with at least size capacity.
func Get(size int) []byte {
	b := pool.Get()
	if cap(b) < size {
		return make([]byte, 0, size)
	}
	return b[:0]
}

// Put returns b to the pool for reuse. Callers must not retain b afterward.
func Put(b []byte) {
	pool.Put(b[:0])
}
