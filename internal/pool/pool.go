// Package pool recycles small byte buffers for RPC transaction frames
// (catalogue entries, request/response argument tuples), avoiding a fresh
// allocation on every enqueue/dequeue in pkg/pool's outbound path.
package pool

import "sync"

// SmallBufSize covers the overwhelming majority of transaction frames.
// Frames larger than this still work correctly — the caller's buffer grows
// past the pooled allocation. PutSmall accepts any buffer of at least
// SmallBufSize capacity, so a grown buffer can be recycled as well.
const SmallBufSize = 8192

var smallPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, SmallBufSize)
		return &b
	},
}

// GetSmall returns a small buffer from the pool.
func GetSmall() *[]byte {
	return smallPool.Get().(*[]byte)
}

// PutSmall returns a small buffer to the pool. An undersized buffer is
// dropped rather than recycled, so a later GetSmall always returns a
// buffer of at least SmallBufSize capacity.
func PutSmall(b *[]byte) {
	if b == nil || cap(*b) < SmallBufSize {
		return
	}
	*b = (*b)[:SmallBufSize]
	smallPool.Put(b)
}
