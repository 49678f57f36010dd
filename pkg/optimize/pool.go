package optimize

import (
	"sync"
)

// BytePool hands out fixed-size read buffers. Buffers that were resliced
// below the pool size are dropped rather than returned.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *BytePool) Size() int { return p.size }

// Get returns a buffer of exactly Size bytes.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Clone copies the first n bytes of buf into a fresh slice, so buf can go
// back to the pool while the copy is still being delivered.
func Clone(buf []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}
