package proxy

import "sync"

// relayBufferSize matches the read size of one relay iteration.
const relayBufferSize = 4096

// BufferPool recycles fixed-size relay buffers across connections.
type BufferPool struct {
	pool sync.Pool
}

func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Get returns a pointer so Put does not allocate when boxing the slice.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *BufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}
