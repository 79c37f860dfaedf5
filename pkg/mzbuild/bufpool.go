package mzbuild

import "sync"

// copyBufferPool hands out reusable byte slices for the content-hashing
// copy loop in hashFile, avoiding a fresh allocation per input file during
// a fingerprint pass over a large tree.
var copyBufferPool = &bufferPool{
	pool: sync.Pool{
		New: func() any {
			return make([]byte, 32*1024)
		},
	},
}

type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() []byte {
	return p.pool.Get().([]byte)
}

func (p *bufferPool) Put(buf []byte) {
	if cap(buf) > 256*1024 {
		return
	}
	p.pool.Put(buf) //nolint:staticcheck // fixed-size buffer, no need to reslice to zero length
}
