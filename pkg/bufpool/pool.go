// Package bufpool provides pooled receive buffers with lease semantics, so
// every acquisition is paired with exactly one return on all exit paths.
package bufpool

import "sync"

// Pool hands out fixed-size byte buffers backed by a sync.Pool.
type Pool struct {
	size int
	p    sync.Pool
}

// New builds a pool of buffers of the given size.
func New(size int) *Pool {
	bp := &Pool{size: size}
	bp.p.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of the buffers this pool hands out.
func (p *Pool) Size() int { return p.size }

// Acquire leases one buffer. Release the lease when the bytes read into the
// buffer are no longer referenced; payloads that outlive the lease must be
// copied out first.
func (p *Pool) Acquire() *Lease {
	return &Lease{p: p, buf: p.p.Get().(*[]byte)}
}

// Lease is one checked-out buffer. Release is idempotent, so it can sit in a
// defer while error paths release early.
type Lease struct {
	p   *Pool
	buf *[]byte
}

// Bytes returns the leased buffer, or nil after release.
func (l *Lease) Bytes() []byte {
	if l.buf == nil {
		return nil
	}
	return *l.buf
}

// Release returns the buffer to the pool. Further Bytes calls return nil.
func (l *Lease) Release() {
	if l.buf == nil {
		return
	}
	buf := l.buf
	l.buf = nil
	l.p.p.Put(buf)
}
