package pool

import "sync"

// SlicePool is a bounded LIFO free list. Values beyond limit are dropped on
// Release and left to the garbage collector.
type SlicePool[T any] struct {
	mu    sync.Mutex
	s     []T
	limit int
	newFn func() T
}

func NewSlicePool[T any](limit int, newFn func() T) *SlicePool[T] {
	return &SlicePool[T]{s: make([]T, 0, min(limit, 64)), limit: limit, newFn: newFn}
}

// Acquire returns a pooled value, or a fresh one when the pool is empty.
func (p *SlicePool[T]) Acquire() T {
	p.mu.Lock()
	l := len(p.s)
	if l == 0 {
		p.mu.Unlock()
		return p.newFn()
	}
	v := p.s[l-1]
	p.s = p.s[:l-1]
	p.mu.Unlock()
	return v
}

func (p *SlicePool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.s) < p.limit {
		p.s = append(p.s, v)
	}
}

func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}

// Buffers hands out byte slices of one fixed capacity.
type Buffers struct {
	size int
	p    *SlicePool[[]byte]
}

func NewBuffers(size, limit int) *Buffers {
	return &Buffers{
		size: size,
		p:    NewSlicePool(limit, func() []byte { return make([]byte, size) }),
	}
}

// Get returns a buffer of length n. n must not exceed the pool's size.
func (b *Buffers) Get(n int) []byte {
	return b.p.Acquire()[:n]
}

// Put returns buf to the pool. Buffers of a foreign capacity are dropped.
func (b *Buffers) Put(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.p.Release(buf[:b.size])
}
