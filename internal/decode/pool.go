package decode

import (
	"image"
	"sync"
	"sync/atomic"
)

// Pool recycles RGBA buffers between decodes. Buffers are only returned
// through DecodedImage.Release, so a buffer is never handed out while a
// consumer still holds it.
type Pool struct {
	mu     sync.Mutex
	free   []*image.RGBA
	max    int
	allocs atomic.Uint64
}

// NewPool keeps at most max idle buffers.
func NewPool(max int) *Pool {
	if max <= 0 {
		max = 4
	}
	return &Pool{max: max}
}

// Get returns an idle w x h buffer or allocates one.
func (p *Pool) Get(w, h int) *image.RGBA {
	want := image.Rect(0, 0, w, h)

	p.mu.Lock()
	for i := len(p.free) - 1; i >= 0; i-- {
		img := p.free[i]
		if img.Rect == want {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.mu.Unlock()
			return img
		}
	}
	p.mu.Unlock()

	p.allocs.Add(1)
	return image.NewRGBA(want)
}

// Put parks img for reuse.
func (p *Pool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.max {
		p.free = append(p.free, img)
	}
}

// Allocations returns how many buffers the pool has allocated.
func (p *Pool) Allocations() uint64 { return p.allocs.Load() }
