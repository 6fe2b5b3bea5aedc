// Package dispatch delivers events from a producer goroutine to a
// consumer goroutine in order and without blocking the producer.
//
// The queue is unbounded: nothing pushed is ever dropped. Depth is
// reported through an optional hook and a warning is logged whenever it
// crosses the high-water mark, so a stalled consumer is visible.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/mjpeg-stream/internal/logger"
)

// DefaultHighWater is the depth at which a stalled consumer is reported.
const DefaultHighWater = 120

type options struct {
	highWater int
	onDepth   func(int)
}

// Option configures a Channel.
type Option func(*options)

// WithHighWater sets the depth that triggers a warning.
func WithHighWater(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.highWater = n
		}
	}
}

// WithDepthHook is called with the queue depth after every push and pop.
func WithDepthHook(fn func(depth int)) Option {
	return func(o *options) { o.onDepth = fn }
}

// Channel is an ordered asynchronous queue feeding a single handler.
type Channel[T any] struct {
	log     logger.Scoped
	handler func(T)
	opts    options

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	head   int
	closed bool
	high   bool

	delivered atomic.Uint64
	done      chan struct{}
}

// New starts a consumer goroutine that calls handler for every pushed
// value, one at a time, in push order.
func New[T any](name string, handler func(T), opts ...Option) *Channel[T] {
	c := &Channel[T]{
		log:     logger.For("Dispatch").With(name),
		handler: handler,
		opts:    options{highWater: DefaultHighWater},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

// Push enqueues v. It never blocks on the consumer and returns false only
// after Close.
func (c *Channel[T]) Push(v T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, v)
	depth := c.depthLocked()
	if depth >= c.opts.highWater && !c.high {
		c.high = true
		c.log.Warn("Consumer is falling behind: %d events queued", depth)
	}
	c.cond.Signal()
	c.mu.Unlock()

	c.reportDepth(depth)
	return true
}

// Len returns the number of queued, undelivered events.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depthLocked()
}

// Delivered returns how many events the handler has finished.
func (c *Channel[T]) Delivered() uint64 { return c.delivered.Load() }

// Close stops accepting events, waits for everything already queued to be
// delivered, then returns. Safe to call more than once.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
}

// Done is closed once the consumer goroutine has exited.
func (c *Channel[T]) Done() <-chan struct{} { return c.done }

func (c *Channel[T]) run() {
	defer close(c.done)

	for {
		c.mu.Lock()
		for c.depthLocked() == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.depthLocked() == 0 {
			c.mu.Unlock()
			return
		}
		v := c.popLocked()
		depth := c.depthLocked()
		if c.high && depth < c.opts.highWater/2 {
			c.high = false
			c.log.Info("Consumer caught up (%d queued)", depth)
		}
		c.mu.Unlock()

		c.reportDepth(depth)
		c.handler(v)
		c.delivered.Add(1)
	}
}

func (c *Channel[T]) depthLocked() int {
	return len(c.queue) - c.head
}

func (c *Channel[T]) popLocked() T {
	var zero T
	v := c.queue[c.head]
	c.queue[c.head] = zero
	c.head++

	switch {
	case c.head == len(c.queue):
		c.queue = c.queue[:0]
		c.head = 0
	case c.head >= 256 && c.head*2 >= len(c.queue):
		n := copy(c.queue, c.queue[c.head:])
		clear(c.queue[n:])
		c.queue = c.queue[:n]
		c.head = 0
	}
	return v
}

func (c *Channel[T]) reportDepth(depth int) {
	if c.opts.onDepth != nil {
		c.opts.onDepth(depth)
	}
}
