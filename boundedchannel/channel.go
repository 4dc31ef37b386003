// Package boundedchannel implements a fixed-capacity producer/consumer queue
// with graceful, reference-counted shutdown. It decouples a small number of
// high-latency network workers from a smaller number of disk-writer workers
// at known backpressure, so operators can size both pools from the blocked
// counters it reports.
package boundedchannel

import "sync"

// Channel is a fixed-capacity FIFO of owning handles to T. It is safe for
// concurrent use by multiple producers and multiple consumers.
//
// The queue is a ring whose size equals its capacity, guarded by one mutex
// and two condition variables: one signaled when space frees up (for
// blocked producers) and one signaled when an item becomes available or the
// channel stops (for blocked consumers).
type Channel[T any] struct {
	mu      sync.Mutex
	writeCv sync.Cond
	readCv  sync.Cond

	queue []T

	numProducer  int
	consumeIndex uint64
	produceIndex uint64
	stopped      bool

	pushBlocked uint64
	popBlocked  uint64
}

// New creates a Channel with the given fixed capacity. Capacity must be at
// least 1.
func New[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	c := &Channel[T]{
		queue: make([]T, capacity),
	}
	c.writeCv.L = &c.mu
	c.readCv.L = &c.mu
	return c
}

// ProducerBegin registers a new producer. The channel stays open at least
// until every registered producer calls ProducerEnd.
func (c *Channel[T]) ProducerBegin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numProducer++
}

// ProducerEnd retires a producer. When the last producer retires, the
// channel automatically stops and wakes every waiter.
func (c *Channel[T]) ProducerEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numProducer--
	if c.numProducer <= 0 {
		c.stopped = true
		c.writeCv.Broadcast()
		c.readCv.Broadcast()
	}
}

// Stop idempotently stops the channel, waking all waiters. Pop continues to
// drain items already queued; Push returns stopped=true to any caller still
// waiting for space.
func (c *Channel[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.writeCv.Broadcast()
	c.readCv.Broadcast()
}

// Push blocks until capacity is available or the channel stops. stopped is
// true if the channel was already (or became) stopped before the item could
// be accepted — the caller must abandon item in that case. blocked is true
// if the call had to wait.
func (c *Channel[T]) Push(item T) (stopped bool, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.stopped {
		if c.produceIndex < uint64(len(c.queue))+c.consumeIndex {
			c.queue[c.produceIndex%uint64(len(c.queue))] = item
			c.produceIndex++
			c.readCv.Signal()
			return false, blocked
		}
		if !blocked {
			c.pushBlocked++
		}
		blocked = true
		c.writeCv.Wait()
	}
	return true, blocked
}

// Pop blocks until an item is available or the channel is stopped and
// drained. When the queue is drained and stopped, it returns the zero value
// of T with ok=false. blocked is true if the call had to wait.
func (c *Channel[T]) Pop() (item T, ok bool, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.stopped || c.consumeIndex < c.produceIndex {
		if c.consumeIndex < c.produceIndex {
			item = c.queue[c.consumeIndex%uint64(len(c.queue))]
			var zero T
			c.queue[c.consumeIndex%uint64(len(c.queue))] = zero
			c.consumeIndex++
			c.writeCv.Signal()
			return item, true, blocked
		}
		if !blocked {
			c.popBlocked++
		}
		blocked = true
		c.readCv.Wait()
	}
	var zero T
	return zero, false, blocked
}

// Len returns the number of items currently queued.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.produceIndex - c.consumeIndex)
}

// Stopped reports whether the channel has been stopped (idempotent with any
// further Stop/ProducerEnd calls).
func (c *Channel[T]) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// BlockedCounts returns the cumulative number of Push and Pop calls that had
// to wait, useful for telling whether a pipeline is network-bound (high pop
// blocked count, writers starved) or writer-bound (high push blocked count,
// network outrunning disk).
func (c *Channel[T]) BlockedCounts() (pushBlocked, popBlocked uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushBlocked, c.popBlocked
}

// ProducerGuard ties a producer's registration to a scope: construct with
// NewProducerGuard at the start of a producer goroutine and defer Release.
type ProducerGuard[T any] struct {
	ch   *Channel[T]
	once sync.Once
}

// NewProducerGuard registers a producer on ch and returns a guard that
// retires it exactly once.
func NewProducerGuard[T any](ch *Channel[T]) *ProducerGuard[T] {
	ch.ProducerBegin()
	return &ProducerGuard[T]{ch: ch}
}

// Release retires the producer. Safe to call multiple times or concurrently;
// only the first call has an effect.
func (g *ProducerGuard[T]) Release() {
	g.once.Do(g.ch.ProducerEnd)
}
