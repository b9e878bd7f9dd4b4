// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// The storage engine uses it to hand events from foreground writers (e.g. "a GC
// check is due") to the single maintenance goroutine without taking a lock on
// the write path.
//
// Properties:
//
//   - Producers never block: Push appends with a CAS on the tail node
//   - Unbounded: the queue grows with the number of pending items
//   - Single consumer: values are delivered on the channel returned by Recv
//   - Items pushed before Close are still delivered, then the channel is closed
//   - Per-producer order is kept, the interleaving of different producers is not defined
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a linked-list queue with a sentinel head node.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool

	// wakes the forwarding goroutine when it found the list empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its forwarding goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	q := &LockFreeMPSC[T]{out: make(chan *T)}
	q.cond = sync.NewCond(&q.mu)

	sentinel := &node[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()
	return q
}

// Push appends a value. It returns false for nil values or a closed queue.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var spins uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have moved the tail, that is fine
				q.tail.CompareAndSwap(tail, n)
				q.wake()
				return true
			}
		} else {
			// help a producer that linked its node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// forward moves items from the list to the out channel until the queue is closed and empty.
func (q *LockFreeMPSC[T]) forward() {
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true
			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if delivered {
			continue
		}
		if q.closed.Load() {
			return
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel the consumer reads from. It is closed after Close once all items are delivered.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting new items.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.wake()
}
