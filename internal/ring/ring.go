// Package ring implements the single-producer/single-consumer bounded
// packet-event queue that hands traffic-worker events to the reporter.
//
// The producer (a traffic worker) never drops an event: Enqueue spins
// briefly and then blocks on a condition variable when the ring is
// full. The consumer (the reporter) drains with Dequeue, which never
// blocks -- an empty ring just means "nothing to report this cycle".
// Sentinel handling (seq == -1) is layered on top by the caller; the
// ring only guarantees FIFO order and a "consumer done" handshake so
// the worker can safely close its socket once the reporter has seen
// the sentinel.
package ring

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/netperfx/perfx/internal/domain"
)

const spinAttempts = 64

// Ring is a bounded SPSC queue of domain.PacketEvent.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond // signaled when the ring transitions from full/empty

	buf   []domain.PacketEvent
	head  int // next slot to dequeue from
	tail  int // next slot to enqueue into
	count int
	n     atomic.Int32 // lock-free mirror of count, for the pre-lock spin check

	consumerDone     bool
	consumerDoneCond *sync.Cond
}

// New returns a ring preallocated to hold capacity events.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring{
		buf: make([]domain.PacketEvent, capacity),
	}
	r.cond = sync.NewCond(&r.mu)
	r.consumerDoneCond = sync.NewCond(&r.mu)
	return r
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Count returns the number of events currently queued.
func (r *Ring) Count() int {
	return int(r.n.Load())
}

// Enqueue publishes ev to the ring. It spins briefly if the ring is
// momentarily full (the reporter is mid-cycle) and falls back to a
// condition wait so the producer never busy-loops indefinitely. It
// never drops the event.
func (r *Ring) Enqueue(ev domain.PacketEvent) {
	cap := len(r.buf)
	if int(r.n.Load()) == cap {
		for spins := 0; spins < spinAttempts && int(r.n.Load()) == cap; spins++ {
			runtime.Gosched()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == cap {
		r.cond.Wait()
	}

	r.buf[r.tail] = ev
	r.tail = (r.tail + 1) % cap
	r.count++
	r.n.Store(int32(r.count))
	r.cond.Signal()
}

// Dequeue removes and returns the oldest event, if any. It never
// blocks: an empty ring returns ok == false immediately so the
// reporter can move on to the next job in its cycle.
func (r *Ring) Dequeue() (ev domain.PacketEvent, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return domain.PacketEvent{}, false
	}

	ev = r.buf[r.head]
	r.buf[r.head] = domain.PacketEvent{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.n.Store(int32(r.count))
	r.cond.Signal()
	return ev, true
}

// SignalConsumerDone marks that the reporter has drained the sentinel
// event for this ring and wakes any worker blocked in
// WaitConsumerDone. Idempotent.
func (r *Ring) SignalConsumerDone() {
	r.mu.Lock()
	r.consumerDone = true
	r.mu.Unlock()
	r.consumerDoneCond.Broadcast()
}

// WaitConsumerDone blocks until SignalConsumerDone has been called.
// The worker calls this after posting its sentinel event, before
// closing its socket, so the reporter never touches a closed fd.
func (r *Ring) WaitConsumerDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.consumerDone {
		r.consumerDoneCond.Wait()
	}
}
