package engine

import (
	"context"
	"sync"
	"time"

	"github.com/speechbridge/gateway/obs"
)

// OutboundQueue is a bounded FIFO with a single producer API (Enqueue)
// and a single lazy consumer (Next), woken by a single-slot signal
// channel. audioInput events are dropped oldest-first once the queue is
// at its bound; every other kind is never dropped and is allowed to grow
// the queue past the bound rather than lose data.
type OutboundQueue struct {
	bound int

	mu       sync.Mutex
	items    []OutboundEvent
	produced bool // true once at least one item has ever been enqueued

	signal chan struct{} // single-slot wakeup
}

// NewOutboundQueue constructs an empty queue bounded at bound items.
func NewOutboundQueue(bound int) *OutboundQueue {
	return &OutboundQueue{
		bound:  bound,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends ev. If the queue is already at its bound and ev is an
// audioInput event, the oldest queued audioInput event is dropped first;
// non-audio events are always appended regardless of the bound. Enqueue
// wakes the consumer.
func (q *OutboundQueue) Enqueue(ev OutboundEvent) {
	q.mu.Lock()
	if ev.Kind == EventAudioInput && len(q.items) >= q.bound {
		if idx := q.indexOfOldestAudioLocked(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			obs.RecordQueueDrop()
		}
	}
	q.items = append(q.items, ev)
	q.produced = true
	depth := len(q.items)
	q.mu.Unlock()

	obs.RecordQueueDepth(depth)
	q.wake()
}

func (q *OutboundQueue) indexOfOldestAudioLocked() int {
	for i, it := range q.items {
		if it.Kind == EventAudioInput {
			return i
		}
	}
	return -1
}

func (q *OutboundQueue) pop() (OutboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboundEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *OutboundQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Peek returns the head item without removing it, for the driver's
// pre-flight sessionStart check.
func (q *OutboundQueue) Peek() (OutboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboundEvent{}, false
	}
	return q.items[0], true
}

// Depth reports the current queue length.
func (q *OutboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next is the lazy consumer: it yields items in strict enqueue order,
// suspending on an empty queue until a new item
// arrives, closeSignal fires, or waitTimeout elapses. On closeSignal it
// ends the sequence (ok=false). On timeout, if the queue is still empty
// and nothing has ever been produced, it logs via onReseed and enqueues
// the event seed() builds, then keeps waiting.
func (q *OutboundQueue) Next(ctx context.Context, closeSignal <-chan struct{}, waitTimeout time.Duration, seed func() OutboundEvent, onReseed func()) (OutboundEvent, bool) {
	for {
		if ev, ok := q.pop(); ok {
			return ev, true
		}

		timer := time.NewTimer(waitTimeout)
		select {
		case <-q.signal:
			timer.Stop()
		case <-closeSignal:
			timer.Stop()
			return OutboundEvent{}, false
		case <-ctx.Done():
			timer.Stop()
			return OutboundEvent{}, false
		case <-timer.C:
			q.mu.Lock()
			stillEmpty := len(q.items) == 0
			neverProduced := !q.produced
			q.mu.Unlock()
			if stillEmpty && neverProduced && seed != nil {
				if onReseed != nil {
					onReseed()
				}
				q.Enqueue(seed())
			}
		}
	}
}
